package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"relay-gateway/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var version = "dev"

const banner = `
          _
 _ __ ___| | __ _ _   _    __ ___      __
| '__/ _ \ |/ _' | | | |  / _' \ \ /\ / /
| | |  __/ | (_| | |_| | | (_| |\ V  V /
|_|  \___|_|\__,_|\__, |  \__, | \_/\_/
                  |___/   |___/
`

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "relaygw",
		Short:         "Network gateway for a serial-attached relay module",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $RELAYGW_CONFIG or $XDG_CONFIG_HOME/relaygw/gateway.yaml)")

	rootCmd.AddCommand(newServeCmd(), newLookupCmd(), newSendCmd(), newPortsCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
