package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"relay-gateway/internal/client"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLookupCmd() *cobra.Command {
	var (
		target string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Find gateways on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				target = net.JoinHostPort("255.255.255.255", strconv.Itoa(cfg.Server.UDPPort))
			}

			found, err := client.Lookup(cmd.Context(), target, wait)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				color.New(color.FgYellow).Println("No gateways answered.")
				return nil
			}

			green := color.New(color.FgGreen)
			gray := color.New(color.FgHiBlack)
			for _, d := range found {
				green.Print("▶ ")
				fmt.Printf("%-21s %s", d.Address(), d.MAC)
				if d.Name != "" {
					color.New(color.FgCyan).Printf("  %s", d.Name)
				}
				gray.Printf("  (from %s)\n", d.From)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "lookup address (default broadcast on the configured UDP port)")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "how long to collect replies")
	return cmd
}
