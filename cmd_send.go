package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"relay-gateway/internal/client"

	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <line>",
		Short: "Send one command line to a gateway and print the reply",
		Example: `  relaygw send ATSTATE
  relaygw send --addr 192.168.4.1:8888 ATTIMER,SET,60,ATOFF`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.TCPPort))
			}
			reply, err := client.Send(cmd.Context(), addr, strings.Join(args, " "), timeout)
			if err != nil {
				return err
			}
			if reply != "" {
				fmt.Println(reply)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "gateway address host:port (default local gateway)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "connect and reply timeout")
	return cmd
}
