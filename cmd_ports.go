package main

import (
	"fmt"

	"relay-gateway/internal/serial"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return fmt.Errorf("listing serial ports: %w", err)
			}
			if len(ports) == 0 {
				color.New(color.FgYellow).Println("No serial ports found.")
				return nil
			}
			green := color.New(color.FgGreen)
			gray := color.New(color.FgHiBlack)
			for _, p := range ports {
				green.Print("▶ ")
				fmt.Print(p.Name)
				if p.IsUSB {
					gray.Printf("  USB %s:%s", p.VID, p.PID)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
