// Package devices implements the device enumeration command.
package devices

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/osaudio/capture-go/internal/capture"
	"github.com/osaudio/capture-go/internal/conf"
)

// Command returns the devices subcommand.
func Command(_ *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available audio capture devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := capture.ListDevices()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No capture devices found")
				return nil
			}
			for _, d := range infos {
				marker := " "
				if d.Default {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d: %s (%s)\n", marker, d.Index, d.Name, d.ID)
			}
			return nil
		},
	}
}
