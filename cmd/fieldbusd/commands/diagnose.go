package commands

import (
	"github.com/spf13/cobra"

	"github.com/dderyldowney/afs-fieldbus/platform"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Report the detected host platform and available bus interfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		diag := platform.Diagnose()
		cmd.Printf("family: %s\n", diag.Family)
		cmd.Printf("available interfaces: %v\n", diag.AvailableNames)
		return nil
	},
}
