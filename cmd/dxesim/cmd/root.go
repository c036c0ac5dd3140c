// Package cmd implements the dxesim command-line harness: a cobra-based CLI
// that wires together the core DXE simulation packages and runs one
// simulated boot (spec.md section 7). Grounded on the cobra root/Execute
// layout in tdx-cli/cmd/root.go.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dxesim",
	Short: "Simulate a UEFI PI DXE core boot over a hand-off descriptor list and firmware volumes",
}

// Execute runs the dxesim command tree. Called once from main.main.
func Execute() {
	rootCmd.AddCommand(newRunCommand())

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("dxesim: command failed")
		os.Exit(1)
	}
}
