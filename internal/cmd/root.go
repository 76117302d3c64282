package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/util"
)

// NewRootCmd creates the root command of the lfs CLI with its subcommands.
func NewRootCmd() *cobra.Command {
	var debug uint64

	rootCmd := &cobra.Command{
		Use:   "lfs",
		Short: "lfs - a log-structured storage engine for block devices",
		Long: `lfs formats and inspects devices holding a log-structured file system.

Use subcommands to perform different operations:
  - mkfs: Lay out an empty file system on a device or image file
  - inspect: Mount a device read-mostly and report its state
  - config: Print the effective format parameters`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.Debug = debug
		},
	}
	rootCmd.PersistentFlags().Uint64Var(&debug, "debug", 1, "Log verbosity")

	groupDevice := "device"
	groupUtilities := "utilities"
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupDevice,
		Title: "Device Operations",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupUtilities,
		Title: "Utility Commands",
	})

	mkfsCmd := NewMkfsCmd()
	inspectCmd := NewInspectCmd()
	configCmd := NewConfigCmd()

	mkfsCmd.GroupID = groupDevice
	inspectCmd.GroupID = groupDevice
	configCmd.GroupID = groupUtilities

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(configCmd)

	return rootCmd
}
