package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/config"
	"github.com/mit-pdos/go-lfs/disk"
	"github.com/mit-pdos/go-lfs/lfs"
)

// NewMkfsCmd creates the mkfs subcommand.
func NewMkfsCmd() *cobra.Command {
	var (
		configPath string
		blocks     uint64
	)

	cmd := &cobra.Command{
		Use:   "mkfs DEVICE",
		Short: "Format a device or image file",
		Long: `Format lays out an empty file system on DEVICE.

Parameters come from the defaults, then the --config YAML file, then LFS_*
environment variables. With --blocks, DEVICE is a regular file created or
resized to that many 4 KiB blocks. Nothing is written if the parameters do
not fit the device.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMkfs(cmd, args[0], configPath, blocks)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML file with format parameters")
	cmd.Flags().Uint64VarP(&blocks, "blocks", "b", 0, "Size an image file to this many 4 KiB blocks")

	return cmd
}

func runMkfs(cmd *cobra.Command, path string, configPath string, blocks uint64) error {
	p, err := config.Load(configPath)
	if err != nil {
		return err
	}
	d, err := disk.NewFileDisk(path, blocks)
	if err != nil {
		return err
	}
	defer d.Close()
	sb, err := lfs.Format(d, p.Super())
	if err != nil {
		return fmt.Errorf("mkfs %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, sb)
	return nil
}
