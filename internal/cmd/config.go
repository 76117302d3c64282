package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-lfs/config"
)

// NewConfigCmd creates the config subcommand.
func NewConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective format parameters as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := p.Super().Validate(); err != nil {
				return err
			}
			data, err := p.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML file with format parameters")

	return cmd
}
