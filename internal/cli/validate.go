package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rickgao/shardfleet/internal/config"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndValidate(rootOpts.ConfigPath)
			if err != nil {
				return err
			}

			total := "recommended"
			if cfg.Gateway.ShardTotal > 0 {
				total = fmt.Sprint(cfg.Gateway.ShardTotal)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: instance=%s shards=%d+%d/%s boot_spacing=%s\n",
				cfg.Instance.ID, cfg.Gateway.ShardIndex, cfg.Gateway.ShardInit, total, cfg.Fleet.BootSpacing)
			return nil
		},
	}
}
