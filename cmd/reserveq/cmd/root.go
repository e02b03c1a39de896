package cmd

import (
	"github.com/spf13/cobra"

	"github.com/not-empty/reserveq-go/src/config"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

// RootCmd is the reserveq command tree.
func RootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "reserveq",
		Short:         "reserveq runs queue-backed seat and stock reservation services.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := config.ConfigureLogging(cfg.Log); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./config.yaml if present)")

	cmd.AddCommand(
		seatsCmd(opts),
		stockCmd(opts),
		notificationsCmd(opts),
		subscribeCmd(opts),
		publishCmd(opts),
	)
	return cmd
}
