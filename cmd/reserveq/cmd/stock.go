package cmd

import (
	"github.com/spf13/cobra"

	"github.com/not-empty/reserveq-go/src/catalog"
	"github.com/not-empty/reserveq-go/src/httpapi"
)

func stockCmd(root *rootOptions) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Serve the product catalog and stock reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			engine := a.client.Engine()
			for _, res := range catalog.Resources() {
				if err := engine.Register(ctx, res, reset); err != nil {
					return err
				}
			}
			if err := engine.Process(); err != nil {
				return err
			}

			api := httpapi.New(engine,
				httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
				httpapi.WithReserveTimeout(cfg.HTTP.ReserveTimeout),
				httpapi.WithMetrics(a.registry),
			)
			return a.serve(ctx, api.StockHandler())
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "zero every item's reserved count at startup")
	return cmd
}
