package cmd

import (
	"github.com/spf13/cobra"

	"github.com/not-empty/reserveq-go/src/httpapi"
	"github.com/not-empty/reserveq-go/src/reservation"
)

func seatsCmd(root *rootOptions) *cobra.Command {
	var processNow bool

	cmd := &cobra.Command{
		Use:   "seats",
		Short: "Serve seat reservations; jobs run once GET /process is called",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			engine := a.client.Engine()
			if err := engine.Register(ctx, reservation.SeatResource(cfg.Seats.Capacity), cfg.Seats.Initialize); err != nil {
				return err
			}
			if processNow {
				if err := engine.Process(); err != nil {
					return err
				}
			}

			api := httpapi.New(engine,
				httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
				httpapi.WithMetrics(a.registry),
			)
			return a.serve(ctx, api.SeatHandler())
		},
	}
	cmd.Flags().BoolVar(&processNow, "process", false, "start processing reservations at startup")
	return cmd
}
