package cmd

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/not-empty/reserveq-go/src/pubsub"
)

func subscribeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "Print messages from the notification channel until " + pubsub.KillMessage,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			return pubsub.Listen(ctx, a.client.Channel(), root.cfg.PubSub.Channel)
		},
	}
}

func publishCmd(root *rootOptions) *cobra.Command {
	var delay time.Duration

	cmd := &cobra.Command{
		Use:   "publish MESSAGE...",
		Short: "Publish messages to the notification channel",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			return pubsub.PublishAll(ctx, a.client.Channel(), root.cfg.PubSub.Channel, args, delay, log.StandardLogger())
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 100*time.Millisecond, "pause before each message")
	return cmd
}
