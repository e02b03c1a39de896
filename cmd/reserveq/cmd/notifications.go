package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/not-empty/reserveq-go/src/pushnotify"
)

func notificationsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Create or process push notification jobs",
	}
	cmd.AddCommand(notificationsCreateCmd(root), notificationsProcessCmd(root))
	return cmd
}

func notificationsCreateCmd(root *rootOptions) *cobra.Command {
	var (
		jobType string
		wait    bool
	)

	cmd := &cobra.Command{
		Use:   "create FILE",
		Short: "Enqueue one job per entry of a JSON array of {phoneNumber, message} (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			raw, err := readInput(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			q := a.client.Queue()
			jobs, err := pushnotify.CreateJobsJSON(ctx, q, raw, pushnotify.WithJobType(jobType))
			if err != nil && len(jobs) == 0 {
				return err
			}
			if err != nil {
				log.WithError(err).Warn("some notifications were not enqueued")
			}
			if !wait {
				return nil
			}

			var errs []error
			for _, j := range jobs {
				if werr := j.Wait(ctx); werr != nil {
					if errors.Is(werr, ctx.Err()) {
						return werr
					}
					errs = append(errs, werr)
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("%d of %d notifications failed", len(errs), len(jobs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", pushnotify.CreateJobType, "job type to enqueue under")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for every job to finish")
	return cmd
}

func notificationsProcessCmd(root *rootOptions) *cobra.Command {
	var (
		jobType     string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Send queued notifications, skipping blacklisted numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, root.cfg)
			if err != nil {
				return err
			}
			defer a.close()

			q := a.client.Queue()
			p := pushnotify.NewProcessor(log.StandardLogger())
			p.Blacklist = pushnotify.NewBlacklist(root.cfg.Notifications.Blacklist...)
			if err := p.RegisterType(q, jobType, concurrency); err != nil {
				return err
			}

			<-ctx.Done()
			sctx, cancel := a.shutdownContext()
			defer cancel()
			return q.Shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", pushnotify.ProcessJobType, "job type to process")
	cmd.Flags().IntVar(&concurrency, "concurrency", pushnotify.DefaultConcurrency, "jobs processed at once")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
