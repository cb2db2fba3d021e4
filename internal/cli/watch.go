package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittovfs/internal/logger"
	"github.com/marmos91/dittovfs/pkg/files"
	"github.com/marmos91/dittovfs/pkg/watch"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		recursive bool
		excludes  []string
		duration  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <uri>...",
		Short: "Stream change and operation events for one or more resources",
		Long: `Watch resources and print every event until interrupted.

Each line is one event:
  change <added|updated|deleted> <uri>
  op <operation> <uri> [target]
  error <uri> <message>

When metrics are enabled in the configuration the Prometheus exporter runs
for the lifetime of the command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			us, err := parseURIs(args...)
			if err != nil {
				return err
			}
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}

				if s.metrics.Server != nil {
					go func() {
						if err := s.metrics.Server.Start(ctx); err != nil {
							logger.Error("Metrics server error: %v", err)
						}
					}()
				}

				changes, unsubChanges := s.svc.SubscribeChanges()
				defer unsubChanges()
				ops, unsubOps := s.svc.SubscribeOperations()
				defer unsubOps()
				watchErrs, unsubErrs := s.svc.SubscribeWatchErrors()
				defer unsubErrs()

				handles := make([]*watch.Handle, 0, len(us))
				defer func() {
					for _, h := range handles {
						_ = h.Close()
					}
				}()
				for _, u := range us {
					h, err := s.svc.WatchFileChanges(ctx, u, &files.WatchOptions{Recursive: recursive, Excludes: excludes})
					if err != nil {
						return err
					}
					handles = append(handles, h)
					logger.Info("Watching %s (recursive=%t)", u, recursive)
				}

				return streamEvents(ctx, cmd.OutOrStdout(), changes, ops, watchErrs)
			})
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Watch whole subtrees")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "Exclude paths matching this pattern (repeatable)")
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (0 = until interrupted)")
	return cmd
}

// streamEvents prints events until ctx ends or a stream closes.
func streamEvents(ctx context.Context, w io.Writer, changes <-chan files.FileChangesEvent, ops <-chan files.FileOperationEvent, watchErrs <-chan files.WatchErrorEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-changes:
			if !ok {
				return nil
			}
			for _, c := range ev.Changes {
				fmt.Fprintf(w, "change %s %s\n", c.Type, c.Resource)
			}
		case ev, ok := <-ops:
			if !ok {
				return nil
			}
			if ev.Target != nil {
				fmt.Fprintf(w, "op %s %s %s\n", ev.Operation, ev.Resource, *ev.Target)
			} else {
				fmt.Fprintf(w, "op %s %s\n", ev.Operation, ev.Resource)
			}
		case ev, ok := <-watchErrs:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "error %s %v\n", ev.Resource, ev.Err)
		}
	}
}
