package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/shardq"
	"pkt.systems/shardq/internal/loggingutil"
)

func newReconcileCommand(c *cli) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reconcile <queue>...",
		Short: "Repair expired leases, interrupted dead-letter moves, orphaned payloads and stale members",
		Long: "Runs a reconcile pass over the named queues and then keeps running one " +
			"every --reconcile-interval until interrupted. Telemetry listeners configured " +
			"with --metrics-listen, --pprof-listen and --otlp-endpoint stay up while it runs.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			mode, err := c.output()
			if err != nil {
				return err
			}
			rlog := loggingutil.WithSubsystem(logger, "cli.reconcile")
			if !once {
				rlog.Info("reconciler starting",
					"pid", os.Getpid(),
					"store", cfg.Store,
					"queues", args,
					"interval", cfg.ReconcileInterval,
				)
				tel, err := shardq.StartTelemetry(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := tel.Shutdown(shutdownCtx); err != nil {
						rlog.Warn("telemetry shutdown failed", "error", err)
					}
				}()
			}
			broker, err := shardq.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer broker.Close()
			r, err := broker.Reconciler(args...)
			if err != nil {
				return err
			}
			stats, err := r.RunOnce(ctx)
			if once {
				if err != nil {
					return err
				}
				if mode == outputJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired_leases=%d finished_moves=%d abandoned_moves=%d orphan_payloads=%d expired_members=%d\n",
					stats.ExpiredLeases, stats.FinishedMoves, stats.AbandonedMoves, stats.OrphanPayloads, stats.ExpiredMembers)
				return nil
			}
			if err != nil {
				rlog.Warn("initial pass failed", "error", err)
			}
			r.Start()
			<-ctx.Done()
			r.Stop()
			rlog.Info("reconciler stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass, print what it repaired and exit")
	return cmd
}
