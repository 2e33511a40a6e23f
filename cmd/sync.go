package cmd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marcus/rowsync/internal/agent"
	"github.com/marcus/rowsync/internal/events"
	"github.com/marcus/rowsync/internal/filelock"
	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/orchestrator"
	"github.com/marcus/rowsync/internal/output"
	"github.com/marcus/rowsync/internal/transport"
	"github.com/marcus/rowsync/internal/webhook"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync session per scope",
	GroupID: "sync",
	Long: `Runs a full session for every configured scope: upload local changes, let
the server apply them, then download and apply the server's changes.

Scopes sync concurrently. A scope already syncing in another process is
waited for up to lock_timeout.

With --every, sync keeps running and starts a new round at that interval
until interrupted. Failed rounds are logged and retried at the next tick.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		parallel, _ := cmd.Flags().GetInt("parallel")
		perSecond, _ := cmd.Flags().GetFloat64("rate")
		every, _ := cmd.Flags().GetDuration("every")
		if every != 0 && every < minSyncInterval {
			return errors.Newf("--every must be at least %s", minSyncInterval)
		}

		ws, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.Close()

		t := transport.NewHTTP(cfg.Remote.URL, cfg.Remote.APIKey, cfg.Remote.Timeout)
		if perSecond > 0 {
			t.Limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if every > 0 {
			return syncEvery(ctx, ws.locals, t, parallel, every, printResults)
		}
		results, err := syncAll(ctx, ws.locals, t, parallel)
		printResults(results)
		return err
	},
}

const minSyncInterval = time.Second

func printResults(results []*models.SyncResult) {
	if jsonOut {
		if err := output.JSON(results); err != nil {
			slog.Warn("write results", "err", err)
		}
		return
	}
	for _, r := range results {
		if r != nil {
			output.Info("%s", output.FormatResult(r))
		}
	}
}

// syncEvery runs a round of syncAll now and then once per interval until ctx
// is done. A failed round never stops the loop.
func syncEvery(ctx context.Context, locals []*orchestrator.Local, t transport.Transport, parallel int, interval time.Duration, report func([]*models.SyncResult)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		results, err := syncAll(ctx, locals, t, parallel)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("sync round failed", "round", round, "err", err)
		} else {
			slog.Debug("sync round done", "round", round, "scopes", len(locals))
		}
		report(results)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// syncAll runs every scope with at most parallel sessions at a time. A
// failing scope does not stop the others; results keep the order of locals
// and hold nil for scopes that never started a session.
func syncAll(ctx context.Context, locals []*orchestrator.Local, t transport.Transport, parallel int) ([]*models.SyncResult, error) {
	results := make([]*models.SyncResult, len(locals))
	var (
		mu     sync.Mutex
		failed []error
	)

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, l := range locals {
		g.Go(func() error {
			res, err := syncScope(ctx, l, t)
			results[i] = res
			if err != nil {
				mu.Lock()
				failed = append(failed, errors.Wrapf(err, "scope %s", l.ScopeName()))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	switch len(failed) {
	case 0:
		return results, nil
	case 1:
		return results, failed[0]
	}
	return results, errors.Wrapf(failed[0], "%d of %d scopes failed, first", len(failed), len(locals))
}

func syncScope(ctx context.Context, l *orchestrator.Local, t transport.Transport) (*models.SyncResult, error) {
	lock, err := filelock.Acquire(ctx, filelock.PathFor(cfg.Database, l.ScopeName()), cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	h := events.On(l.Events(), func(ctx context.Context, e *events.ConflictArgs) {
		slog.Info("conflict", "scope", l.ScopeName(), "table", e.Conflict.Table,
			"type", string(e.Conflict.Type), "resolution", string(e.Conflict.Resolution))
	})
	defer l.Events().Remove(h)
	hu := events.On(l.Events(), func(ctx context.Context, e *events.PartUploadedArgs) {
		slog.Debug("part uploaded", "scope", l.ScopeName(), "part", e.Index+1, "of", e.Count, "rows", e.Rows)
	})
	defer l.Events().Remove(hu)
	hd := events.On(l.Events(), func(ctx context.Context, e *events.PartDownloadedArgs) {
		slog.Debug("part downloaded", "scope", l.ScopeName(), "part", e.Index+1, "of", e.Count, "rows", e.Rows)
	})
	defer l.Events().Remove(hd)

	a := agent.New(l, t, cfg.Batch.SpoolDir)
	res, err := a.SynchronizeRetry(ctx, agent.Retry{Max: cfg.Retry.Max, Interval: cfg.Retry.Interval})
	notify(ctx, l.ScopeName(), res, err)
	return res, err
}

// notify posts the session outcome to the configured webhook. Delivery
// failures are logged and never fail the session.
func notify(ctx context.Context, scope string, res *models.SyncResult, err error) {
	if cfg.Webhook.URL == "" {
		return
	}
	payload := webhook.BuildPayload(cfg.Database, scope, res, err)
	if derr := webhook.Dispatch(ctx, cfg.Webhook.URL, cfg.Webhook.Secret, payload); derr != nil {
		slog.Warn("webhook", "scope", scope, "err", derr)
	}
}

func init() {
	syncCmd.Flags().Int("parallel", 4, "scopes synced at the same time (0 = all)")
	syncCmd.Flags().Float64("rate", 0, "max requests per second to the server (0 = unlimited)")
	syncCmd.Flags().Duration("every", 0, "keep syncing at this interval until interrupted (0 = once)")
	rootCmd.AddCommand(syncCmd)
}
