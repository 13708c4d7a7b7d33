package backfill

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/streams"
)

// Runner replays persisted messages through the thinker so old history
// gains topics, entities, and narratives.
type Runner struct {
	logger  *slog.Logger
	store   *memory.Store
	thinker *streams.Thinker
}

// NewRunner creates a backfill runner.
func NewRunner(store *memory.Store, thinker *streams.Thinker) *Runner {
	return &Runner{
		logger:  slog.Default().With("module", "backfill"),
		store:   store,
		thinker: thinker,
	}
}

// Run reprocesses up to limit messages newer than since. Enrichment for
// each message is processed synchronously; a failure on one message does
// not stop the sweep.
func (r *Runner) Run(ctx context.Context, since float64, limit int) (int, error) {
	events, err := r.store.AllMessages(ctx, since, limit)
	if err != nil {
		return 0, errors.WithMessage(err, "list messages")
	}

	r.logger.Info("backfill started", "messages", len(events))

	processed := 0
	for i := range events {
		ev := events[i]
		if ev.Source == domain.SourceAgent {
			continue
		}
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		err := r.thinker.Process(ctx, &domain.AnalysisPayload{
			MessageUID: ev.UID(),
			Event:      ev,
			Verdict: domain.GateVerdict{
				Target:        domain.TargetContextual,
				RequiredDepth: domain.DepthDeepAnalysis,
				ToneHint:      domain.ToneNeutral,
			},
		})
		if err != nil {
			r.logger.Warn("backfill message failed", "uid", ev.UID(), "error", err)
			continue
		}
		processed++
	}

	r.logger.Info("backfill finished", "processed", processed)
	return processed, nil
}
