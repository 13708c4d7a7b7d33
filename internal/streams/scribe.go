package streams

import (
	"context"
	"log/slog"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/embedding"
	"github.com/bobersik/observer/internal/memory"
)

// Scribe is the first stream: the single writer of raw events into the
// graph. It consumes ingestion and enrichment and emits triage.
type Scribe struct {
	logger   *slog.Logger
	bus      *bus.Bus
	store    *memory.Store
	embedder *embedding.Client
	cfg      WorkerConfig
}

// NewScribe creates the scribe stream.
func NewScribe(b *bus.Bus, store *memory.Store, embedder *embedding.Client, cfg WorkerConfig) *Scribe {
	return &Scribe{
		logger:   slog.Default().With("module", "scribe"),
		bus:      b,
		store:    store,
		embedder: embedder,
		cfg:      cfg,
	}
}

func (s *Scribe) Name() string { return "scribe" }

// Run starts the ingestion workers and one enrichment consumer.
func (s *Scribe) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runPool(ctx, s.cfg.workers(1), s.ingestLoop)
	})
	g.Go(func() error {
		return runPool(ctx, 1, s.enrichLoop)
	})

	return g.Wait()
}

func (s *Scribe) ingestLoop(ctx context.Context) error {
	for {
		var ev domain.Event
		if err := s.bus.Consume(ctx, bus.ChannelIngestion, &ev); err != nil {
			if done(ctx, err) || err == bus.ErrClosed {
				return nil
			}
			s.logger.Error("failed to consume ingestion", "error", err)
			continue
		}

		s.persist(ctx, &ev)
	}
}

func (s *Scribe) persist(ctx context.Context, ev *domain.Event) {
	uid, created, err := s.store.PersistEvent(ctx, ev)
	if err != nil {
		// the pipeline must not stall on one bad message
		metrics.GetOrRegisterCounter("messages_unpersisted_total", metrics.DefaultRegistry).Inc(1)
		s.logger.Error("message left unpersisted", "uid", ev.UID(), "error", err)
		return
	}

	s.notifyEmbedder(ctx, ev)

	if ev.Source == domain.SourceAgent {
		// the agent's own messages enter history but are never triaged
		return
	}
	if !created {
		// redelivered event; triage already ran
		return
	}

	err = s.bus.Publish(ctx, bus.ChannelTriage, domain.TriagePayload{
		MessageUID: uid,
		Event:      *ev,
	})
	if err != nil {
		s.logger.Error("failed to publish triage", "uid", uid, "error", err)
	}
}

func (s *Scribe) enrichLoop(ctx context.Context) error {
	for {
		var enr domain.Enrichment
		if err := s.bus.Consume(ctx, bus.ChannelEnrichment, &enr); err != nil {
			if done(ctx, err) || err == bus.ErrClosed {
				return nil
			}
			s.logger.Error("failed to consume enrichment", "error", err)
			continue
		}

		if err := s.store.SaveEnrichment(ctx, &enr); err != nil {
			s.logger.Error("failed to save enrichment", "uid", enr.MsgUID, "error", err)
		}
	}
}

// notifyEmbedder forwards message text to the embedding service when one
// is configured. Fire-and-forget.
func (s *Scribe) notifyEmbedder(ctx context.Context, ev *domain.Event) {
	if s.embedder == nil || ev.Text == "" {
		return
	}
	text := ev.Text
	source := ev.Source
	go func() {
		var err error
		if source == domain.SourceAgent {
			err = s.embedder.ProcessAssistantResponse(ctx, text)
		} else {
			err = s.embedder.ProcessQuery(ctx, text)
		}
		if err != nil {
			s.logger.Debug("embedding notification failed", "error", err)
		}
	}()
}
