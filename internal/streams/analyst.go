package streams

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
)

// analystOutput is the raw JSON shape expected from the model.
type analystOutput struct {
	Intent string            `json:"intent"`
	Tasks  []domain.PlanTask `json:"tasks"`
}

// Analyst is the planning stream: it classifies intent and formulates an
// executable task DAG.
type Analyst struct {
	logger    *slog.Logger
	bus       *bus.Bus
	store     *memory.Store
	assembler *prompt.Assembler
	sb        *provider.Switchboard
	workers   WorkerConfig
}

// NewAnalyst creates the analyst stream.
func NewAnalyst(b *bus.Bus, store *memory.Store, assembler *prompt.Assembler, sb *provider.Switchboard, workers WorkerConfig) *Analyst {
	return &Analyst{
		logger:    slog.Default().With("module", "analyst"),
		bus:       b,
		store:     store,
		assembler: assembler,
		sb:        sb,
		workers:   workers,
	}
}

func (a *Analyst) Name() string { return "analyst" }

// Run starts the planning workers.
func (a *Analyst) Run(ctx context.Context) error {
	return runPool(ctx, a.workers.workers(2), a.loop)
}

func (a *Analyst) loop(ctx context.Context) error {
	for {
		var payload domain.PlanningPayload
		if err := a.bus.Consume(ctx, bus.ChannelPlanning, &payload); err != nil {
			if done(ctx, err) || err == bus.ErrClosed {
				return nil
			}
			a.logger.Error("failed to consume planning", "error", err)
			continue
		}

		if err := a.process(ctx, &payload); err != nil {
			a.logger.Error("planning failed", "uid", payload.MessageUID, "error", err)
		}
	}
}

func (a *Analyst) process(ctx context.Context, payload *domain.PlanningPayload) error {
	intent, tasks := a.plan(ctx, payload)

	snap := domain.AnalystSnapshot{
		MessageUID: payload.MessageUID,
		Event:      payload.Event,
		Verdict:    payload.Verdict,
		Narrative:  payload.Narrative,
		ThoughtID:  payload.ThoughtID,
		Intent:     intent,
		Tasks:      tasks,
		CreatedAt:  time.Now(),
	}

	id, err := a.store.SaveAnalystSnapshot(ctx, &snap)
	if err != nil {
		a.logger.Warn("failed to save analyst snapshot", "uid", payload.MessageUID, "error", err)
	}
	snap.ID = id

	a.logger.Info("plan formulated",
		"uid", payload.MessageUID,
		"intent", intent,
		"tasks", len(tasks),
	)

	return a.bus.Publish(ctx, bus.ChannelExecution, snap)
}

// plan asks the model for a plan with one retry; an invalid plan falls back
// to the apology reply.
func (a *Analyst) plan(ctx context.Context, payload *domain.PlanningPayload) (string, []domain.PlanTask) {
	system := a.assembler.SystemPrompt(ctx, prompt.RoleAnalyst, prompt.TaskFormulatePlan, "")

	userContent := fmt.Sprintf(
		"Наратив: %s\nВердикт: target=%s, depth=%s, tone=%s\nОригінальне повідомлення [%s]: %s",
		payload.Narrative,
		payload.Verdict.Target, payload.Verdict.RequiredDepth, payload.Verdict.ToneHint,
		payload.Event.SenderName, payload.Event.Text,
	)

	req := &provider.Request{
		System:   system,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: userContent}},
	}

	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := a.sb.Generate(ctx, req)
		if err != nil {
			a.logger.Error("generation failed", "uid", payload.MessageUID, "error", err)
			break
		}

		var out analystOutput
		if err := domain.DecodeLoose(resp.Content, &out); err == nil {
			if verr := domain.ValidatePlan(out.Intent, out.Tasks); verr == nil {
				return out.Intent, out.Tasks
			} else {
				a.logger.Warn("invalid plan", "attempt", attempt, "error", verr)
			}
		} else {
			a.logger.Warn("malformed plan output", "attempt", attempt, "error", err)
		}

		req.Messages = append(req.Messages, provider.Message{
			Role:    provider.RoleUser,
			Content: "План не пройшов перевірку. Поверни ТІЛЬКИ валідний JSON {\"intent\", \"tasks\"}; дозволені дії: reply, search_graph, search_web, fetch_user_profile, remember_fact; обов'язково хоча б одна reply.",
		})
	}

	return domain.FallbackPlan()
}
