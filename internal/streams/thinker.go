package streams

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
)

// ThinkerConfig sizes the context window for semantic analysis.
type ThinkerConfig struct {
	HistoryK int `toml:"history_k"`
}

// entity types the thinker may assign; anything else is coerced to
// Concept.
var knownEntityTypes = map[string]bool{
	"Technology": true,
	"Person":     true,
	"Concept":    true,
	"Tool":       true,
}

// Thinker is the semantic enrichment stream: topics, entities, and a
// situational narrative for every deep-analysis message.
type Thinker struct {
	logger    *slog.Logger
	bus       *bus.Bus
	store     *memory.Store
	assembler *prompt.Assembler
	sb        *provider.Switchboard
	logWriter *memory.LogWriter
	cfg       ThinkerConfig
	workers   WorkerConfig
}

// NewThinker creates the thinker stream.
func NewThinker(b *bus.Bus, store *memory.Store, assembler *prompt.Assembler, sb *provider.Switchboard, logWriter *memory.LogWriter, cfg ThinkerConfig, workers WorkerConfig) *Thinker {
	return &Thinker{
		logger:    slog.Default().With("module", "thinker"),
		bus:       b,
		store:     store,
		assembler: assembler,
		sb:        sb,
		logWriter: logWriter,
		cfg:       cfg,
		workers:   workers,
	}
}

func (t *Thinker) Name() string { return "thinker" }

// Run starts the analysis workers.
func (t *Thinker) Run(ctx context.Context) error {
	return runPool(ctx, t.workers.workers(2), t.loop)
}

func (t *Thinker) loop(ctx context.Context) error {
	for {
		var payload domain.AnalysisPayload
		if err := t.bus.Consume(ctx, bus.ChannelAnalysis, &payload); err != nil {
			if done(ctx, err) || err == bus.ErrClosed {
				return nil
			}
			t.logger.Error("failed to consume analysis", "error", err)
			continue
		}

		if err := t.Process(ctx, &payload); err != nil {
			t.logger.Error("analysis failed", "uid", payload.MessageUID, "error", err)
		}
	}
}

// Process enriches one message and forwards a planning payload. Enrichment
// failures degrade to an empty enrichment; the plan still executes.
func (t *Thinker) Process(ctx context.Context, payload *domain.AnalysisPayload) error {
	enr, thoughtID := t.analyze(ctx, payload)

	if !enr.Empty() {
		if err := t.bus.Publish(ctx, bus.ChannelEnrichment, enr); err != nil {
			// enrichment is sheddable; a drop is not an error for the plan
			t.logger.Warn("enrichment not published", "uid", payload.MessageUID, "error", err)
		}
	}

	return t.bus.Publish(ctx, bus.ChannelPlanning, domain.PlanningPayload{
		MessageUID: payload.MessageUID,
		Event:      payload.Event,
		Verdict:    payload.Verdict,
		Narrative:  enr.Narrative,
		ThoughtID:  thoughtID,
	})
}

// analyze runs the semantic analysis with one stricter retry. On double
// failure it returns an empty enrichment.
func (t *Thinker) analyze(ctx context.Context, payload *domain.AnalysisPayload) (*domain.Enrichment, string) {
	system := t.assembler.SystemPrompt(ctx, prompt.RoleThinker, prompt.TaskSemanticAnalysis, t.runtimeContext(ctx, &payload.Event))
	userContent := fmt.Sprintf("НОВЕ ПОВІДОМЛЕННЯ:\n[%s]: %s\n\nmsg_uid: %s", payload.Event.SenderName, payload.Event.Text, payload.MessageUID)

	req := &provider.Request{
		System:   system,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: userContent}},
	}

	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := t.sb.Generate(ctx, req)
		if err != nil {
			t.logger.Error("generation failed", "uid", payload.MessageUID, "error", err)
			return &domain.Enrichment{MsgUID: payload.MessageUID}, ""
		}

		t.logWriter.Append(system+"\n\n"+userContent, resp.Content, resp.Model)

		var enr domain.Enrichment
		if err := domain.DecodeLoose(resp.Content, &enr); err == nil && enr.Narrative != "" {
			enr.MsgUID = payload.MessageUID
			t.sanitize(&enr)

			thoughtID, serr := t.store.SaveThoughtSnapshot(ctx, payload.MessageUID, enr.Narrative, resp.Model)
			if serr != nil {
				t.logger.Warn("failed to save thought snapshot", "error", serr)
			}
			return &enr, thoughtID
		}

		t.logger.Warn("malformed analysis output", "attempt", attempt, "uid", payload.MessageUID)
		req.Messages = append(req.Messages, provider.Message{
			Role:    provider.RoleUser,
			Content: "Відповідь не пройшла перевірку. Поверни ТІЛЬКИ валідний JSON за форматом {\"msg_uid\", \"topics\", \"entities\", \"narrative\"} без markdown.",
		})
	}

	return &domain.Enrichment{MsgUID: payload.MessageUID}, ""
}

// sanitize normalizes topic titles and coerces unknown entity types.
func (t *Thinker) sanitize(enr *domain.Enrichment) {
	topics := enr.Topics[:0]
	for _, topic := range enr.Topics {
		topic.Title = memory.NormalizeTopicTitle(topic.Title)
		if topic.Title != "" {
			topics = append(topics, topic)
		}
	}
	enr.Topics = topics

	for i := range enr.Entities {
		if !knownEntityTypes[enr.Entities[i].Type] {
			enr.Entities[i].Type = "Concept"
		}
	}
}

func (t *Thinker) runtimeContext(ctx context.Context, ev *domain.Event) string {
	historyK := t.cfg.HistoryK
	if historyK <= 0 {
		historyK = 5
	}

	var b strings.Builder

	if types, err := t.store.EntityTypes(ctx); err == nil && len(types) > 0 {
		fmt.Fprintf(&b, "Відомі типи сутностей: %s\n", strings.Join(types, ", "))
	}

	if topics, err := t.store.ActiveTopics(ctx); err == nil && len(topics) > 0 {
		b.WriteString("Активні теми:\n")
		for _, topic := range topics {
			fmt.Fprintf(&b, "- %s: %s\n", topic.Title, topic.Description)
		}
	}

	if thoughts, err := t.store.RecentThoughtResponses(ctx, 5); err == nil && len(thoughts) > 0 {
		b.WriteString("Нещодавні думки (не повторюй):\n")
		for _, thought := range thoughts {
			fmt.Fprintf(&b, "- %s\n", truncate(thought, 100))
		}
	}

	if history, err := t.store.ChatContext(ctx, ev.ChatID, historyK); err == nil && len(history) > 0 {
		b.WriteString("Історія чату:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "[%s] %s: %s\n", h.Time, h.Author, truncate(h.Text, 150))
		}
	}

	return b.String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
