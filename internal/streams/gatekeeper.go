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

// GatekeeperConfig selects the cheap local model and context depth.
type GatekeeperConfig struct {
	Provider string   `toml:"provider"` // named provider for the fast path
	Model    string   `toml:"model"`
	Aliases  []string `toml:"aliases"` // extra names that address the agent
	HistoryK int      `toml:"history_k"`
}

// Gatekeeper is the triage stream: a cheap classifier that decides the
// addressee, the required depth, and the tone before any expensive call.
type Gatekeeper struct {
	logger    *slog.Logger
	bus       *bus.Bus
	store     *memory.Store
	assembler *prompt.Assembler
	sb        *provider.Switchboard
	cfg       GatekeeperConfig
	workers   WorkerConfig
}

// NewGatekeeper creates the gatekeeper stream.
func NewGatekeeper(b *bus.Bus, store *memory.Store, assembler *prompt.Assembler, sb *provider.Switchboard, cfg GatekeeperConfig, workers WorkerConfig) *Gatekeeper {
	return &Gatekeeper{
		logger:    slog.Default().With("module", "gatekeeper"),
		bus:       b,
		store:     store,
		assembler: assembler,
		sb:        sb,
		cfg:       cfg,
		workers:   workers,
	}
}

func (g *Gatekeeper) Name() string { return "gatekeeper" }

// Run starts the triage workers.
func (g *Gatekeeper) Run(ctx context.Context) error {
	return runPool(ctx, g.workers.workers(2), g.loop)
}

func (g *Gatekeeper) loop(ctx context.Context) error {
	for {
		var payload domain.TriagePayload
		if err := g.bus.Consume(ctx, bus.ChannelTriage, &payload); err != nil {
			if done(ctx, err) || err == bus.ErrClosed {
				return nil
			}
			g.logger.Error("failed to consume triage", "error", err)
			continue
		}

		if err := g.process(ctx, &payload); err != nil {
			g.logger.Error("triage failed", "uid", payload.MessageUID, "error", err)
		}
	}
}

func (g *Gatekeeper) process(ctx context.Context, payload *domain.TriagePayload) error {
	verdict := g.classify(ctx, &payload.Event)

	g.logger.Info("verdict",
		"uid", payload.MessageUID,
		"target", verdict.Target,
		"depth", verdict.RequiredDepth,
		"tone", verdict.ToneHint,
	)

	if verdict.Skip() {
		// message stays persisted; the pipeline ends here
		return nil
	}

	if verdict.RequiredDepth == domain.DepthDeepAnalysis {
		return g.bus.Publish(ctx, bus.ChannelAnalysis, domain.AnalysisPayload{
			MessageUID: payload.MessageUID,
			Event:      payload.Event,
			Verdict:    verdict,
		})
	}

	// quick replies bypass the thinker
	return g.bus.Publish(ctx, bus.ChannelPlanning, domain.PlanningPayload{
		MessageUID: payload.MessageUID,
		Event:      payload.Event,
		Verdict:    verdict,
	})
}

// classify produces the verdict. Media triggers and explicit addressing
// override the model; malformed model output earns one retry and then a
// skip.
func (g *Gatekeeper) classify(ctx context.Context, ev *domain.Event) domain.GateVerdict {
	if ev.Media != domain.MediaNone {
		return domain.GateVerdict{
			Target:        domain.TargetDirect,
			RequiredDepth: domain.DepthQuickReply,
			ToneHint:      domain.ToneNeutral,
		}
	}

	verdict, err := g.ask(ctx, ev)
	if err != nil {
		// explicit addressing holds even with every provider down
		if g.addressesAgent(ev.Text) {
			g.logger.Warn("classification failed for an addressed message, replying anyway", "uid", ev.UID(), "error", err)
			return domain.GateVerdict{
				Target:        domain.TargetDirect,
				RequiredDepth: domain.DepthQuickReply,
				ToneHint:      domain.ToneNeutral,
			}
		}
		g.logger.Warn("classification failed, skipping message", "uid", ev.UID(), "error", err)
		return domain.SkipVerdict()
	}

	if g.addressesAgent(ev.Text) {
		verdict.Target = domain.TargetDirect
		if verdict.RequiredDepth == domain.DepthSkip {
			verdict.RequiredDepth = domain.DepthQuickReply
		}
	}

	return verdict
}

func (g *Gatekeeper) ask(ctx context.Context, ev *domain.Event) (domain.GateVerdict, error) {
	historyK := g.cfg.HistoryK
	if historyK <= 0 {
		historyK = 5
	}
	history, err := g.store.ChatContext(ctx, ev.ChatID, historyK)
	if err != nil {
		g.logger.Warn("failed to fetch chat context", "error", err)
	}

	var runtime strings.Builder
	runtime.WriteString(fmt.Sprintf("Ім'я агента: %s\n", g.store.Agent().Name))
	if len(history) > 0 {
		runtime.WriteString("Останні повідомлення:\n")
		for _, h := range history {
			fmt.Fprintf(&runtime, "[%s] %s: %s\n", h.Time, h.Author, h.Text)
		}
	}

	system := g.assembler.SystemPrompt(ctx, prompt.RoleGatekeeper, prompt.TaskTriage, runtime.String())
	userContent := fmt.Sprintf("[%s]: %s", ev.SenderName, ev.Text)

	req := &provider.Request{
		System:   system,
		Model:    g.cfg.Model,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: userContent}},
	}

	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := g.generate(ctx, req)
		if err != nil {
			return domain.GateVerdict{}, err
		}

		var verdict domain.GateVerdict
		if err := domain.DecodeLoose(resp.Content, &verdict); err == nil {
			if err := verdict.Validate(); err == nil {
				return verdict, nil
			}
		}

		g.logger.Warn("malformed verdict", "attempt", attempt, "raw", resp.Content)
		req.Messages = append(req.Messages, provider.Message{
			Role:    provider.RoleUser,
			Content: "Відповідь не пройшла перевірку. Поверни ТІЛЬКИ валідний JSON {\"target\", \"required_depth\", \"tone_hint\"} без жодного іншого тексту.",
		})
	}

	return domain.SkipVerdict(), nil
}

// generate prefers the configured cheap local provider and falls back to
// the switchboard routing.
func (g *Gatekeeper) generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if g.cfg.Provider != "" {
		resp, err := g.sb.GenerateWith(ctx, g.cfg.Provider, req)
		if err == nil {
			return resp, nil
		}
		g.logger.Warn("fast provider failed, routing through switchboard", "error", err)
	}
	return g.sb.Generate(ctx, req)
}

// addressesAgent reports whether the text names the agent explicitly.
func (g *Gatekeeper) addressesAgent(text string) bool {
	lower := strings.ToLower(text)
	names := append([]string{g.store.Agent().Name}, g.cfg.Aliases...)
	for _, name := range names {
		if name == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}
