package streams

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/internal/telegram"
)

// apologyText is emitted when a direct message cannot be answered at all.
const apologyText = "Вибач, зараз не можу нормально відповісти. Спробую пізніше."

// ResponderConfig sizes the reply context window.
type ResponderConfig struct {
	HistoryK int `toml:"history_k"`
}

// Responder is the articulation stream: it wraps the coordinator context in
// persona, emits the reply, and loops it back into ingestion so the agent's
// own messages enter history symmetrically.
type Responder struct {
	logger    *slog.Logger
	bus       *bus.Bus
	store     *memory.Store
	assembler *prompt.Assembler
	sb        *provider.Switchboard
	sender    telegram.Sender
	cfg       ResponderConfig
	workers   WorkerConfig
}

// NewResponder creates the responder stream.
func NewResponder(b *bus.Bus, store *memory.Store, assembler *prompt.Assembler, sb *provider.Switchboard, sender telegram.Sender, cfg ResponderConfig, workers WorkerConfig) *Responder {
	return &Responder{
		logger:    slog.Default().With("module", "responder"),
		bus:       b,
		store:     store,
		assembler: assembler,
		sb:        sb,
		sender:    sender,
		cfg:       cfg,
		workers:   workers,
	}
}

func (r *Responder) Name() string { return "responder" }

// Run starts the reply workers.
func (r *Responder) Run(ctx context.Context) error {
	return runPool(ctx, r.workers.workers(2), r.loop)
}

func (r *Responder) loop(ctx context.Context) error {
	for {
		var cc domain.CoordinatorContext
		if err := r.bus.Consume(ctx, bus.ChannelResponse, &cc); err != nil {
			if done(ctx, err) || err == bus.ErrClosed {
				return nil
			}
			r.logger.Error("failed to consume response", "error", err)
			continue
		}

		if err := r.process(ctx, &cc); err != nil {
			r.logger.Error("reply failed", "snapshot", cc.SnapshotID, "error", err)
		}
	}
}

func (r *Responder) process(ctx context.Context, cc *domain.CoordinatorContext) error {
	text, ok := r.compose(ctx, cc)
	if !ok {
		return nil
	}

	if err := r.sender.Send(ctx, cc.Event.ChatID, text); err != nil {
		return err
	}

	// feedback loop: persist the agent's own reply symmetrically
	agent := r.store.Agent()
	return r.bus.Publish(ctx, bus.ChannelIngestion, domain.Event{
		ChatID:     cc.Event.ChatID,
		MessageID:  time.Now().UnixNano(),
		Source:     domain.SourceAgent,
		SenderID:   agent.TelegramID,
		SenderName: agent.Name,
		ChatType:   cc.Event.ChatType,
		Text:       text,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	})
}

// compose generates the reply text. On total failure a direct message gets
// a terse apology; anything else is dropped silently.
func (r *Responder) compose(ctx context.Context, cc *domain.CoordinatorContext) (string, bool) {
	system := r.assembler.SystemPrompt(ctx, prompt.RoleResponder, prompt.TaskComposeReply, r.runtimeContext(cc))

	resp, err := r.sb.Generate(ctx, &provider.Request{
		System:   system,
		Messages: r.conversation(ctx, cc),
	})
	if err != nil {
		r.logger.Error("generation failed", "snapshot", cc.SnapshotID, "error", err)
		if cc.Verdict.Target == domain.TargetDirect {
			return apologyText, true
		}
		return "", false
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		if cc.Verdict.Target == domain.TargetDirect {
			return apologyText, true
		}
		return "", false
	}
	return text, true
}

// conversation maps recent chat history onto provider messages, ending with
// the triggering message.
func (r *Responder) conversation(ctx context.Context, cc *domain.CoordinatorContext) []provider.Message {
	historyK := r.cfg.HistoryK
	if historyK <= 0 {
		historyK = 10
	}

	var messages []provider.Message
	history, err := r.store.ChatContext(ctx, cc.Event.ChatID, historyK)
	if err != nil {
		r.logger.Warn("failed to fetch chat context", "error", err)
	}
	for _, h := range history {
		role := provider.RoleUser
		content := fmt.Sprintf("[%s]: %s", h.Author, h.Text)
		if h.FromAgent {
			role = provider.RoleAssistant
			content = h.Text
		}
		messages = append(messages, provider.Message{Role: role, Content: content})
	}

	if len(messages) == 0 {
		messages = append(messages, provider.Message{
			Role:    provider.RoleUser,
			Content: fmt.Sprintf("[%s]: %s", cc.Event.SenderName, cc.Event.Text),
		})
	}
	return messages
}

func (r *Responder) runtimeContext(cc *domain.CoordinatorContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Тон відповіді: %s\n", cc.Verdict.ToneHint)
	if cc.Narrative != "" {
		fmt.Fprintf(&b, "Ситуація: %s\n", cc.Narrative)
	}

	var facts []string
	for _, out := range cc.Outputs {
		if out.Content != "" {
			facts = append(facts, out.Content)
		}
	}
	if len(facts) > 0 {
		b.WriteString("\n[ЗНАЙДЕНО В БАЗІ ЗНАНЬ]:\n")
		for _, f := range facts {
			b.WriteString(f)
			b.WriteString("\n")
		}
	}

	return b.String()
}
