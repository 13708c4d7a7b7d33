package streams

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
)

func newTestAnalyst(h *harness) *Analyst {
	return NewAnalyst(h.bus, h.store, h.asm, h.sb, WorkerConfig{})
}

func planningPayload(narrative string) *domain.PlanningPayload {
	ev := domain.Event{
		ChatID:     1,
		MessageID:  100,
		Source:     domain.SourceUser,
		SenderID:   42,
		SenderName: "Maks",
		Text:       "Hey bot, what day is it in the latest message?",
		Timestamp:  1738670000,
	}
	return &domain.PlanningPayload{
		MessageUID: ev.UID(),
		Event:      ev,
		Narrative:  narrative,
		Verdict: domain.GateVerdict{
			Target:        domain.TargetDirect,
			RequiredDepth: domain.DepthDeepAnalysis,
			ToneHint:      domain.ToneNeutral,
		},
	}
}

func TestAnalystProducesValidSnapshot(t *testing.T) {
	h := newHarness(t)
	h.llm.replies = []any{`{
		"intent": "QUESTION",
		"tasks": [
			{"id": 1, "action": "search_graph", "args": {"query": "останнє повідомлення"}},
			{"id": 2, "action": "reply", "depends_on": [1]}
		]
	}`}
	analyst := newTestAnalyst(h)
	ctx := context.Background()

	require.NoError(t, analyst.process(ctx, planningPayload("Користувач питає про дату.")))

	var snap domain.AnalystSnapshot
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelExecution, &snap))
	assert.Equal(t, domain.IntentQuestion, snap.Intent)
	require.Len(t, snap.Tasks, 2)
	assert.NoError(t, domain.ValidatePlan(snap.Intent, snap.Tasks))
	assert.Equal(t, 1, h.primary.countCalls("AnalystSnapshot"))
}

func TestAnalystInvalidPlanFallsBack(t *testing.T) {
	h := newHarness(t)
	h.llm.replies = []any{
		`{"intent": "QUESTION", "tasks": [{"id": 1, "action": "launch_rocket"}]}`,
		`{"intent": "QUESTION", "tasks": [{"id": 1, "action": "search_graph"}]}`,
	}
	analyst := newTestAnalyst(h)
	ctx := context.Background()

	require.NoError(t, analyst.process(ctx, planningPayload("щось")))

	var snap domain.AnalystSnapshot
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelExecution, &snap))

	// both attempts failed validation; the safe default plan ships
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, domain.ActionReply, snap.Tasks[0].Action)
	assert.Equal(t, "apology", snap.Tasks[0].Args["style"])
	assert.Equal(t, 2, h.llm.callCount())
}

func TestAnalystRetryRecovers(t *testing.T) {
	h := newHarness(t)
	h.llm.replies = []any{
		"INTENT: QUESTION",
		`{"intent": "SMALL_TALK", "tasks": [{"id": 1, "action": "reply"}]}`,
	}
	analyst := newTestAnalyst(h)
	ctx := context.Background()

	require.NoError(t, analyst.process(ctx, planningPayload("")))

	var snap domain.AnalystSnapshot
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelExecution, &snap))
	assert.Equal(t, domain.IntentSmallTalk, snap.Intent)
}
