package streams

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/internal/telegram"
)

func newTestResponder(h *harness) *Responder {
	sender := telegram.NewQueueSender(h.bus)
	return NewResponder(h.bus, h.store, h.asm, h.sb, sender, ResponderConfig{HistoryK: 5}, WorkerConfig{})
}

func coordinatorContext(target string) *domain.CoordinatorContext {
	return &domain.CoordinatorContext{
		SnapshotID: "analyst_1",
		MessageUID: "1:100",
		Intent:     domain.IntentQuestion,
		Narrative:  "Користувач питає про дату.",
		Event: domain.Event{
			ChatID:     1,
			MessageID:  100,
			Source:     domain.SourceUser,
			SenderID:   42,
			SenderName: "Maks",
			Text:       "Hey bot, what day is it?",
			Timestamp:  1738670000,
		},
		Verdict: domain.GateVerdict{
			Target:        target,
			RequiredDepth: domain.DepthDeepAnalysis,
			ToneHint:      domain.ToneNeutral,
		},
		Tasks: []domain.PlanTask{{ID: 1, Action: domain.ActionReply}},
		Outputs: []domain.ToolOutput{
			{TaskID: 2, Action: domain.ActionSearchGraph, Content: "Сьогодні вівторок."},
		},
	}
}

func TestResponderSendsReplyAndLoopsBack(t *testing.T) {
	h := newHarness(t)
	h.llm.replies = []any{"Сьогодні вівторок, казав же."}
	responder := newTestResponder(h)
	ctx := context.Background()

	require.NoError(t, responder.process(ctx, coordinatorContext(domain.TargetDirect)))

	var out domain.OutgoingMessage
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelOutgoing, &out))
	assert.Equal(t, int64(1), out.ChatID)
	assert.Equal(t, "Сьогодні вівторок, казав же.", out.Text)

	// the reply re-enters ingestion as an agent-sourced event
	var loop domain.Event
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelIngestion, &loop))
	assert.Equal(t, domain.SourceAgent, loop.Source)
	assert.Equal(t, out.Text, loop.Text)
	assert.Equal(t, h.store.Agent().TelegramID, loop.SenderID)
	assert.NotZero(t, loop.MessageID)
}

func TestResponderApologizesOnTotalFailureForDirect(t *testing.T) {
	h := newHarness(t)
	h.llm.replies = []any{provider.Retryable("fake", errors.New("down"))}
	responder := newTestResponder(h)
	ctx := context.Background()

	require.NoError(t, responder.process(ctx, coordinatorContext(domain.TargetDirect)))

	var out domain.OutgoingMessage
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelOutgoing, &out))
	assert.Equal(t, apologyText, out.Text)
}

func TestResponderDropsSilentlyForNonDirect(t *testing.T) {
	h := newHarness(t)
	h.llm.replies = []any{provider.Retryable("fake", errors.New("down"))}
	responder := newTestResponder(h)

	require.NoError(t, responder.process(context.Background(), coordinatorContext(domain.TargetContextual)))

	shortCtx, cancel := contextWithShortTimeout()
	defer cancel()
	var out domain.OutgoingMessage
	assert.Error(t, h.bus.Consume(shortCtx, bus.ChannelOutgoing, &out))
}

func TestResponderGroundsReplyInToolOutputs(t *testing.T) {
	h := newHarness(t)
	h.llm.replies = []any{"ок"}
	responder := newTestResponder(h)

	cc := coordinatorContext(domain.TargetDirect)
	got := responder.runtimeContext(cc)
	assert.Contains(t, got, "Сьогодні вівторок.")
	assert.Contains(t, got, cc.Narrative)
	assert.Contains(t, got, domain.ToneNeutral)
}
