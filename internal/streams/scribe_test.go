package streams

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/pkg/graph"
)

func newTestScribe(h *harness) *Scribe {
	return NewScribe(h.bus, h.store, nil, WorkerConfig{Workers: 1})
}

func userEvent() *domain.Event {
	return &domain.Event{
		ChatID:     1,
		MessageID:  100,
		Source:     domain.SourceUser,
		SenderID:   42,
		SenderName: "Maks",
		Text:       "Hey bot, what day is it?",
		Timestamp:  1738670000,
	}
}

func TestScribePersistsAndForwardsToTriage(t *testing.T) {
	h := newHarness(t)
	scribe := newTestScribe(h)
	ctx := context.Background()

	scribe.persist(ctx, userEvent())

	assert.Equal(t, 1, h.primary.countCalls("CREATE (m:Message"))

	var payload domain.TriagePayload
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelTriage, &payload))
	assert.Equal(t, "1:100", payload.MessageUID)
	assert.Equal(t, "Hey bot, what day is it?", payload.Event.Text)
}

func TestScribeAgentMessagesAreNotTriaged(t *testing.T) {
	h := newHarness(t)
	scribe := newTestScribe(h)
	ctx := context.Background()

	ev := userEvent()
	ev.Source = domain.SourceAgent
	ev.SenderID = h.store.Agent().TelegramID
	scribe.persist(ctx, ev)

	// persisted with GENERATED authorship, but the pipeline ends there
	assert.Equal(t, 1, h.primary.countCalls("CREATE (a)-[:GENERATED]->(m)"))

	shortCtx, cancel := contextWithShortTimeout()
	defer cancel()
	var payload domain.TriagePayload
	assert.Error(t, h.bus.Consume(shortCtx, bus.ChannelTriage, &payload))
}

func TestScribeRedeliveredEventIsNotTriagedTwice(t *testing.T) {
	h := newHarness(t)
	// uid already present in the graph
	h.primary.replies["RETURN m.uid"] = &graph.Result{
		Columns: []string{"m.uid"},
		Rows:    [][]any{{"1:100"}},
	}
	scribe := newTestScribe(h)
	ctx := context.Background()

	scribe.persist(ctx, userEvent())

	assert.Equal(t, 0, h.primary.countCalls("CREATE (m:Message"))

	shortCtx, cancel := contextWithShortTimeout()
	defer cancel()
	var payload domain.TriagePayload
	assert.Error(t, h.bus.Consume(shortCtx, bus.ChannelTriage, &payload))
}

func TestScribeAppliesEnrichment(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.bus.Publish(ctx, bus.ChannelEnrichment, domain.Enrichment{
		MsgUID: "1:100",
		Topics: []domain.TopicRef{{Title: "подорожі", IsNew: true}},
	}))

	scribe := newTestScribe(h)
	go func() { _ = scribe.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.primary.countCalls("MERGE (t:Topic") == 1
	}, eventuallyTimeout, eventuallyTick)
}
