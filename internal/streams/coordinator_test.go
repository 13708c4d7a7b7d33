package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/research"
	"github.com/bobersik/observer/pkg/graph"
)

// slowWeb blocks until its context ends.
type slowWeb struct{}

func (slowWeb) Search(ctx context.Context, query string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// stubWeb returns a fixed result.
type stubWeb struct{ result string }

func (s stubWeb) Search(ctx context.Context, query string) (string, error) {
	return s.result, nil
}

func newTestCoordinator(h *harness, web WebSearcher, taskTimeoutSeconds int) *Coordinator {
	researcher := research.NewResearcher(h.llm, h.primary, h.asm)
	return NewCoordinator(h.bus, h.store, researcher, web, CoordinatorConfig{
		TaskTimeoutSeconds: taskTimeoutSeconds,
	}, WorkerConfig{})
}

func snapshotWith(tasks ...domain.PlanTask) *domain.AnalystSnapshot {
	return &domain.AnalystSnapshot{
		ID:         "analyst_1",
		MessageUID: "1:100",
		Intent:     domain.IntentQuestion,
		Tasks:      tasks,
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
			Target:        domain.TargetDirect,
			RequiredDepth: domain.DepthDeepAnalysis,
			ToneHint:      domain.ToneNeutral,
		},
		CreatedAt: time.Now(),
	}
}

func TestCoordinatorExecutesPlanAndPublishesContext(t *testing.T) {
	h := newHarness(t)
	coord := newTestCoordinator(h, stubWeb{result: "з інтернету"}, 5)
	ctx := context.Background()

	snap := snapshotWith(
		domain.PlanTask{ID: 1, Action: domain.ActionSearchWeb},
		domain.PlanTask{ID: 2, Action: domain.ActionReply, DependsOn: []int{1}},
	)
	require.NoError(t, coord.Execute(ctx, snap))

	var cc domain.CoordinatorContext
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelResponse, &cc))
	assert.Equal(t, "analyst_1", cc.SnapshotID)
	require.Len(t, cc.Outputs, 2)

	byID := map[int]domain.ToolOutput{}
	for _, out := range cc.Outputs {
		byID[out.TaskID] = out
	}
	assert.Equal(t, "з інтернету", byID[1].Content)
	assert.False(t, byID[1].TimedOut)

	// the reasoning chain is closed and the lock released
	assert.Equal(t, 1, h.primary.countCalls("CoordinatorSnapshot"))
	assert.GreaterOrEqual(t, h.primary.countCalls("WORKING_ON"), 2)
}

func TestCoordinatorTaskTimeoutDoesNotFailPlan(t *testing.T) {
	h := newHarness(t)
	coord := newTestCoordinator(h, slowWeb{}, 1)
	ctx := context.Background()

	snap := snapshotWith(
		domain.PlanTask{ID: 1, Action: domain.ActionSearchWeb},
		domain.PlanTask{ID: 2, Action: domain.ActionReply, DependsOn: []int{1}},
	)
	require.NoError(t, coord.Execute(ctx, snap))

	var cc domain.CoordinatorContext
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelResponse, &cc))

	byID := map[int]domain.ToolOutput{}
	for _, out := range cc.Outputs {
		byID[out.TaskID] = out
	}
	assert.True(t, byID[1].TimedOut)
	assert.Empty(t, byID[1].Content)
}

func TestCoordinatorRejectedResearchMarksTask(t *testing.T) {
	h := newHarness(t)
	// the researcher keeps emitting write queries and gets rejected
	h.llm.replies = []any{"MERGE (x) RETURN x"}
	coord := newTestCoordinator(h, nil, 5)
	ctx := context.Background()

	snap := snapshotWith(
		domain.PlanTask{ID: 1, Action: domain.ActionSearchGraph},
		domain.PlanTask{ID: 2, Action: domain.ActionReply, DependsOn: []int{1}},
	)
	require.NoError(t, coord.Execute(ctx, snap))

	var cc domain.CoordinatorContext
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelResponse, &cc))

	byID := map[int]domain.ToolOutput{}
	for _, out := range cc.Outputs {
		byID[out.TaskID] = out
	}
	assert.True(t, byID[1].Rejected)
}

func TestCoordinatorSupersededPlanIsNotPublished(t *testing.T) {
	h := newHarness(t)
	// a message newer than the plan's start is already in the chat
	h.primary.replies["max(m.created_at)"] = &graph.Result{
		Columns: []string{"max(m.created_at)"},
		Rows:    [][]any{{float64(time.Now().Unix() + 3600)}},
	}
	coord := newTestCoordinator(h, nil, 5)
	ctx := context.Background()

	snap := snapshotWith(domain.PlanTask{ID: 1, Action: domain.ActionReply})
	require.NoError(t, coord.Execute(ctx, snap))

	shortCtx, cancel := contextWithShortTimeout()
	defer cancel()
	var cc domain.CoordinatorContext
	assert.Error(t, h.bus.Consume(shortCtx, bus.ChannelResponse, &cc))

	// the lock never outlives the plan
	assert.GreaterOrEqual(t, h.primary.countCalls("DELETE w"), 1)
}

func TestCoordinatorNewPlanCancelsInflightSameChat(t *testing.T) {
	h := newHarness(t)
	coord := newTestCoordinator(h, slowWeb{}, 60)
	ctx := context.Background()

	p1 := snapshotWith(
		domain.PlanTask{ID: 1, Action: domain.ActionSearchWeb},
		domain.PlanTask{ID: 2, Action: domain.ActionReply, DependsOn: []int{1}},
	)
	p1.ID = "analyst_p1"

	startedP1 := make(chan struct{})
	doneP1 := make(chan error, 1)
	go func() {
		close(startedP1)
		doneP1 <- coord.Execute(ctx, p1)
	}()
	<-startedP1
	time.Sleep(50 * time.Millisecond)

	p2 := snapshotWith(domain.PlanTask{ID: 1, Action: domain.ActionReply})
	p2.ID = "analyst_p2"
	require.NoError(t, coord.Execute(ctx, p2))

	// p1 was cancelled at its suspension point and published nothing
	require.NoError(t, <-doneP1)

	var cc domain.CoordinatorContext
	require.NoError(t, h.bus.Consume(ctx, bus.ChannelResponse, &cc))
	assert.Equal(t, "analyst_p2", cc.SnapshotID)

	shortCtx, cancel := contextWithShortTimeout()
	defer cancel()
	assert.Error(t, h.bus.Consume(shortCtx, bus.ChannelResponse, &cc))
}

func TestCoordinatorUnknownActionReportsError(t *testing.T) {
	h := newHarness(t)
	coord := newTestCoordinator(h, nil, 5)

	out := coord.runTask(context.Background(), snapshotWith(), domain.PlanTask{ID: 7, Action: "fly"})
	assert.NotEmpty(t, out.Error)
	assert.False(t, out.TimedOut)
}

func TestCoordinatorWebUnavailable(t *testing.T) {
	h := newHarness(t)
	coord := newTestCoordinator(h, nil, 5)

	out := coord.runTask(context.Background(), snapshotWith(), domain.PlanTask{ID: 1, Action: domain.ActionSearchWeb})
	assert.Contains(t, out.Error, "not configured")
}

func TestCoordinatorRememberFact(t *testing.T) {
	h := newHarness(t)
	coord := newTestCoordinator(h, nil, 5)

	out := coord.runTask(context.Background(), snapshotWith(), domain.PlanTask{
		ID:     1,
		Action: domain.ActionRememberFact,
		Args:   map[string]any{"subject": "Maks", "fact": "планує поїздку в Карпати"},
	})
	require.Empty(t, out.Error)
	assert.Equal(t, 1, h.primary.countCalls("MERGE (t:Topic"))
}
