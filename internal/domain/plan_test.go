package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name    string
		intent  string
		tasks   []PlanTask
		wantErr string
	}{
		{
			name:   "single reply",
			intent: IntentSmallTalk,
			tasks:  []PlanTask{{ID: 1, Action: ActionReply}},
		},
		{
			name:   "search then reply",
			intent: IntentQuestion,
			tasks: []PlanTask{
				{ID: 1, Action: ActionSearchGraph},
				{ID: 2, Action: ActionReply, DependsOn: []int{1}},
			},
		},
		{
			name:   "parallel leaves with reply",
			intent: IntentCommand,
			tasks: []PlanTask{
				{ID: 1, Action: ActionSearchGraph},
				{ID: 2, Action: ActionFetchUserProfile},
				{ID: 3, Action: ActionReply, DependsOn: []int{1, 2}},
			},
		},
		{
			name:    "invalid intent",
			intent:  "BANTER",
			tasks:   []PlanTask{{ID: 1, Action: ActionReply}},
			wantErr: "invalid intent",
		},
		{
			name:    "empty plan",
			intent:  IntentNoise,
			tasks:   nil,
			wantErr: "no tasks",
		},
		{
			name:    "unknown action",
			intent:  IntentQuestion,
			tasks:   []PlanTask{{ID: 1, Action: "launch_rocket"}},
			wantErr: "unknown action",
		},
		{
			name:   "duplicate id",
			intent: IntentQuestion,
			tasks: []PlanTask{
				{ID: 1, Action: ActionReply},
				{ID: 1, Action: ActionSearchGraph},
			},
			wantErr: "duplicate task id",
		},
		{
			name:   "dependency on unknown task",
			intent: IntentQuestion,
			tasks: []PlanTask{
				{ID: 1, Action: ActionReply, DependsOn: []int{9}},
			},
			wantErr: "unknown task 9",
		},
		{
			name:   "self dependency",
			intent: IntentQuestion,
			tasks: []PlanTask{
				{ID: 1, Action: ActionReply, DependsOn: []int{1}},
			},
			wantErr: "depends on itself",
		},
		{
			name:   "cycle",
			intent: IntentQuestion,
			tasks: []PlanTask{
				{ID: 1, Action: ActionSearchGraph, DependsOn: []int{2}},
				{ID: 2, Action: ActionSearchWeb, DependsOn: []int{1}},
				{ID: 3, Action: ActionReply},
			},
			wantErr: "cycle",
		},
		{
			name:   "no reply leaf",
			intent: IntentQuestion,
			tasks: []PlanTask{
				{ID: 1, Action: ActionReply},
				{ID: 2, Action: ActionSearchGraph, DependsOn: []int{1}},
			},
			wantErr: "no reply leaf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.intent, tt.tasks)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestFallbackPlanIsValid(t *testing.T) {
	intent, tasks := FallbackPlan()
	assert.NoError(t, ValidatePlan(intent, tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, ActionReply, tasks[0].Action)
	assert.Equal(t, "apology", tasks[0].Args["style"])
}

func TestExecutionWaves(t *testing.T) {
	tasks := []PlanTask{
		{ID: 1, Action: ActionSearchGraph},
		{ID: 2, Action: ActionFetchUserProfile},
		{ID: 3, Action: ActionSearchWeb, DependsOn: []int{1}},
		{ID: 4, Action: ActionReply, DependsOn: []int{2, 3}},
	}
	require.NoError(t, ValidatePlan(IntentQuestion, tasks))

	waves := ExecutionWaves(tasks)
	require.Len(t, waves, 3)

	ids := func(wave []PlanTask) []int {
		out := make([]int, 0, len(wave))
		for _, task := range wave {
			out = append(out, task.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []int{1, 2}, ids(waves[0]))
	assert.ElementsMatch(t, []int{3}, ids(waves[1]))
	assert.ElementsMatch(t, []int{4}, ids(waves[2]))
}
