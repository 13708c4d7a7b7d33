package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/pkg/graph"
)

func snapshotID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:8])
}

// SaveThoughtSnapshot records the thinker's narrative, linked to the
// triggering message and to the agent.
func (s *Store) SaveThoughtSnapshot(ctx context.Context, msgUID, narrative, model string) (string, error) {
	id := snapshotID("thought")
	err := s.withRetry(ctx, "save thought snapshot", func() error {
		_, qerr := s.primary.Query(ctx, `
MATCH (m:Message {uid: $uid})
MERGE (a:Agent {telegram_id: $agent_id})
ON CREATE SET a.id = $agent_node_id, a.name = $agent_name
CREATE (ts:ThoughtSnapshot {id: $id, timestamp: $now, narrative: $narrative, model: $model})
CREATE (m)-[:TRIGGERED]->(ts)
CREATE (a)-[:THOUGHT]->(ts)
RETURN ts.id`,
			map[string]any{
				"uid":           msgUID,
				"id":            id,
				"now":           nowUnix(),
				"narrative":     narrative,
				"model":         model,
				"agent_id":      s.agent.TelegramID,
				"agent_node_id": nodeID("agent", s.agent.TelegramID),
				"agent_name":    s.agent.Name,
			},
		)
		return qerr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SaveAnalystSnapshot records the plan, chained to its thought snapshot
// when one exists.
func (s *Store) SaveAnalystSnapshot(ctx context.Context, snap *domain.AnalystSnapshot) (string, error) {
	id := snapshotID("analyst")
	tasksJSON, err := json.Marshal(snap.Tasks)
	if err != nil {
		return "", err
	}

	query := `
CREATE (a:AnalystSnapshot {id: $id, intent: $intent, tasks: $tasks, msg_uid: $uid, created_at: $now})
RETURN a.id`
	params := map[string]any{
		"id":     id,
		"intent": snap.Intent,
		"tasks":  string(tasksJSON),
		"uid":    snap.MessageUID,
		"now":    nowUnix(),
	}

	if snap.ThoughtID != "" {
		query = `
MATCH (ts:ThoughtSnapshot {id: $thought_id})
CREATE (a:AnalystSnapshot {id: $id, intent: $intent, tasks: $tasks, msg_uid: $uid, created_at: $now})
CREATE (ts)-[:LED_TO]->(a)
RETURN a.id`
		params["thought_id"] = snap.ThoughtID
	}

	err = s.withRetry(ctx, "save analyst snapshot", func() error {
		_, qerr := s.primary.Query(ctx, query, params)
		return qerr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SaveCoordinatorSnapshot closes the reasoning chain for one plan.
func (s *Store) SaveCoordinatorSnapshot(ctx context.Context, analystID, summary string, tasksExecuted []string) (string, error) {
	id := snapshotID("coord")
	tasksJSON, err := json.Marshal(tasksExecuted)
	if err != nil {
		return "", err
	}

	err = s.withRetry(ctx, "save coordinator snapshot", func() error {
		_, qerr := s.primary.Query(ctx, `
MATCH (a:AnalystSnapshot {id: $analyst_id})
CREATE (co:CoordinatorSnapshot {id: $id, context: $summary, tasks_executed: $tasks, created_at: $now})
CREATE (a)-[:LED_TO]->(co)
RETURN co.id`,
			map[string]any{
				"analyst_id": analystID,
				"id":         id,
				"summary":    summary,
				"tasks":      string(tasksJSON),
				"now":        nowUnix(),
			},
		)
		return qerr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetWorkingOn points the agent at a new task, replacing any prior
// WORKING_ON edge. The newer intent supersedes.
func (s *Store) SetWorkingOn(ctx context.Context, taskID, description string) error {
	return s.withRetry(ctx, "set working on", func() error {
		_, err := s.primary.Query(ctx, `
MERGE (a:Agent {telegram_id: $agent_id})
ON CREATE SET a.id = $agent_node_id, a.name = $agent_name
WITH a
OPTIONAL MATCH (a)-[w:WORKING_ON]->(:Task)
DELETE w
WITH a
CREATE (t:Task {id: $task_id, description: $description, created_at: $now})
CREATE (a)-[:WORKING_ON]->(t)
RETURN t.id`,
			map[string]any{
				"agent_id":      s.agent.TelegramID,
				"agent_node_id": nodeID("agent", s.agent.TelegramID),
				"agent_name":    s.agent.Name,
				"task_id":       taskID,
				"description":   description,
				"now":           nowUnix(),
			},
		)
		return err
	})
}

// ClearWorkingOn removes the WORKING_ON edge for a task. Clearing an edge
// that was already replaced is a no-op.
func (s *Store) ClearWorkingOn(ctx context.Context, taskID string) error {
	return s.withRetry(ctx, "clear working on", func() error {
		_, err := s.primary.Query(ctx, `
MATCH (:Agent {telegram_id: $agent_id})-[w:WORKING_ON]->(t:Task {id: $task_id})
DELETE w`,
			map[string]any{"agent_id": s.agent.TelegramID, "task_id": taskID},
		)
		return err
	})
}

// WorkingOn returns the id of the task the agent is currently locked on,
// empty when idle.
func (s *Store) WorkingOn(ctx context.Context) (string, error) {
	res, err := s.primary.ReadQuery(ctx, `
MATCH (:Agent {telegram_id: $agent_id})-[:WORKING_ON]->(t:Task)
RETURN t.id`,
		map[string]any{"agent_id": s.agent.TelegramID},
	)
	if err != nil {
		return "", err
	}
	if res.Empty() || len(res.Rows[0]) == 0 {
		return "", nil
	}
	return graph.AsString(res.Rows[0][0]), nil
}

// LogSystemEvent records an operational event such as a provider failover.
func (s *Store) LogSystemEvent(ctx context.Context, eventType, source, severity, details string, chatID int64) error {
	id := snapshotID("sys")
	query := `
CREATE (e:SystemEvent {id: $id, type: $type, source: $source, severity: $severity, details: $details, created_at: $now})
RETURN e.id`
	params := map[string]any{
		"id":       id,
		"type":     eventType,
		"source":   source,
		"severity": severity,
		"details":  details,
		"now":      nowUnix(),
	}

	if chatID != 0 {
		query = `
CREATE (e:SystemEvent {id: $id, type: $type, source: $source, severity: $severity, details: $details, created_at: $now})
WITH e
MATCH (c:Chat {chat_id: $chat_id})
CREATE (e)-[:OCCURRED_IN]->(c)
RETURN e.id`
		params["chat_id"] = chatID
	}

	_, err := s.primary.Query(ctx, query, params)
	return err
}
