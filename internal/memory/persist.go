package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/pkg/graph"
)

// persistUserQuery writes one user message and repoints the chronology head
// in a single statement.
const persistUserQuery = `
MERGE (u:User {telegram_id: $sender_id})
ON CREATE SET u.id = $sender_node_id, u.name = $sender_name
ON MATCH SET u.name = $sender_name
MERGE (c:Chat {chat_id: $chat_id})
ON CREATE SET c.id = $chat_node_id, c.name = $chat_name, c.type = $chat_type
MERGE (d:Day {date: $day})
ON CREATE SET d.id = $day_node_id
MERGE (y:Year {value: $year})
MERGE (y)-[:MONTH {number: $month}]->(d)
CREATE (m:Message {uid: $uid, message_id: $message_id, text: $text, created_at: $created_at, name: $label})
CREATE (u)-[:AUTHORED]->(m)
CREATE (m)-[:HAPPENED_IN]->(c)
CREATE (m)-[:HAPPENED_AT {time: $time}]->(d)
WITH c, m
OPTIONAL MATCH (c)-[last:LAST_EVENT]->(prev)
DELETE last
WITH c, m, prev
FOREACH (_ IN CASE WHEN prev IS NULL THEN [] ELSE [1] END | CREATE (prev)-[:NEXT]->(m))
CREATE (c)-[:LAST_EVENT]->(m)
RETURN m.uid`

// persistAgentQuery is the agent-authored variant with a GENERATED edge.
const persistAgentQuery = `
MERGE (a:Agent {telegram_id: $sender_id})
ON CREATE SET a.id = $sender_node_id, a.name = $sender_name
MERGE (c:Chat {chat_id: $chat_id})
ON CREATE SET c.id = $chat_node_id, c.name = $chat_name, c.type = $chat_type
MERGE (d:Day {date: $day})
ON CREATE SET d.id = $day_node_id
MERGE (y:Year {value: $year})
MERGE (y)-[:MONTH {number: $month}]->(d)
CREATE (m:Message {uid: $uid, message_id: $message_id, text: $text, created_at: $created_at, name: $label})
CREATE (a)-[:GENERATED]->(m)
CREATE (m)-[:HAPPENED_IN]->(c)
CREATE (m)-[:HAPPENED_AT {time: $time}]->(d)
WITH c, m
OPTIONAL MATCH (c)-[last:LAST_EVENT]->(prev)
DELETE last
WITH c, m, prev
FOREACH (_ IN CASE WHEN prev IS NULL THEN [] ELSE [1] END | CREATE (prev)-[:NEXT]->(m))
CREATE (c)-[:LAST_EVENT]->(m)
RETURN m.uid`

// PersistEvent writes one raw event to the primary graph. Messages are
// keyed by uid; persisting the same event twice is a no-op that returns
// the existing uid. Per-chat ordering is serialized by a striped lock.
func (s *Store) PersistEvent(ctx context.Context, ev *domain.Event) (string, bool, error) {
	if err := ev.Validate(); err != nil {
		return "", false, errors.WithMessage(err, "invalid event")
	}

	lock := s.chatLock(ev.ChatID)
	lock.Lock()
	defer lock.Unlock()

	uid := ev.UID()

	exists, err := s.messageExists(ctx, uid)
	if err != nil {
		return "", false, err
	}
	if exists {
		s.logger.Debug("message already persisted", "uid", uid)
		return uid, false, nil
	}

	senderName := ev.SenderName
	if ev.Source == domain.SourceAgent {
		senderName = s.agent.Name
	}
	if senderName == "" {
		senderName = "User"
	}

	label, err := s.nextMessageLabel(ctx, ev.SenderID, ev.Time().Format("2006-01-02"), senderName)
	if err != nil {
		s.logger.Warn("failed to derive message label", "uid", uid, "error", err)
		label = ""
	}

	ts := ev.Time()
	chatName := fmt.Sprintf("Chat %d", ev.ChatID)
	chatType := ev.ChatType
	if chatType == "" {
		chatType = "private"
	}

	query := persistUserQuery
	senderNodePrefix := "user"
	if ev.Source == domain.SourceAgent {
		query = persistAgentQuery
		senderNodePrefix = "agent"
	}

	params := map[string]any{
		"uid":            uid,
		"message_id":     ev.MessageID,
		"text":           ev.Text,
		"created_at":     ev.Timestamp,
		"label":          label,
		"sender_id":      ev.SenderID,
		"sender_name":    senderName,
		"sender_node_id": nodeID(senderNodePrefix, ev.SenderID),
		"chat_id":        ev.ChatID,
		"chat_node_id":   nodeID("chat", ev.ChatID),
		"chat_name":      chatName,
		"chat_type":      chatType,
		"day":            ts.Format("2006-01-02"),
		"day_node_id":    uuid.NewString(),
		"time":           ts.Format("15:04:05"),
		"year":           ts.Year(),
		"month":          int(ts.Month()),
	}

	err = s.withRetry(ctx, "persist", func() error {
		_, qerr := s.primary.Query(ctx, query, params)
		return qerr
	})
	if err != nil {
		return "", false, err
	}

	s.logger.Info("persisted message", "uid", uid, "label", label, "source", ev.Source)
	return uid, true, nil
}

func (s *Store) messageExists(ctx context.Context, uid string) (bool, error) {
	var res *graph.Result
	err := s.withRetry(ctx, "message exists", func() error {
		var qerr error
		res, qerr = s.primary.ReadQuery(ctx,
			"MATCH (m:Message {uid: $uid}) RETURN m.uid",
			map[string]any{"uid": uid},
		)
		return qerr
	})
	if err != nil {
		return false, err
	}
	return !res.Empty(), nil
}

// nextMessageLabel derives the per-day human-readable label, e.g. BS02.
// Labels are a view-layer attribute, never graph identity.
func (s *Store) nextMessageLabel(ctx context.Context, authorID int64, day, authorName string) (string, error) {
	res, err := s.primary.ReadQuery(ctx, `
MATCH (d:Day {date: $day})
MATCH (m:Message)-[:HAPPENED_AT]->(d)
MATCH (author)-[:AUTHORED|GENERATED]->(m)
WHERE author.telegram_id = $author_id
RETURN count(m)`,
		map[string]any{"day": day, "author_id": authorID},
	)
	if err != nil {
		return "", err
	}

	var count int64
	if !res.Empty() && len(res.Rows[0]) > 0 {
		count = graph.AsInt64(res.Rows[0][0])
	}

	return fmt.Sprintf("%s%02d", authorAbbrev(authorName), count+1), nil
}
