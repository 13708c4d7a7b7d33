package memory

import (
	"context"
	"time"

	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/pkg/graph"
)

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// HistoryMessage is one line of recent chat context.
type HistoryMessage struct {
	Author    string
	Text      string
	Time      string
	CreatedAt float64
	FromAgent bool
}

// ChatContext returns the most recent messages of a chat in chronological
// order.
func (s *Store) ChatContext(ctx context.Context, chatID int64, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	res, err := s.primary.ReadQuery(ctx, `
MATCH (m:Message)-[:HAPPENED_IN]->(c:Chat {chat_id: $chat_id})
MATCH (author)-[:AUTHORED|GENERATED]->(m)
OPTIONAL MATCH (m)-[h:HAPPENED_AT]->(:Day)
RETURN author.name, m.text, h.time, m.created_at, labels(author)
ORDER BY m.created_at DESC
LIMIT $limit`,
		map[string]any{"chat_id": chatID, "limit": limit},
	)
	if err != nil {
		return nil, err
	}

	messages := make([]HistoryMessage, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) < 4 {
			continue
		}
		msg := HistoryMessage{
			Author:    graph.AsString(row[0]),
			Text:      graph.AsString(row[1]),
			Time:      graph.AsString(row[2]),
			CreatedAt: graph.AsFloat(row[3]),
		}
		if len(row) > 4 {
			for _, label := range asLabels(row[4]) {
				if label == "Agent" {
					msg.FromAgent = true
				}
			}
		}
		messages = append(messages, msg)
	}

	// reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Topic is one semantic container.
type Topic struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ActiveTopics returns all topics with status active.
func (s *Store) ActiveTopics(ctx context.Context) ([]Topic, error) {
	res, err := s.primary.ReadQuery(ctx,
		"MATCH (t:Topic {status: 'active'}) RETURN t.title, t.description ORDER BY t.title",
		nil,
	)
	if err != nil {
		return nil, err
	}

	topics := make([]Topic, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) < 2 {
			continue
		}
		topics = append(topics, Topic{
			Title:       graph.AsString(row[0]),
			Description: graph.AsString(row[1]),
		})
	}
	return topics, nil
}

// EntityTypes returns the distinct entity types present in the graph.
func (s *Store) EntityTypes(ctx context.Context) ([]string, error) {
	res, err := s.primary.ReadQuery(ctx,
		"MATCH (e:Entity) RETURN DISTINCT e.type",
		nil,
	)
	if err != nil {
		return nil, err
	}

	types := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 0 {
			types = append(types, graph.AsString(row[0]))
		}
	}
	return types, nil
}

// LatestMessageAt returns the newest message timestamp in a chat, zero when
// the chat is empty. The coordinator polls this before finalizing a plan.
func (s *Store) LatestMessageAt(ctx context.Context, chatID int64) (float64, error) {
	res, err := s.primary.ReadQuery(ctx, `
MATCH (m:Message)-[:HAPPENED_IN]->(:Chat {chat_id: $chat_id})
RETURN max(m.created_at)`,
		map[string]any{"chat_id": chatID},
	)
	if err != nil {
		return 0, err
	}
	if res.Empty() || len(res.Rows[0]) == 0 {
		return 0, nil
	}
	return graph.AsFloat(res.Rows[0][0]), nil
}

// UserProfile summarizes what the graph knows about a user.
type UserProfile struct {
	TelegramID   int64
	Name         string
	MessageCount int64
	Topics       []string
}

// FetchUserProfile reads a user node with message volume and discussed
// topics.
func (s *Store) FetchUserProfile(ctx context.Context, telegramID int64) (*UserProfile, error) {
	res, err := s.primary.ReadQuery(ctx, `
MATCH (u:User {telegram_id: $telegram_id})
OPTIONAL MATCH (u)-[:AUTHORED]->(m:Message)
RETURN u.name, count(m)`,
		map[string]any{"telegram_id": telegramID},
	)
	if err != nil {
		return nil, err
	}
	if res.Empty() {
		return nil, nil
	}

	profile := &UserProfile{
		TelegramID:   telegramID,
		Name:         graph.AsString(res.Rows[0][0]),
		MessageCount: graph.AsInt64(res.Rows[0][1]),
	}

	topicsRes, err := s.primary.ReadQuery(ctx, `
MATCH (u:User {telegram_id: $telegram_id})-[:AUTHORED]->(:Message)-[:DISCUSSES]->(t:Topic)
RETURN DISTINCT t.title
LIMIT 20`,
		map[string]any{"telegram_id": telegramID},
	)
	if err == nil {
		for _, row := range topicsRes.Rows {
			if len(row) > 0 {
				profile.Topics = append(profile.Topics, graph.AsString(row[0]))
			}
		}
	}
	return profile, nil
}

// AllMessages returns persisted messages newer than since, oldest first.
// Used by backfill to replay history through the thinker.
func (s *Store) AllMessages(ctx context.Context, since float64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.primary.ReadQuery(ctx, `
MATCH (m:Message)-[:HAPPENED_IN]->(c:Chat)
MATCH (author)-[:AUTHORED|GENERATED]->(m)
WHERE m.created_at >= $since
RETURN c.chat_id, m.message_id, m.text, m.created_at, author.telegram_id, author.name, labels(author)
ORDER BY m.created_at ASC
LIMIT $limit`,
		map[string]any{"since": since, "limit": limit},
	)
	if err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) < 7 {
			continue
		}
		ev := domain.Event{
			ChatID:     graph.AsInt64(row[0]),
			MessageID:  graph.AsInt64(row[1]),
			Text:       graph.AsString(row[2]),
			Timestamp:  graph.AsFloat(row[3]),
			SenderID:   graph.AsInt64(row[4]),
			SenderName: graph.AsString(row[5]),
			Source:     domain.SourceUser,
		}
		for _, label := range asLabels(row[6]) {
			if label == "Agent" {
				ev.Source = domain.SourceAgent
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

func asLabels(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		out = append(out, graph.AsString(l))
	}
	return out
}
