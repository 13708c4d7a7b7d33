package memory

import (
	"context"
	"strings"
)

// Indexed natural keys. Index creation is idempotent: the engine rejects a
// duplicate index and the error is ignored.
var indexStatements = []string{
	"CREATE INDEX FOR (m:Message) ON (m.uid)",
	"CREATE INDEX FOR (u:User) ON (u.telegram_id)",
	"CREATE INDEX FOR (c:Chat) ON (c.chat_id)",
	"CREATE INDEX FOR (d:Day) ON (d.date)",
	"CREATE INDEX FOR (t:Topic) ON (t.title)",
	"CREATE INDEX FOR (e:Entity) ON (e.name)",
}

// EnsureIndexes creates the natural-key indexes on the primary graph.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range indexStatements {
		if _, err := s.primary.Query(ctx, stmt, nil); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "already indexed") {
				continue
			}
			s.logger.Warn("index creation failed", "statement", stmt, "error", err)
		}
	}
	return nil
}

// SchemaSummary describes the observational graph for query-writing LLMs.
const SchemaSummary = `Graph schema:
Nodes:
- (:User {telegram_id, id, name})
- (:Agent {telegram_id, id, name})
- (:Chat {chat_id, id, name, type})
- (:Message {uid, message_id, text, created_at, name})
- (:Day {date}), (:Year {value})
- (:Topic {title, description, status})
- (:Entity {name, type})
- (:ThoughtSnapshot {id, timestamp, narrative, model})
Relationships:
- (User)-[:AUTHORED]->(Message), (Agent)-[:GENERATED]->(Message)
- (Message)-[:HAPPENED_IN]->(Chat)
- (Message)-[:HAPPENED_AT {time}]->(Day), (Year)-[:MONTH {number}]->(Day)
- (Message)-[:NEXT]->(Message), (Chat)-[:LAST_EVENT]->(Message)
- (Message)-[:DISCUSSES]->(Topic), (Topic)-[:INVOLVES]->(Entity), (Message)-[:MENTIONS]->(Entity)`
