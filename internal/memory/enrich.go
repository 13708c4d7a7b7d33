package memory

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobersik/observer/internal/domain"
)

// SaveEnrichment upserts topics and entities for a persisted message and
// links them. Every statement merges by natural key, so redelivery is
// harmless.
func (s *Store) SaveEnrichment(ctx context.Context, enr *domain.Enrichment) error {
	if enr.MsgUID == "" {
		return errors.New("enrichment without msg_uid")
	}

	for _, topic := range enr.Topics {
		title := NormalizeTopicTitle(topic.Title)
		if title == "" {
			continue
		}
		err := s.withRetry(ctx, "upsert topic", func() error {
			_, qerr := s.primary.Query(ctx, `
MATCH (m:Message {uid: $uid})
MERGE (t:Topic {title: $title})
ON CREATE SET t.description = $description, t.status = 'active', t.created_at = $now
MERGE (m)-[:DISCUSSES]->(t)`,
				map[string]any{
					"uid":         enr.MsgUID,
					"title":       title,
					"description": topic.Description,
					"now":         nowUnix(),
				},
			)
			return qerr
		})
		if err != nil {
			return err
		}
	}

	for _, entity := range enr.Entities {
		if entity.Name == "" {
			continue
		}
		entityType := entity.Type
		if entityType == "" {
			entityType = "Concept"
		}
		err := s.withRetry(ctx, "upsert entity", func() error {
			_, qerr := s.primary.Query(ctx, `
MATCH (m:Message {uid: $uid})
MERGE (e:Entity {name: $name})
ON CREATE SET e.type = $type
MERGE (m)-[:MENTIONS]->(e)`,
				map[string]any{
					"uid":  enr.MsgUID,
					"name": entity.Name,
					"type": entityType,
				},
			)
			return qerr
		})
		if err != nil {
			return err
		}

		// link the message's topics to its entities
		for _, topic := range enr.Topics {
			title := NormalizeTopicTitle(topic.Title)
			if title == "" {
				continue
			}
			err := s.withRetry(ctx, "link topic entity", func() error {
				_, qerr := s.primary.Query(ctx, `
MATCH (t:Topic {title: $title})
MATCH (e:Entity {name: $name})
MERGE (t)-[:INVOLVES]->(e)`,
					map[string]any{"title": title, "name": entity.Name},
				)
				return qerr
			})
			if err != nil {
				return err
			}
		}
	}

	s.logger.Info("saved enrichment",
		"uid", enr.MsgUID,
		"topics", len(enr.Topics),
		"entities", len(enr.Entities),
	)
	return nil
}

// ArchiveTopic supersedes a topic by status change; topics are never
// deleted.
func (s *Store) ArchiveTopic(ctx context.Context, title string) error {
	return s.withRetry(ctx, "archive topic", func() error {
		_, err := s.primary.Query(ctx,
			"MATCH (t:Topic {title: $title}) SET t.status = 'archived'",
			map[string]any{"title": NormalizeTopicTitle(title)},
		)
		return err
	})
}

// RememberFact records a durable fact as a topic description keyed by
// subject.
func (s *Store) RememberFact(ctx context.Context, subject, fact string) error {
	title := NormalizeTopicTitle(subject)
	if title == "" {
		return errors.New("remember_fact without subject")
	}
	return s.withRetry(ctx, "remember fact", func() error {
		_, err := s.primary.Query(ctx, `
MERGE (t:Topic {title: $title})
ON CREATE SET t.status = 'active', t.created_at = $now
SET t.description = $fact`,
			map[string]any{"title": title, "fact": fact, "now": nowUnix()},
		)
		return err
	})
}
