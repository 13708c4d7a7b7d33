package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bobersik/observer/pkg/graph"
)

// Querier is the subset of the graph client the store depends on. Satisfied
// by *graph.Graph and by fakes in tests.
type Querier interface {
	Name() string
	Query(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error)
	ReadQuery(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error)
}

// AgentIdentity is the process-wide agent identity.
type AgentIdentity struct {
	TelegramID int64  `toml:"telegram_id"`
	Name       string `toml:"name"`
}

// Validate checks agent configuration
func (a *AgentIdentity) Validate() error {
	if a.TelegramID == 0 {
		return errors.New("telegram_id is required")
	}
	if a.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

const (
	defaultMaxRetries   = 5
	retryBackoffInitial = 100 * time.Millisecond
	lockStripes         = 64
)

// Store is the single source of truth for graph writes. It owns per-chat
// serialization of the LAST_EVENT repoint and transient-error retries.
type Store struct {
	logger   *slog.Logger
	primary  Querier
	thoughts Querier
	agent    AgentIdentity

	maxRetries int
	locks      [lockStripes]sync.Mutex
}

// NewStore creates a store over the primary and thought-log graphs.
func NewStore(primary, thoughts Querier, agent AgentIdentity) *Store {
	return &Store{
		logger:     slog.Default().With("module", "memory"),
		primary:    primary,
		thoughts:   thoughts,
		agent:      agent,
		maxRetries: defaultMaxRetries,
	}
}

// Agent returns the configured agent identity.
func (s *Store) Agent() AgentIdentity {
	return s.agent
}

// Primary exposes the primary graph for read-only consumers (researcher,
// prompt assembler).
func (s *Store) Primary() Querier {
	return s.primary
}

func (s *Store) chatLock(chatID int64) *sync.Mutex {
	idx := chatID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	return &s.locks[idx]
}

// withRetry retries transient graph errors with exponential backoff and
// jitter.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := retryBackoffInitial
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("graph operation failed",
			"op", op,
			"attempt", attempt,
			"error", err,
		)
		if attempt == s.maxRetries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return errors.WithMessagef(err, "%s: retries exhausted", op)
}

// NormalizeTopicTitle trims and case-folds a topic title before uniqueness
// checks.
func NormalizeTopicTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// authorAbbrev derives a two-letter author code for per-day message labels.
func authorAbbrev(name string) string {
	parts := strings.Fields(strings.TrimSpace(name))
	switch {
	case len(parts) >= 2:
		return strings.ToUpper(firstRune(parts[0]) + firstRune(parts[1]))
	case len(parts) == 1 && len([]rune(parts[0])) > 1:
		r := []rune(parts[0])
		return strings.ToUpper(string(r[:2]))
	case len(parts) == 1:
		return strings.ToUpper(firstRune(parts[0]))
	default:
		return "U"
	}
}

func firstRune(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}

func nodeID(prefix string, n int64) string {
	return fmt.Sprintf("%s_%d", prefix, n)
}
