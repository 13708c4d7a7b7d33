package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bobersik/observer/pkg/graph"
)

// AppendLogEntry writes one prompt/response pair to the thought-log graph.
func (s *Store) AppendLogEntry(ctx context.Context, prompt, response, model string) error {
	_, err := s.thoughts.Query(ctx, `
CREATE (:LogEntry {id: $id, timestamp: $now, prompt: $prompt, response: $response, model: $model})`,
		map[string]any{
			"id":       uuid.NewString(),
			"now":      nowUnix(),
			"prompt":   prompt,
			"response": response,
			"model":    model,
		},
	)
	return err
}

// RecentThoughtResponses returns the newest thought-log responses within a
// day, newest first.
func (s *Store) RecentThoughtResponses(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	res, err := s.thoughts.ReadQuery(ctx, `
MATCH (l:LogEntry)
WHERE l.timestamp > $since
RETURN l.response
ORDER BY l.timestamp DESC
LIMIT $limit`,
		map[string]any{"since": nowUnix() - 86400, "limit": limit},
	)
	if err != nil {
		return nil, err
	}

	responses := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 0 {
			responses = append(responses, graph.AsString(row[0]))
		}
	}
	return responses, nil
}

// logRecord is one queued thought-log write.
type logRecord struct {
	prompt   string
	response string
	model    string
}

// LogWriter drains thought-log writes off the hot path. Append never
// blocks the caller: when the buffer is full the record is dropped.
type LogWriter struct {
	logger *slog.Logger
	store  *Store
	ch     chan logRecord

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewLogWriter creates a bounded asynchronous writer over the store.
func NewLogWriter(store *Store, capacity int) *LogWriter {
	if capacity <= 0 {
		capacity = 256
	}
	return &LogWriter{
		logger: slog.Default().With("module", "memory.logwriter"),
		store:  store,
		ch:     make(chan logRecord, capacity),
		done:   make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (w *LogWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case rec := <-w.ch:
				if err := w.store.AppendLogEntry(ctx, rec.prompt, rec.response, rec.model); err != nil {
					w.logger.Error("failed to append log entry", "error", err)
				}
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Append enqueues a record without blocking.
func (w *LogWriter) Append(prompt, response, model string) {
	select {
	case w.ch <- logRecord{prompt: prompt, response: response, model: model}:
	default:
		w.logger.Warn("thought log buffer full, dropping entry")
	}
}

// Stop terminates the drain goroutine.
func (w *LogWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}
