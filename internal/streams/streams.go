package streams

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Stream is one long-running pipeline stage backed by a worker pool.
type Stream interface {
	Name() string
	Run(ctx context.Context) error
}

// WorkerConfig sizes one stream's pool and queue.
type WorkerConfig struct {
	Workers       int `toml:"workers"`
	QueueCapacity int `toml:"queue_capacity"`
}

func (c WorkerConfig) workers(fallback int) int {
	if c.Workers > 0 {
		return c.Workers
	}
	return fallback
}

// runPool runs fn on workers goroutines until the context ends.
func runPool(ctx context.Context, workers int, fn func(ctx context.Context) error) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return fn(ctx)
		})
	}
	return g.Wait()
}

// done reports whether the loop should exit instead of logging the error.
func done(ctx context.Context, err error) bool {
	return ctx.Err() != nil || err == context.Canceled
}
