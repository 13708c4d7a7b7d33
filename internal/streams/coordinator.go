package streams

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/research"
)

// CoordinatorConfig holds execution settings.
type CoordinatorConfig struct {
	TaskTimeoutSeconds int `toml:"task_timeout_seconds"`
	MaxWorkers         int `toml:"max_workers"`
}

const maxCoordinatorWorkers = 8

// WebSearcher is the optional web retrieval tool.
type WebSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

type inflightPlan struct {
	snapshotID string
	cancel     context.CancelFunc
}

// Coordinator executes analyst plans: DAG-parallel task fan-out, per-task
// soft deadlines, and cooperative cancellation when a newer plan for the
// same chat arrives.
type Coordinator struct {
	logger     *slog.Logger
	bus        *bus.Bus
	store      *memory.Store
	researcher *research.Researcher
	web        WebSearcher
	cfg        CoordinatorConfig
	workers    WorkerConfig

	mu       sync.Mutex
	inflight map[int64]*inflightPlan
}

// NewCoordinator creates the coordinator stream.
func NewCoordinator(b *bus.Bus, store *memory.Store, researcher *research.Researcher, web WebSearcher, cfg CoordinatorConfig, workers WorkerConfig) *Coordinator {
	return &Coordinator{
		logger:     slog.Default().With("module", "coordinator"),
		bus:        b,
		store:      store,
		researcher: researcher,
		web:        web,
		cfg:        cfg,
		workers:    workers,
		inflight:   make(map[int64]*inflightPlan),
	}
}

func (c *Coordinator) Name() string { return "coordinator" }

// Run starts the execution workers, capped so one chat storm cannot starve
// the process.
func (c *Coordinator) Run(ctx context.Context) error {
	workers := c.workers.workers(4)
	if c.cfg.MaxWorkers > 0 && workers > c.cfg.MaxWorkers {
		workers = c.cfg.MaxWorkers
	}
	if workers > maxCoordinatorWorkers {
		workers = maxCoordinatorWorkers
	}
	return runPool(ctx, workers, c.loop)
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		var snap domain.AnalystSnapshot
		if err := c.bus.Consume(ctx, bus.ChannelExecution, &snap); err != nil {
			if done(ctx, err) || err == bus.ErrClosed {
				return nil
			}
			c.logger.Error("failed to consume execution", "error", err)
			continue
		}

		if err := c.Execute(ctx, &snap); err != nil {
			c.logger.Error("plan execution failed", "snapshot", snap.ID, "error", err)
		}
	}
}

// Execute runs one plan through the state machine. The superseded plan for
// the same chat, if any, is cancelled at its next suspension point.
func (c *Coordinator) Execute(ctx context.Context, snap *domain.AnalystSnapshot) error {
	planCtx := c.register(ctx, snap)
	defer c.unregister(snap.Event.ChatID, snap.ID)

	// cleanup must run even after cooperative cancellation
	cleanupCtx := context.WithoutCancel(ctx)

	startedAt := float64(time.Now().UnixNano()) / 1e9

	if err := c.store.SetWorkingOn(planCtx, snap.ID, fmt.Sprintf("%s %s", snap.Intent, snap.MessageUID)); err != nil {
		c.logger.Warn("failed to acquire working lock", "snapshot", snap.ID, "error", err)
	}
	defer func() {
		if err := c.store.ClearWorkingOn(cleanupCtx, snap.ID); err != nil {
			c.logger.Warn("failed to clear working lock", "snapshot", snap.ID, "error", err)
		}
	}()

	outputs, err := c.runPlan(planCtx, snap)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.logger.Info("plan cancelled by newer snapshot", "snapshot", snap.ID)
			return nil
		}
		return err
	}

	// a newer message in the same chat supersedes this plan before it
	// reaches the responder
	latest, lerr := c.store.LatestMessageAt(planCtx, snap.Event.ChatID)
	if lerr == nil && latest >= startedAt {
		c.logger.Info("plan superseded by newer message", "snapshot", snap.ID, "chat_id", snap.Event.ChatID)
		return nil
	}

	executed := make([]string, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		executed = append(executed, t.Action)
	}
	summary := fmt.Sprintf("intent=%s tasks=%s", snap.Intent, strings.Join(executed, ","))
	if _, serr := c.store.SaveCoordinatorSnapshot(planCtx, snap.ID, summary, executed); serr != nil {
		c.logger.Warn("failed to save coordinator snapshot", "error", serr)
	}

	return c.bus.Publish(planCtx, bus.ChannelResponse, domain.CoordinatorContext{
		SnapshotID: snap.ID,
		MessageUID: snap.MessageUID,
		Event:      snap.Event,
		Verdict:    snap.Verdict,
		Intent:     snap.Intent,
		Narrative:  snap.Narrative,
		Tasks:      snap.Tasks,
		Outputs:    outputs,
	})
}

// runPlan executes the DAG wave by wave; independent tasks within a wave
// run in parallel.
func (c *Coordinator) runPlan(ctx context.Context, snap *domain.AnalystSnapshot) ([]domain.ToolOutput, error) {
	var (
		mu      sync.Mutex
		outputs []domain.ToolOutput
	)

	for _, wave := range domain.ExecutionWaves(snap.Tasks) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		g, waveCtx := errgroup.WithContext(ctx)
		for _, task := range wave {
			task := task
			g.Go(func() error {
				out := c.runTask(waveCtx, snap, task)
				mu.Lock()
				outputs = append(outputs, out)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return outputs, nil
}

// runTask dispatches one task under its soft deadline. A timeout marks the
// task timed_out without failing the plan.
func (c *Coordinator) runTask(ctx context.Context, snap *domain.AnalystSnapshot, task domain.PlanTask) domain.ToolOutput {
	timeout := time.Duration(c.cfg.TaskTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := domain.ToolOutput{TaskID: task.ID, Action: task.Action}

	content, err := c.dispatch(taskCtx, snap, task)
	switch {
	case err == nil:
		out.Content = content
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		out.TimedOut = true
		c.logger.Warn("task timed out", "snapshot", snap.ID, "task", task.ID, "action", task.Action)
	case errors.Is(err, research.ErrRejected):
		out.Rejected = true
		out.Error = err.Error()
	default:
		out.Error = err.Error()
		c.logger.Warn("task failed", "snapshot", snap.ID, "task", task.ID, "action", task.Action, "error", err)
	}
	return out
}

func (c *Coordinator) dispatch(ctx context.Context, snap *domain.AnalystSnapshot, task domain.PlanTask) (string, error) {
	switch task.Action {
	case domain.ActionReply:
		// reply is materialized by the responder; nothing to execute here
		return "", nil

	case domain.ActionSearchGraph:
		finding, err := c.researcher.Search(ctx, c.argOr(task, "query", snap.Event.Text))
		if err != nil {
			return "", err
		}
		return finding.Summary, nil

	case domain.ActionSearchWeb:
		if c.web == nil {
			return "", errors.New("web search is not configured")
		}
		return c.web.Search(ctx, c.argOr(task, "query", snap.Event.Text))

	case domain.ActionFetchUserProfile:
		profile, err := c.store.FetchUserProfile(ctx, snap.Event.SenderID)
		if err != nil {
			return "", err
		}
		if profile == nil {
			return "", nil
		}
		return fmt.Sprintf("%s: %d повідомлень, теми: %s", profile.Name, profile.MessageCount, strings.Join(profile.Topics, ", ")), nil

	case domain.ActionRememberFact:
		subject := c.argOr(task, "subject", snap.Event.SenderName)
		fact := c.argOr(task, "fact", snap.Event.Text)
		return "", c.store.RememberFact(ctx, subject, fact)

	default:
		return "", errors.Errorf("unknown action: %s", task.Action)
	}
}

func (c *Coordinator) argOr(task domain.PlanTask, key, fallback string) string {
	if v, ok := task.Args[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// register tracks the plan as the chat's in-flight work, cancelling any
// prior plan for the same chat.
func (c *Coordinator) register(ctx context.Context, snap *domain.AnalystSnapshot) context.Context {
	planCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if prior, ok := c.inflight[snap.Event.ChatID]; ok {
		c.logger.Info("cancelling superseded plan",
			"chat_id", snap.Event.ChatID,
			"old_snapshot", prior.snapshotID,
			"new_snapshot", snap.ID,
		)
		prior.cancel()
	}
	c.inflight[snap.Event.ChatID] = &inflightPlan{snapshotID: snap.ID, cancel: cancel}
	c.mu.Unlock()

	return planCtx
}

func (c *Coordinator) unregister(chatID int64, snapshotID string) {
	c.mu.Lock()
	if current, ok := c.inflight[chatID]; ok && current.snapshotID == snapshotID {
		current.cancel()
		delete(c.inflight, chatID)
	}
	c.mu.Unlock()
}
