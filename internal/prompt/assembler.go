package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/bobersik/observer/pkg/graph"
)

// ErrRoleNotFound is returned when the prompt subgraph has no such role.
var ErrRoleNotFound = errors.New("role not found in prompt graph")

// ErrTaskAmbiguous is returned when no task name is given and the role has
// several.
var ErrTaskAmbiguous = errors.New("task is ambiguous for role")

// Querier is the read surface the assembler needs.
type Querier interface {
	ReadQuery(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error)
}

// Config holds assembler settings.
type Config struct {
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`
}

// Validate checks assembler configuration
func (c *Config) Validate() error {
	if c.CacheTTLSeconds < 0 {
		return errors.New("cache_ttl_seconds must be >= 0")
	}
	return nil
}

type cacheEntry struct {
	prompt string
	at     time.Time
}

// Assembler materializes system prompts from the graph-resident
// Role/Task/Protocol/Instruction/Rule subgraph. The graph is authoritative;
// compiled defaults are a bootstrap fallback only.
type Assembler struct {
	logger *slog.Logger
	q      Querier
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewAssembler creates an assembler over the prompt subgraph.
func NewAssembler(q Querier, cfg Config) *Assembler {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &Assembler{
		logger: slog.Default().With("module", "prompt"),
		q:      q,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Assemble returns the system prompt template for a role. When taskName is
// empty the role must own exactly one task.
func (a *Assembler) Assemble(ctx context.Context, roleName, taskName string) (string, error) {
	key := roleName + "|" + taskName

	a.mu.RLock()
	entry, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && a.now().Sub(entry.at) < a.ttl {
		return entry.prompt, nil
	}

	assembled, err := a.assemble(ctx, roleName, taskName)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.cache[key] = cacheEntry{prompt: assembled, at: a.now()}
	a.mu.Unlock()

	return assembled, nil
}

// SystemPrompt assembles a prompt and falls back to the compiled default
// for the role when the subgraph is missing or empty. Runtime context is
// appended below the template.
func (a *Assembler) SystemPrompt(ctx context.Context, roleName, taskName, runtimeContext string) string {
	assembled, err := a.Assemble(ctx, roleName, taskName)
	if err != nil {
		metrics.GetOrRegisterCounter("prompt_fallback_total", metrics.DefaultRegistry).Inc(1)
		a.logger.Warn("falling back to compiled prompt", "role", roleName, "error", err)
		assembled = DefaultPrompt(roleName)
	}
	if runtimeContext != "" {
		assembled = assembled + "\n\n" + runtimeContext
	}
	return assembled
}

// Invalidate clears the cache. Called after writes to the prompt subgraph.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	a.cache = make(map[string]cacheEntry)
	a.mu.Unlock()
}

func (a *Assembler) assemble(ctx context.Context, roleName, taskName string) (string, error) {
	role, err := a.fetchRole(ctx, roleName)
	if err != nil {
		return "", err
	}

	task, err := a.pickTask(ctx, roleName, taskName)
	if err != nil {
		return "", err
	}

	instructions, err := a.fetchInstructions(ctx, task.name)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ROLE: %s\n", role)
	fmt.Fprintf(&b, "TASK: %s\n", task.description)

	if len(instructions) > 0 {
		b.WriteString("PROTOCOL:\n")
		for _, instr := range instructions {
			fmt.Fprintf(&b, "  - %s\n", instr.content)
		}
	}

	rules, err := a.fetchRules(ctx, instructions)
	if err != nil {
		return "", err
	}
	if len(rules) > 0 {
		b.WriteString("RULES:\n")
		for _, rule := range rules {
			fmt.Fprintf(&b, "  * %s\n", rule)
		}
	}

	return b.String(), nil
}

func (a *Assembler) fetchRole(ctx context.Context, roleName string) (string, error) {
	res, err := a.q.ReadQuery(ctx,
		"MATCH (r:Role {name: $name}) RETURN r.description",
		map[string]any{"name": roleName},
	)
	if err != nil {
		return "", err
	}
	if res.Empty() {
		return "", errors.WithMessagef(ErrRoleNotFound, "role %q", roleName)
	}
	return graph.AsString(res.Rows[0][0]), nil
}

type promptTask struct {
	name        string
	description string
}

func (a *Assembler) pickTask(ctx context.Context, roleName, taskName string) (promptTask, error) {
	res, err := a.q.ReadQuery(ctx, `
MATCH (:Role {name: $role})-[:RESPONSIBLE_FOR]->(t:Task)
RETURN t.name, t.description
ORDER BY t.name`,
		map[string]any{"role": roleName},
	)
	if err != nil {
		return promptTask{}, err
	}
	if res.Empty() {
		return promptTask{}, errors.Errorf("role %q has no tasks", roleName)
	}

	if taskName == "" {
		if len(res.Rows) > 1 {
			return promptTask{}, errors.WithMessagef(ErrTaskAmbiguous, "role %q", roleName)
		}
		return promptTask{
			name:        graph.AsString(res.Rows[0][0]),
			description: graph.AsString(res.Rows[0][1]),
		}, nil
	}

	for _, row := range res.Rows {
		if graph.AsString(row[0]) == taskName {
			return promptTask{name: taskName, description: graph.AsString(row[1])}, nil
		}
	}
	return promptTask{}, errors.Errorf("role %q has no task %q", roleName, taskName)
}

type promptInstruction struct {
	name    string
	content string
}

// fetchInstructions collects instructions reachable through a protocol or
// followed directly, in stable name order.
func (a *Assembler) fetchInstructions(ctx context.Context, taskName string) ([]promptInstruction, error) {
	res, err := a.q.ReadQuery(ctx, `
MATCH (t:Task {name: $task})
OPTIONAL MATCH (t)-[:FOLLOWS_PROTOCOL]->(:Protocol)-[:COMPOSED_OF]->(pi:Instruction)
OPTIONAL MATCH (t)-[:FOLLOWS]->(di:Instruction)
RETURN pi.name, pi.content, di.name, di.content`,
		map[string]any{"task": taskName},
	)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []promptInstruction
	add := func(name, content any) {
		n := graph.AsString(name)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, promptInstruction{name: n, content: graph.AsString(content)})
	}
	for _, row := range res.Rows {
		if len(row) >= 2 {
			add(row[0], row[1])
		}
		if len(row) >= 4 {
			add(row[2], row[3])
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// fetchRules collects enforced rules across the instructions, deduplicated
// and stably sorted by rule name.
func (a *Assembler) fetchRules(ctx context.Context, instructions []promptInstruction) ([]string, error) {
	type rule struct {
		name    string
		content string
	}
	seen := make(map[string]bool)
	var rules []rule

	for _, instr := range instructions {
		res, err := a.q.ReadQuery(ctx, `
MATCH (:Instruction {name: $name})-[:ENFORCES]->(r:Rule)
RETURN r.name, r.content`,
			map[string]any{"name": instr.name},
		)
		if err != nil {
			return nil, err
		}
		for _, row := range res.Rows {
			if len(row) < 2 {
				continue
			}
			name := graph.AsString(row[0])
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			rules = append(rules, rule{name: name, content: graph.AsString(row[1])})
		}
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].name < rules[j].name })

	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.content
	}
	return out, nil
}
