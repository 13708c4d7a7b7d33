package streams

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/pkg/graph"
)

const (
	eventuallyTimeout = 2 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// fakeQuerier answers graph calls from a script keyed by cypher substring
// and records every call.
type fakeQuerier struct {
	mu      sync.Mutex
	name    string
	calls   []string
	replies map[string]*graph.Result
}

func newFakeQuerier(name string) *fakeQuerier {
	return &fakeQuerier{name: name, replies: make(map[string]*graph.Result)}
}

func (f *fakeQuerier) Name() string { return f.name }

func (f *fakeQuerier) Query(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error) {
	return f.run(cypher)
}

func (f *fakeQuerier) ReadQuery(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error) {
	return f.run(cypher)
}

func (f *fakeQuerier) run(cypher string) (*graph.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cypher)
	for substr, res := range f.replies {
		if strings.Contains(cypher, substr) {
			return res, nil
		}
	}
	return &graph.Result{}, nil
}

func (f *fakeQuerier) countCalls(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// scriptedProvider replays canned completions or errors in order.
type scriptedProvider struct {
	mu      sync.Mutex
	name    string
	replies []any // string content or error
	calls   int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if len(p.replies) == 0 {
		return nil, provider.Retryable(p.name, errors.New("no scripted reply"))
	}
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	switch v := p.replies[idx].(type) {
	case error:
		return nil, v
	case string:
		return &provider.Response{Content: v, Provider: p.name, Model: "fake"}, nil
	default:
		return nil, provider.Fatal(p.name, errors.New("bad script"))
	}
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// harness bundles the shared fixtures of stream tests.
type harness struct {
	bus      *bus.Bus
	primary  *fakeQuerier
	thoughts *fakeQuerier
	store    *memory.Store
	llm      *scriptedProvider
	sb       *provider.Switchboard
	asm      *prompt.Assembler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	queues := make(map[string]bus.Queue, len(bus.Channels))
	for _, ch := range bus.Channels {
		queues[ch] = bus.NewMemoryQueue(ch, 32)
	}

	primary := newFakeQuerier("PrimaryMemory")
	thoughts := newFakeQuerier("ThoughtLog")
	store := memory.NewStore(primary, thoughts, memory.AgentIdentity{TelegramID: 8521381973, Name: "Бобер Сікфан"})

	llm := &scriptedProvider{name: "fake"}
	sb, err := provider.NewSwitchboard(provider.SwitchboardConfig{Order: []string{"fake"}}, []provider.Provider{llm}, nil)
	require.NoError(t, err)

	return &harness{
		bus:      bus.New(queues),
		primary:  primary,
		thoughts: thoughts,
		store:    store,
		llm:      llm,
		sb:       sb,
		asm:      prompt.NewAssembler(primary, prompt.Config{}),
	}
}
