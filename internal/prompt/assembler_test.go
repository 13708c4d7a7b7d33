package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/pkg/graph"
)

// fakePromptGraph answers assembler queries from an in-memory atom set.
type fakePromptGraph struct {
	roles        map[string]string              // name -> description
	tasks        map[string][][2]string         // role -> [name, description]
	instructions map[string][]promptInstruction // task -> instructions
	rules        map[string][][2]string         // instruction -> [name, content]
	queries      int
}

func (f *fakePromptGraph) ReadQuery(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error) {
	f.queries++
	res := &graph.Result{}

	switch {
	case strings.Contains(cypher, "MATCH (r:Role"):
		if desc, ok := f.roles[params["name"].(string)]; ok {
			res.Columns = []string{"r.description"}
			res.Rows = [][]any{{desc}}
		}
	case strings.Contains(cypher, "RESPONSIBLE_FOR"):
		for _, task := range f.tasks[params["role"].(string)] {
			res.Rows = append(res.Rows, []any{task[0], task[1]})
		}
	case strings.Contains(cypher, "FOLLOWS_PROTOCOL"):
		for _, instr := range f.instructions[params["task"].(string)] {
			res.Rows = append(res.Rows, []any{instr.name, instr.content, nil, nil})
		}
	case strings.Contains(cypher, "ENFORCES"):
		for _, rule := range f.rules[params["name"].(string)] {
			res.Rows = append(res.Rows, []any{rule[0], rule[1]})
		}
	}
	return res, nil
}

func seededFake() *fakePromptGraph {
	return &fakePromptGraph{
		roles: map[string]string{"Thinker": "Ти — Мислитель."},
		tasks: map[string][][2]string{
			"Thinker": {{"SemanticAnalysis", "Проаналізуй повідомлення."}},
		},
		instructions: map[string][]promptInstruction{
			"SemanticAnalysis": {
				{name: "ThinkerJSONFormat", content: "Поверни ТІЛЬКИ валідний JSON."},
			},
		},
		rules: map[string][][2]string{
			"ThinkerJSONFormat": {
				{"ZRule", "Останнє правило."},
				{"ARule", "Перше правило."},
			},
		},
	}
}

func newTestAssembler(q Querier) *Assembler {
	return NewAssembler(q, Config{CacheTTLSeconds: 60})
}

func TestAssembleTemplate(t *testing.T) {
	a := newTestAssembler(seededFake())

	got, err := a.Assemble(context.Background(), "Thinker", "SemanticAnalysis")
	require.NoError(t, err)

	want := "ROLE: Ти — Мислитель.\n" +
		"TASK: Проаналізуй повідомлення.\n" +
		"PROTOCOL:\n" +
		"  - Поверни ТІЛЬКИ валідний JSON.\n" +
		"RULES:\n" +
		"  * Перше правило.\n" +
		"  * Останнє правило.\n"
	assert.Equal(t, want, got)
}

func TestAssembleSingleTaskByDefault(t *testing.T) {
	a := newTestAssembler(seededFake())

	got, err := a.Assemble(context.Background(), "Thinker", "")
	require.NoError(t, err)
	assert.Contains(t, got, "TASK: Проаналізуй повідомлення.")
}

func TestAssembleAmbiguousTask(t *testing.T) {
	fake := seededFake()
	fake.tasks["Thinker"] = append(fake.tasks["Thinker"], [2]string{"Другий", "Інше завдання."})
	a := newTestAssembler(fake)

	_, err := a.Assemble(context.Background(), "Thinker", "")
	assert.ErrorIs(t, err, ErrTaskAmbiguous)
}

func TestAssembleRoleNotFound(t *testing.T) {
	a := newTestAssembler(seededFake())

	_, err := a.Assemble(context.Background(), "Ghost", "")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestAssembleCacheWithinTTL(t *testing.T) {
	fake := seededFake()
	a := newTestAssembler(fake)

	current := time.Now()
	a.now = func() time.Time { return current }

	first, err := a.Assemble(context.Background(), "Thinker", "SemanticAnalysis")
	require.NoError(t, err)
	queriesAfterFirst := fake.queries

	// identical prompt, no extra queries within the TTL
	second, err := a.Assemble(context.Background(), "Thinker", "SemanticAnalysis")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, queriesAfterFirst, fake.queries)

	// expired TTL refetches
	current = current.Add(61 * time.Second)
	_, err = a.Assemble(context.Background(), "Thinker", "SemanticAnalysis")
	require.NoError(t, err)
	assert.Greater(t, fake.queries, queriesAfterFirst)
}

func TestInvalidateDropsCache(t *testing.T) {
	fake := seededFake()
	a := newTestAssembler(fake)

	_, err := a.Assemble(context.Background(), "Thinker", "SemanticAnalysis")
	require.NoError(t, err)
	queriesAfterFirst := fake.queries

	a.Invalidate()

	_, err = a.Assemble(context.Background(), "Thinker", "SemanticAnalysis")
	require.NoError(t, err)
	assert.Greater(t, fake.queries, queriesAfterFirst)
}

func TestSystemPromptFallsBackToDefaults(t *testing.T) {
	a := newTestAssembler(&fakePromptGraph{})

	got := a.SystemPrompt(context.Background(), RoleGatekeeper, TaskTriage, "")
	assert.Equal(t, DefaultPrompt(RoleGatekeeper), got)
}

func TestSystemPromptAppendsRuntimeContext(t *testing.T) {
	a := newTestAssembler(seededFake())

	got := a.SystemPrompt(context.Background(), "Thinker", "SemanticAnalysis", "Історія чату: ...")
	assert.True(t, strings.HasSuffix(got, "Історія чату: ..."))
	assert.Contains(t, got, "ROLE: Ти — Мислитель.")
}

func TestDefaultPromptsCoverEveryRole(t *testing.T) {
	for _, role := range []string{RoleGatekeeper, RoleThinker, RoleAnalyst, RoleResponder, RoleResearcher} {
		assert.NotEmpty(t, DefaultPrompt(role), role)
	}
}
