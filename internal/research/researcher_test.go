package research

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/pkg/graph"
)

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr string
	}{
		{
			name: "valid with limit",
			in:   "MATCH (m:Message) RETURN m.text LIMIT 10",
			want: "MATCH (m:Message) RETURN m.text LIMIT 10",
		},
		{
			name: "limit appended when absent",
			in:   "MATCH (m:Message) RETURN m.text",
			want: "MATCH (m:Message) RETURN m.text LIMIT 50",
		},
		{
			name:    "limit too large",
			in:      "MATCH (m:Message) RETURN m.text LIMIT 500",
			wantErr: "LIMIT",
		},
		{
			name:    "create forbidden",
			in:      "CREATE (m:Message {uid: 'x'}) RETURN m",
			wantErr: "CREATE",
		},
		{
			name:    "merge forbidden",
			in:      "MERGE (t:Topic {title: 'x'}) RETURN t",
			wantErr: "MERGE",
		},
		{
			name:    "delete forbidden",
			in:      "MATCH (m:Message) DELETE m RETURN 1",
			wantErr: "DELETE",
		},
		{
			name:    "set forbidden",
			in:      "MATCH (t:Topic) SET t.status = 'archived' RETURN t",
			wantErr: "SET",
		},
		{
			name:    "lowercase write still caught",
			in:      "match (m) delete m return 1",
			wantErr: "DELETE",
		},
		{
			name: "keyword inside identifier is not a write",
			in:   "MATCH (m:Message) WHERE m.text CONTAINS 'reset' RETURN m.text LIMIT 5",
			want: "MATCH (m:Message) WHERE m.text CONTAINS 'reset' RETURN m.text LIMIT 5",
		},
		{
			name:    "no match clause",
			in:      "RETURN 1",
			wantErr: "MATCH",
		},
		{
			name:    "empty",
			in:      "   ",
			wantErr: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateQuery(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// scriptedLLM replays canned completions.
type scriptedLLM struct {
	replies []string
	calls   int
}

func (s *scriptedLLM) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	return &provider.Response{Content: s.replies[idx], Provider: "fake", Model: "fake"}, nil
}

// fakeGraph returns one canned result per ReadQuery call.
type fakeGraph struct {
	results []*graph.Result
	queries []string
	calls   int
}

func (f *fakeGraph) Name() string { return "PrimaryMemory" }

func (f *fakeGraph) Query(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error) {
	return &graph.Result{}, nil
}

func (f *fakeGraph) ReadQuery(ctx context.Context, cypher string, params map[string]any) (*graph.Result, error) {
	f.queries = append(f.queries, cypher)
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], nil
}

func emptyPromptAssembler() *prompt.Assembler {
	return prompt.NewAssembler(&fakeGraph{results: []*graph.Result{{}}}, prompt.Config{})
}

func TestSearchHappyPath(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"```\nMATCH (m:Message) WHERE m.text CONTAINS 'docker' RETURN m.text LIMIT 10\n```",
		"У базі три згадки про Docker.",
	}}
	store := &fakeGraph{results: []*graph.Result{
		{Columns: []string{"m.text"}, Rows: [][]any{{"docker compose up"}, {"docker build"}, {"docker ps"}}},
	}}

	r := NewResearcher(llm, store, emptyPromptAssembler())
	finding, err := r.Search(context.Background(), "Що відомо про Docker?")
	require.NoError(t, err)

	assert.Equal(t, 3, finding.Rows)
	assert.Equal(t, "У базі три згадки про Docker.", finding.Summary)
	assert.Contains(t, finding.Query, "CONTAINS 'docker'")
}

func TestSearchRejectsWriteQueryAfterRetry(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"MERGE (t:Topic {title: 'docker'}) RETURN t",
		"CREATE (x) RETURN x",
	}}
	store := &fakeGraph{results: []*graph.Result{{}}}

	r := NewResearcher(llm, store, emptyPromptAssembler())
	_, err := r.Search(context.Background(), "питання")
	assert.ErrorIs(t, err, ErrRejected)
	// rejected queries are never executed
	assert.Empty(t, store.queries)
}

func TestSearchRefinesOnceOnEmptyResult(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"MATCH (m:Message) WHERE m.text CONTAINS 'plan' RETURN m.text LIMIT 5",
		"MATCH (m:Message) WHERE m.text CONTAINS 'плани' RETURN m.text LIMIT 5",
		"Знайшов плани на вихідні.",
	}}
	store := &fakeGraph{results: []*graph.Result{
		{},
		{Columns: []string{"m.text"}, Rows: [][]any{{"їдемо в Карпати"}}},
	}}

	r := NewResearcher(llm, store, emptyPromptAssembler())
	finding, err := r.Search(context.Background(), "Які в нас плани?")
	require.NoError(t, err)

	assert.Equal(t, 1, finding.Rows)
	assert.Len(t, store.queries, 2)
}

func TestSearchGivesUpAfterTwoEmptyIterations(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"MATCH (m:Message) RETURN m.text LIMIT 5",
	}}
	store := &fakeGraph{results: []*graph.Result{{}}}

	r := NewResearcher(llm, store, emptyPromptAssembler())
	finding, err := r.Search(context.Background(), "питання")
	require.NoError(t, err)

	assert.Equal(t, 0, finding.Rows)
	assert.NotEmpty(t, finding.Summary)
	assert.Len(t, store.queries, 2)
}
