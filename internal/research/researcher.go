package research

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobersik/observer/internal/domain"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/pkg/graph"
)

// ErrRejected marks a generated query that failed validation; the task is
// rejected without execution.
var ErrRejected = errors.New("generated query rejected")

const (
	maxIterations = 2
	maxLimit      = 50
)

// forbidden write clauses; scanned on word boundaries, case-insensitive.
var forbiddenKeywords = []string{"CREATE", "MERGE", "DELETE", "DETACH", "SET", "REMOVE", "DROP"}

var limitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)

// LLM is the generation surface; satisfied by the switchboard.
type LLM interface {
	Generate(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// Finding is the summarized outcome of one graph search.
type Finding struct {
	Query   string
	Summary string
	Rows    int
}

// Researcher turns natural-language questions into validated read-only
// graph queries and summarizes the results.
type Researcher struct {
	logger    *slog.Logger
	llm       LLM
	store     memory.Querier
	assembler *prompt.Assembler
}

// NewResearcher creates a researcher over the primary graph.
func NewResearcher(llm LLM, store memory.Querier, assembler *prompt.Assembler) *Researcher {
	return &Researcher{
		logger:    slog.Default().With("module", "researcher"),
		llm:       llm,
		store:     store,
		assembler: assembler,
	}
}

// Search answers a question from the knowledge graph. An empty first result
// earns one refinement iteration.
func (r *Researcher) Search(ctx context.Context, question string) (*Finding, error) {
	var note string
	for iteration := 1; iteration <= maxIterations; iteration++ {
		query, err := r.generateQuery(ctx, question, note)
		if err != nil {
			return nil, err
		}

		res, err := r.store.ReadQuery(ctx, query, nil)
		if err != nil {
			r.logger.Warn("query execution failed", "query", query, "error", err)
			note = fmt.Sprintf("Попередній запит завершився помилкою: %v. Сформуй інший запит.", err)
			continue
		}

		if res.Empty() {
			r.logger.Debug("query returned no rows", "iteration", iteration)
			note = "Попередній запит не знайшов нічого. Спробуй інші ключові слова або ширший шаблон."
			continue
		}

		summary, err := r.summarize(ctx, question, query, res)
		if err != nil {
			return nil, err
		}

		return &Finding{Query: query, Summary: summary, Rows: len(res.Rows)}, nil
	}

	return &Finding{Summary: "В базі знань немає інформації за цим запитом."}, nil
}

// generateQuery asks the LLM for a Cypher statement and validates it. A
// validation failure earns one stricter regeneration before rejection.
func (r *Researcher) generateQuery(ctx context.Context, question, note string) (string, error) {
	system := r.assembler.SystemPrompt(ctx, prompt.RoleResearcher, prompt.TaskGraphSearch, memory.SchemaSummary)

	userPrompt := "Питання: " + question
	if note != "" {
		userPrompt += "\n\n" + note
	}

	for attempt := 1; attempt <= 2; attempt++ {
		resp, err := r.llm.Generate(ctx, &provider.Request{
			System:   system,
			Messages: []provider.Message{{Role: provider.RoleUser, Content: userPrompt}},
		})
		if err != nil {
			return "", err
		}

		query := domain.StripCodeFence(resp.Content)
		validated, verr := ValidateQuery(query)
		if verr == nil {
			return validated, nil
		}

		r.logger.Warn("generated query invalid",
			"attempt", attempt,
			"error", verr,
		)
		userPrompt += "\n\nЗапит відхилено: " + verr.Error() +
			". Поверни ТІЛЬКИ читальний MATCH ... RETURN ... LIMIT запит без пояснень."
	}

	return "", ErrRejected
}

// ValidateQuery enforces the read-only contract: no write clauses, a MATCH
// and RETURN present, and a LIMIT of at most 50 (appended when absent).
func ValidateQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("empty query")
	}

	upper := strings.ToUpper(query)
	for _, kw := range forbiddenKeywords {
		if containsKeyword(upper, kw) {
			return "", errors.Errorf("forbidden keyword %s", kw)
		}
	}

	if !containsKeyword(upper, "MATCH") || !containsKeyword(upper, "RETURN") {
		return "", errors.New("query must contain MATCH and RETURN")
	}

	m := limitPattern.FindStringSubmatch(query)
	if m == nil {
		return query + " LIMIT " + strconv.Itoa(maxLimit), nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > maxLimit {
		return "", errors.Errorf("LIMIT must be between 1 and %d", maxLimit)
	}
	return query, nil
}

func containsKeyword(upper, kw string) bool {
	idx := 0
	for {
		pos := strings.Index(upper[idx:], kw)
		if pos < 0 {
			return false
		}
		pos += idx
		before := pos == 0 || !isWordChar(upper[pos-1])
		afterIdx := pos + len(kw)
		after := afterIdx >= len(upper) || !isWordChar(upper[afterIdx])
		if before && after {
			return true
		}
		idx = pos + len(kw)
	}
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// summarize folds the result rows into a short natural-language answer.
func (r *Researcher) summarize(ctx context.Context, question, query string, res *graph.Result) (string, error) {
	var rows strings.Builder
	for i, row := range res.Rows {
		if i >= maxLimit {
			break
		}
		parts := make([]string, 0, len(row))
		for _, v := range row {
			parts = append(parts, graph.AsString(v))
		}
		rows.WriteString(strings.Join(parts, " | "))
		rows.WriteString("\n")
	}

	resp, err := r.llm.Generate(ctx, &provider.Request{
		Messages: []provider.Message{{
			Role: provider.RoleUser,
			Content: fmt.Sprintf(
				"Ти отримав результати запиту до Графа Знань.\nПитання: %s\nЗапит: %s\nРезультати:\n%s\nІнтерпретуй їх та дай коротку відповідь по суті.",
				question, query, rows.String(),
			),
		}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
