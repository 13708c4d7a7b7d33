package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Result is a parsed reply to a Cypher query. Write-only statements carry
// stats and no rows.
type Result struct {
	Columns []string
	Rows    [][]any
	Stats   []string
}

// Empty reports whether the result set has no rows.
func (r *Result) Empty() bool {
	return len(r.Rows) == 0
}

// Maps zips columns with row values.
func (r *Result) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// Decode unmarshals row maps into a slice of structs via their json tags.
func (r *Result) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(r.Maps())
}

// parseReply converts the raw command reply into a Result. The engine
// returns [header, rows, stats] for read queries and [stats] for writes.
func parseReply(raw any) (*Result, error) {
	top, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected graph reply type %T", raw)
	}

	res := &Result{}

	switch len(top) {
	case 0:
		return res, nil
	case 1:
		res.Stats = toStrings(top[0])
		return res, nil
	}

	for _, h := range asSlice(top[0]) {
		// header entries may be plain strings or [type, name] pairs
		if pair := asSlice(h); len(pair) == 2 {
			res.Columns = append(res.Columns, AsString(pair[1]))
		} else {
			res.Columns = append(res.Columns, AsString(h))
		}
	}

	for _, row := range asSlice(top[1]) {
		res.Rows = append(res.Rows, asSlice(row))
	}

	if len(top) > 2 {
		res.Stats = toStrings(top[2])
	}

	return res, nil
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func toStrings(v any) []string {
	var out []string
	for _, s := range asSlice(v) {
		out = append(out, AsString(s))
	}
	return out
}

// AsString coerces a reply value to string.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// AsInt64 coerces a reply value to int64.
func AsInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	default:
		return 0
	}
}

// AsFloat coerces a reply value to float64.
func AsFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

// encodeParams renders a CYPHER parameter prefix. Keys are emitted in
// sorted order so identical inputs produce identical statements.
func encodeParams(params map[string]any) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("CYPHER")
	for _, k := range keys {
		v, err := encodeValue(params[k])
		if err != nil {
			return "", fmt.Errorf("param %q: %w", k, err)
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
	return b.String(), nil
}

func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case string:
		return quote(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case []string:
		parts := make([]string, len(t))
		for i, s := range t {
			parts[i] = quote(s)
		}
		return "[" + strings.Join(parts, ",") + "]", nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return `"` + s + `"`
}
