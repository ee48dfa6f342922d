package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// NoResults is the text handed to the humanizer for an empty result set.
const NoResults = "NO_RESULTS_FOUND"

// Rows is a query result with column order preserved.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows.
func (r Rows) Len() int { return len(r.Values) }

// Empty reports whether the result has no rows.
func (r Rows) Empty() bool { return len(r.Values) == 0 }

// JSONLines renders at most max rows as one JSON object per line, keys in
// column order. max <= 0 renders every row. An empty result renders as
// NoResults.
func (r Rows) JSONLines(max int) string {
	if r.Empty() {
		return NoResults
	}
	n := len(r.Values)
	if max > 0 && n > max {
		n = max
	}

	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.Write(r.object(r.Values[i]))
	}
	return b.String()
}

func (r Rows) object(values []any) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(col)
		buf.Write(key)
		buf.WriteByte(':')

		var v any
		if i < len(values) {
			v = values[i]
		}
		val, err := json.Marshal(v)
		if err != nil {
			val, _ = json.Marshal(fmt.Sprint(v))
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Column describes one table column.
type Column struct {
	Name string
	Type string
}

// Schema describes the loaded table.
type Schema struct {
	Table   string
	Columns []Column
}

// String renders the schema as "table(col TYPE, ...)" for prompts.
func (s Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.Name + " " + c.Type
	}
	return fmt.Sprintf("%s(%s)", s.Table, strings.Join(parts, ", "))
}
