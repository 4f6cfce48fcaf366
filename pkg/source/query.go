package source

import (
	"strings"
)

// Dialect captures the SQL differences between engines.
type Dialect interface {
	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
}

// BuildSelect renders q for schema in dialect d and returns the statement
// with its bind arguments. Incremental reads take the form
//
//	SELECT ... FROM t WHERE wm > :after [AND (filter)] ORDER BY wm ASC
//
// and omit the watermark predicate when q.After is nil.
func BuildSelect(d Dialect, schema string, q Query) (string, []interface{}) {
	var b strings.Builder
	var args []interface{}

	b.WriteString("SELECT ")
	if len(q.Fields) == 0 {
		b.WriteString("*")
	} else {
		for i, f := range q.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.QuoteIdent(f))
		}
	}

	b.WriteString(" FROM ")
	if schema != "" {
		b.WriteString(d.QuoteIdent(schema))
		b.WriteString(".")
	}
	b.WriteString(d.QuoteIdent(q.Table))

	var preds []string
	if q.WatermarkColumn != "" && q.After != nil {
		args = append(args, q.After.Value())
		preds = append(preds, d.QuoteIdent(q.WatermarkColumn)+" > "+d.Placeholder(len(args)))
	}
	if f := strings.TrimSpace(q.Filter); f != "" {
		preds = append(preds, "("+f+")")
	}
	if len(preds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(preds, " AND "))
	}

	if q.WatermarkColumn != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(d.QuoteIdent(q.WatermarkColumn))
		b.WriteString(" ASC")
	}
	return b.String(), args
}
