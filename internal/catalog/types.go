// Package catalog describes the parts of the machine/engine/part catalog the
// importer writes to: which tables exist, their columns and length limits,
// the natural keys the database enforces, and the import fields a mapping
// may reference.
//
// Storage implementations build their SQL (or in-memory indexes) from these
// descriptions, so identifiers never come from user input.
package catalog

import "unicode/utf8"

// Kind is the value type of a column or import field.
type Kind int

const (
	KindText Kind = iota
	KindUpper
	KindInt
	KindDecimal
	KindBool
	KindList
	KindID
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindUpper:
		return "upper"
	case KindInt:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "boolean"
	case KindList:
		return "list"
	case KindID:
		return "id"
	default:
		return "unknown"
	}
}

// Column is one stored column of a table.
type Column struct {
	Name   string
	Kind   Kind
	MaxLen int // characters; 0 means unbounded

	// Ref names the table a KindID column points at. Deleting the referent
	// deletes the row when Cascade is set and clears the column otherwise.
	Ref     string
	Cascade bool
}

// UniqueKey is a natural key enforced by the database. Text columns are
// compared case-insensitively.
type UniqueKey []string

// Table describes an entity table or an association table.
type Table struct {
	Key     string // registry key, also the SQL table name
	Label   string
	Columns []Column
	Unique  []UniqueKey

	// LinkKeys is set for association tables: the id columns that identify a row.
	LinkKeys []string

	// Symmetric association rows are stored once with the smaller id first.
	Symmetric bool

	// NoSelf rejects association rows whose two keys are equal.
	NoSelf bool
}

// IsLink reports whether t is an association table.
func (t Table) IsLink() bool { return len(t.LinkKeys) > 0 }

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Values maps column names to typed values (string, int64, bool,
// decimal.Decimal or nil).
type Values map[string]any

// Truncation records a value shortened to fit its column.
type Truncation struct {
	Column   string
	Original int
	Limit    int
}

// Fit keeps only values for columns t declares and shortens strings that
// exceed the column limit. The input map is not modified.
func (t Table) Fit(in Values) (Values, []Truncation) {
	out := make(Values, len(in))
	var cut []Truncation

	for name, v := range in {
		col, ok := t.Column(name)
		if !ok {
			continue
		}
		if s, isString := v.(string); isString && col.MaxLen > 0 {
			if n := utf8.RuneCountInString(s); n > col.MaxLen {
				v = truncateRunes(s, col.MaxLen)
				cut = append(cut, Truncation{Column: name, Original: n, Limit: col.MaxLen})
			}
		}
		out[name] = v
	}
	return out, cut
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
