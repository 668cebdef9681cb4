// Package normalize turns raw spreadsheet cells into typed field values.
//
// Values are typed by the import field table in package catalog:
//
//   - text: trimmed, internal whitespace runs collapsed to one space
//   - upper: text, uppercased (part numbers)
//   - integer: accepts float spellings such as "4.0" and truncates
//   - decimal: shopspring/decimal, never binary floating point
//   - boolean: permissive token sets; unknown tokens become false with a warning
//   - list: identifiers separated by ';' or ','
//
// A value that fails to parse is omitted rather than reported; only a
// family with no usable field at all is an error, and that decision belongs
// to the resolvers.
package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
)

// Row gives access to a raw record's cells by header.
type Row interface {
	Get(header string) (string, bool)
}

// Fields maps import field names to typed values.
type Fields map[string]any

// Warning is a non-fatal problem found while normalizing a row.
type Warning struct {
	Field   string
	Message string
}

// Result is the normalized form of one row.
type Result struct {
	Sections map[catalog.Section]Fields

	// Mapped reports families that have at least one mapped header present
	// in the row, whether or not the cells held data.
	Mapped map[catalog.Family]bool

	Warnings []Warning
}

// Section returns the fields of s, or nil.
func (r *Result) Section(s catalog.Section) Fields {
	return r.Sections[s]
}

// FamilyEmpty reports whether a mapped family produced no usable field.
func (r *Result) FamilyEmpty(f catalog.Family) bool {
	if !r.Mapped[f] {
		return false
	}
	for _, s := range familySections(f) {
		if len(r.Sections[s]) > 0 {
			return false
		}
	}
	return true
}

func familySections(f catalog.Family) []catalog.Section {
	if f == catalog.FamilyBuild {
		return []catalog.Section{
			catalog.SectionBuildList, catalog.SectionBuildListItem,
			catalog.SectionKit, catalog.SectionKitItem,
		}
	}
	return []catalog.Section{catalog.Section(f)}
}

// Normalize converts row according to mapping, which holds one
// field → source header dictionary per family.
func Normalize(row Row, mapping map[catalog.Family]map[string]string) *Result {
	res := &Result{
		Sections: make(map[catalog.Section]Fields),
		Mapped:   make(map[catalog.Family]bool),
	}

	for _, family := range catalog.Families() {
		fields := mapping[family]
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			header := fields[name]
			if header == "" {
				continue
			}
			raw, ok := row.Get(header)
			if !ok {
				continue
			}
			res.Mapped[family] = true

			spec, known := catalog.LookupField(family, name)
			if !known {
				spec = catalog.FieldSpec{Name: name, Section: catalog.PrimarySection(family), Kind: catalog.KindText}
			}

			v, ok, warn := Value(spec.Kind, raw)
			if warn != "" {
				res.Warnings = append(res.Warnings, Warning{Field: name, Message: warn})
			}
			if !ok {
				continue
			}
			sec := res.Sections[spec.Section]
			if sec == nil {
				sec = make(Fields)
				res.Sections[spec.Section] = sec
			}
			sec[name] = v
		}
	}
	return res
}

// Value parses raw as kind. ok is false when the cell is empty or does not
// parse; warn is set for values that were accepted with a substitution.
func Value(kind catalog.Kind, raw string) (v any, ok bool, warn string) {
	s := CollapseSpace(raw)
	if s == "" {
		return nil, false, ""
	}

	switch kind {
	case catalog.KindUpper:
		return strings.ToUpper(s), true, ""

	case catalog.KindInt:
		d, err := ParseDecimal(s)
		if err != nil {
			return nil, false, ""
		}
		return d.IntPart(), true, ""

	case catalog.KindDecimal:
		d, err := ParseDecimal(s)
		if err != nil {
			return nil, false, ""
		}
		return d, true, ""

	case catalog.KindBool:
		b, recognized := ParseBool(s)
		if !recognized {
			return false, true, fmt.Sprintf("Invalid boolean value %q, defaulting to false", s)
		}
		return b, true, ""

	case catalog.KindList:
		items := SplitList(s)
		if len(items) == 0 {
			return nil, false, ""
		}
		return items, true, ""

	default:
		return s, true, ""
	}
}

// CollapseSpace trims s and replaces internal whitespace runs with one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	truthy = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "✓": true}
	falsy  = map[string]bool{"false": true, "0": true, "no": true, "n": true, "x": true, "": true}
)

// ParseBool reports the boolean value of s and whether s was a recognized token.
func ParseBool(s string) (value, recognized bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case truthy[s]:
		return true, true
	case falsy[s]:
		return false, true
	default:
		return false, false
	}
}

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// ParseDecimal parses a number written with optional currency symbols,
// thousands separators or accounting parentheses for negatives.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	return decimal.NewFromString(s)
}

// SplitList splits s on ';' and ',' and drops empty items.
func SplitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = CollapseSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
