package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
)

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func nullNumeric(d decimal.NullDecimal) pgtype.Numeric {
	if !d.Valid {
		return pgtype.Numeric{}
	}
	return numeric(d.Decimal)
}

// arg converts a catalog value into a bind parameter.
func arg(v any) any {
	switch x := v.(type) {
	case decimal.Decimal:
		return numeric(x)
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return numeric(*x)
	case int:
		return int64(x)
	}
	return v
}

func scanTarget(c catalog.Column) any {
	switch c.Kind {
	case catalog.KindInt, catalog.KindID:
		return new(pgtype.Int8)
	case catalog.KindDecimal:
		return new(pgtype.Numeric)
	case catalog.KindBool:
		return new(pgtype.Bool)
	default:
		return new(pgtype.Text)
	}
}

func fromTarget(dst any) any {
	switch x := dst.(type) {
	case *pgtype.Int8:
		if x.Valid {
			return x.Int64
		}
	case *pgtype.Numeric:
		if x.Valid && !x.NaN && x.InfinityModifier == pgtype.Finite {
			return decimal.NewFromBigInt(x.Int, x.Exp)
		}
	case *pgtype.Bool:
		if x.Valid {
			return x.Bool
		}
	case *pgtype.Text:
		if x.Valid {
			return x.String
		}
	}
	return nil
}

func decimalFrom(n pgtype.Numeric) decimal.NullDecimal {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromBigInt(n.Int, n.Exp), Valid: true}
}

// columnArgs lists the columns of t present in v, in declaration order,
// with their bind parameters.
func columnArgs(t catalog.Table, v catalog.Values) ([]string, []any) {
	var cols []string
	var args []any
	for _, c := range t.Columns {
		x, ok := v[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		args = append(args, arg(x))
	}
	return cols, args
}

func columnList(t catalog.Table) string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = ident(c.Name)
	}
	return strings.Join(names, ", ")
}

func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

// assignments renders "col = $n" pairs starting at placeholder from.
func assignments(cols []string, from int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", ident(c), from+i)
	}
	return strings.Join(parts, ", ")
}

func isText(c catalog.Column) bool {
	return c.Kind == catalog.KindText || c.Kind == catalog.KindUpper
}
