package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// where renders match as a WHERE clause. A nil value matches NULL.
func where(t catalog.Table, match []store.Match, args []any) (string, []any, error) {
	conds := make([]string, 0, len(match))
	for _, m := range match {
		col, ok := t.Column(m.Column)
		if !ok {
			return "", nil, fmt.Errorf("%s: unknown column %q", t.Key, m.Column)
		}
		if m.Value == nil {
			conds = append(conds, ident(col.Name)+" IS NULL")
			continue
		}
		args = append(args, arg(m.Value))
		p := fmt.Sprintf("$%d", len(args))
		if m.Fold && isText(col) {
			conds = append(conds, fmt.Sprintf("lower(%s) = lower(%s)", ident(col.Name), p))
		} else {
			conds = append(conds, fmt.Sprintf("%s = %s", ident(col.Name), p))
		}
	}
	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (q *Queries) selectValues(ctx context.Context, t catalog.Table, tail string, args ...any) ([]catalog.Values, error) {
	query := "SELECT " + columnList(t) + " FROM " + ident(t.Key) + tail
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "select %s", t.Key)
	}
	defer rows.Close()

	var out []catalog.Values
	for rows.Next() {
		dst := make([]any, len(t.Columns))
		for i, c := range t.Columns {
			dst[i] = scanTarget(c)
		}
		if err := rows.Scan(dst...); err != nil {
			return nil, errors.Wrapf(err, "scan %s", t.Key)
		}
		v := make(catalog.Values, len(dst))
		for i, c := range t.Columns {
			v[c.Name] = fromTarget(dst[i])
		}
		out = append(out, v)
	}
	return out, classify(rows.Err(), "select %s", t.Key)
}

func (q *Queries) FindIDs(ctx context.Context, table string, match []store.Match) ([]int64, error) {
	t, err := store.EntityTable(table)
	if err != nil {
		return nil, err
	}
	cond, args, err := where(t, match, nil)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.Query(ctx, "SELECT id FROM "+ident(t.Key)+cond+" ORDER BY id", args...)
	if err != nil {
		return nil, classify(err, "find %s", table)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, classify(err, "find %s", table)
	}
	return ids, nil
}

func (q *Queries) GetEntity(ctx context.Context, table string, id int64) (catalog.Values, error) {
	t, err := store.EntityTable(table)
	if err != nil {
		return nil, err
	}
	vals, err := q.selectValues(ctx, t, " WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "%s %d", table, id)
	}
	return vals[0], nil
}

func (q *Queries) InsertEntity(ctx context.Context, table string, v catalog.Values) (int64, error) {
	t, err := store.EntityTable(table)
	if err != nil {
		return 0, err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return 0, err
	}

	cols, args := columnArgs(t, v)
	query := "INSERT INTO " + ident(t.Key) + " DEFAULT VALUES RETURNING id"
	if len(cols) > 0 {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = ident(c)
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
			ident(t.Key), strings.Join(quoted, ", "), placeholders(1, len(cols)))
	}

	var id int64
	err = q.savepoint(ctx, func(db DBTX) error {
		return db.QueryRow(ctx, query, args...).Scan(&id)
	})
	if err != nil {
		return 0, classify(err, "insert %s", table)
	}
	return id, nil
}

func (q *Queries) UpdateEntity(ctx context.Context, table string, id int64, v catalog.Values) error {
	t, err := store.EntityTable(table)
	if err != nil {
		return err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return err
	}

	cols, args := columnArgs(t, v)
	set := "updated_at = now()"
	if len(cols) > 0 {
		set = assignments(cols, 1) + ", " + set
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", ident(t.Key), set, len(args))

	var affected int64
	err = q.savepoint(ctx, func(db DBTX) error {
		tag, err := db.Exec(ctx, query, args...)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return classify(err, "update %s %d", table, id)
	}
	if affected == 0 {
		return errors.Wrapf(store.ErrNotFound, "%s %d", table, id)
	}
	return nil
}

func (q *Queries) DeleteByIDs(ctx context.Context, table string, ids []int64) (int, error) {
	t, err := store.EntityTable(table)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, "DELETE FROM "+ident(t.Key)+" WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, classify(err, "delete %s", table)
	}
	return int(tag.RowsAffected()), nil
}

func (q *Queries) CountModifiedAfter(ctx context.Context, table string, ids []int64, after time.Time) (int, error) {
	t, err := store.EntityTable(table)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	err = q.db.QueryRow(ctx,
		"SELECT count(*) FROM "+ident(t.Key)+" WHERE id = ANY($1) AND updated_at > $2",
		ids, after,
	).Scan(&n)
	if err != nil {
		return 0, classify(err, "count modified %s", table)
	}
	return n, nil
}

// keyWhere renders the association key condition starting at placeholder from.
func keyWhere(t catalog.Table, from int) string {
	conds := make([]string, len(t.LinkKeys))
	for i, c := range t.LinkKeys {
		conds[i] = fmt.Sprintf("%s = $%d", ident(c), from+i)
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func keyArgs(keys []int64) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}

func (q *Queries) EnsureLink(ctx context.Context, table string, keys []int64, v catalog.Values) (bool, error) {
	t, err := store.LinkTable(table)
	if err != nil {
		return false, err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return false, err
	}
	keys, err = store.OrderLinkKeys(t, keys)
	if err != nil {
		return false, err
	}

	vals := make(catalog.Values, len(v)+len(keys))
	for k, x := range v {
		vals[k] = x
	}
	for i, col := range t.LinkKeys {
		vals[col] = keys[i]
	}
	cols, args := columnArgs(t, vals)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		ident(t.Key), strings.Join(quoted, ", "), placeholders(1, len(cols)))

	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return false, classify(err, "link %s", table)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *Queries) UpdateLink(ctx context.Context, table string, keys []int64, v catalog.Values) error {
	t, err := store.LinkTable(table)
	if err != nil {
		return err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return err
	}
	keys, err = store.OrderLinkKeys(t, keys)
	if err != nil {
		return err
	}

	set := make(catalog.Values, len(v))
	for k, x := range v {
		if !slices.Contains(t.LinkKeys, k) {
			set[k] = x
		}
	}
	if len(set) == 0 {
		_, err := q.GetLink(ctx, table, keys)
		return err
	}

	cols, args := columnArgs(t, set)
	query := fmt.Sprintf("UPDATE %s SET %s%s", ident(t.Key), assignments(cols, 1), keyWhere(t, len(cols)+1))
	tag, err := q.db.Exec(ctx, query, append(args, keyArgs(keys)...)...)
	if err != nil {
		return classify(err, "update %s", table)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "%s %v", table, keys)
	}
	return nil
}

func (q *Queries) GetLink(ctx context.Context, table string, keys []int64) (catalog.Values, error) {
	t, err := store.LinkTable(table)
	if err != nil {
		return nil, err
	}
	keys, err = store.OrderLinkKeys(t, keys)
	if err != nil {
		return nil, err
	}
	vals, err := q.selectValues(ctx, t, keyWhere(t, 1), keyArgs(keys)...)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "%s %v", table, keys)
	}
	return vals[0], nil
}

func (q *Queries) ListLinks(ctx context.Context, table, column string, id int64) ([]catalog.Values, error) {
	t, err := store.LinkTable(table)
	if err != nil {
		return nil, err
	}
	if _, ok := t.Column(column); !ok {
		return nil, fmt.Errorf("%s: unknown column %q", table, column)
	}
	order := make([]string, len(t.LinkKeys))
	for i, c := range t.LinkKeys {
		order[i] = ident(c)
	}
	tail := fmt.Sprintf(" WHERE %s = $1 ORDER BY %s", ident(column), strings.Join(order, ", "))
	return q.selectValues(ctx, t, tail, id)
}

func (q *Queries) GetAttribute(ctx context.Context, id int64) (store.Attribute, error) {
	var a store.Attribute
	err := q.db.QueryRow(ctx,
		`SELECT id, coalesce(category_id, 0), name, data_type FROM part_attributes WHERE id = $1`, id,
	).Scan(&a.ID, &a.CategoryID, &a.Name, &a.DataType)
	if err != nil {
		return store.Attribute{}, classify(err, "attribute %d", id)
	}
	return a, nil
}

func (q *Queries) AttributeChoices(ctx context.Context, attributeID int64) ([]store.Choice, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, value, label FROM part_attribute_choices WHERE attribute_id = $1 ORDER BY sort_order, id`,
		attributeID,
	)
	if err != nil {
		return nil, classify(err, "attribute %d choices", attributeID)
	}
	choices, err := pgx.CollectRows(rows, pgx.RowToStructByPos[store.Choice])
	if err != nil {
		return nil, classify(err, "attribute %d choices", attributeID)
	}
	return choices, nil
}

func (q *Queries) UpsertAttributeValue(ctx context.Context, partID, attributeID int64, v store.AttributeValue) error {
	var date pgtype.Date
	if v.Date != nil {
		date = pgtype.Date{Time: *v.Date, Valid: true}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO part_attribute_values
			(part_id, attribute_id, value_text, value_int, value_dec, value_bool, value_date, choice_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (part_id, attribute_id) DO UPDATE SET
			value_text = EXCLUDED.value_text,
			value_int  = EXCLUDED.value_int,
			value_dec  = EXCLUDED.value_dec,
			value_bool = EXCLUDED.value_bool,
			value_date = EXCLUDED.value_date,
			choice_id  = EXCLUDED.choice_id`,
		partID, attributeID, v.Text, v.Int, nullNumeric(v.Dec), v.Bool, date, v.ChoiceID,
	)
	return classify(err, "part %d attribute %d", partID, attributeID)
}
