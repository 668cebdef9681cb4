package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/catalogimport/internal/store"
)

func (q *Queries) InsertRowShells(ctx context.Context, rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := q.db.CopyFrom(ctx,
		pgx.Identifier{"import_rows"},
		[]string{"batch_id", "row_number", "raw"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			raw := rows[i].Raw
			if raw == nil {
				raw = map[string]string{}
			}
			return []any{rows[i].BatchID, rows[i].RowNumber, raw}, nil
		}),
	)
	return classify(err, "insert row shells")
}

// outcomeArgs flattens the per-entity outcomes in column order.
func outcomeArgs(r *store.Row) []any {
	var args []any
	for _, o := range []store.Outcome{r.Machine, r.Engine, r.Part, r.Vendor, r.BuildList, r.Kit} {
		args = append(args, o.ID, o.Created, o.Updated)
	}
	return args
}

func (q *Queries) SaveRow(ctx context.Context, r *store.Row) error {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	args := []any{r.BatchID, r.RowNumber, r.Normalized}
	args = append(args, outcomeArgs(r)...)
	args = append(args,
		r.Links.MachineEngine, r.Links.EnginePart, r.Links.MachinePart, r.Links.PartVendor,
		r.Links.EngineVendor, r.Links.BuildListItem, r.Links.KitItem,
		r.DuplicateSkipped, r.DuplicateUpdated, r.Processed, r.HasErrors, errs, r.DurationMS,
	)
	tag, err := q.db.Exec(ctx, `
		UPDATE import_rows SET
			normalized = $3,
			machine_id = $4, machine_created = $5, machine_updated = $6,
			engine_id = $7, engine_created = $8, engine_updated = $9,
			part_id = $10, part_created = $11, part_updated = $12,
			vendor_id = $13, vendor_created = $14, vendor_updated = $15,
			build_list_id = $16, build_list_created = $17, build_list_updated = $18,
			kit_id = $19, kit_created = $20, kit_updated = $21,
			link_machine_engine = $22, link_engine_part = $23, link_machine_part = $24,
			link_part_vendor = $25, link_engine_vendor = $26, link_build_list_item = $27,
			link_kit_item = $28,
			duplicate_skipped = $29, duplicate_updated = $30,
			processed = $31, has_errors = $32, errors = $33, duration_ms = $34
		WHERE batch_id = $1 AND row_number = $2`,
		args...,
	)
	if err != nil {
		return classify(err, "save row %d", r.RowNumber)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "batch %s row %d", r.BatchID, r.RowNumber)
	}
	return nil
}

func (q *Queries) MarkRowFailed(ctx context.Context, batchID uuid.UUID, rowNumber int, errs []string, durationMS int64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_rows
		SET processed = true, has_errors = true, errors = errors || $3::text[], duration_ms = $4
		WHERE batch_id = $1 AND row_number = $2`,
		batchID, rowNumber, errs, durationMS,
	)
	if err != nil {
		return classify(err, "mark row %d failed", rowNumber)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "batch %s row %d", batchID, rowNumber)
	}
	return nil
}

const rowColumns = `batch_id, row_number, raw, normalized,
	machine_id, machine_created, machine_updated, engine_id, engine_created, engine_updated,
	part_id, part_created, part_updated, vendor_id, vendor_created, vendor_updated,
	build_list_id, build_list_created, build_list_updated, kit_id, kit_created, kit_updated,
	link_machine_engine, link_engine_part, link_machine_part, link_part_vendor,
	link_engine_vendor, link_build_list_item, link_kit_item,
	duplicate_skipped, duplicate_updated, processed, has_errors, errors, duration_ms`

func scanRow(rows pgx.Rows) (store.Row, error) {
	var r store.Row
	dst := []any{&r.BatchID, &r.RowNumber, &r.Raw, &r.Normalized}
	for _, o := range []*store.Outcome{&r.Machine, &r.Engine, &r.Part, &r.Vendor, &r.BuildList, &r.Kit} {
		dst = append(dst, &o.ID, &o.Created, &o.Updated)
	}
	dst = append(dst,
		&r.Links.MachineEngine, &r.Links.EnginePart, &r.Links.MachinePart, &r.Links.PartVendor,
		&r.Links.EngineVendor, &r.Links.BuildListItem, &r.Links.KitItem,
		&r.DuplicateSkipped, &r.DuplicateUpdated, &r.Processed, &r.HasErrors, &r.Errors, &r.DurationMS,
	)
	err := rows.Scan(dst...)
	return r, err
}

func (q *Queries) ListRows(ctx context.Context, batchID uuid.UUID, f store.RowFilter) ([]store.Row, error) {
	conds := []string{"batch_id = $1"}
	args := []any{batchID}
	flag := func(column string, v *bool) {
		if v == nil {
			return
		}
		args = append(args, *v)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	flag("has_errors", f.HasErrors)
	flag("machine_created", f.MachineCreated)
	flag("engine_created", f.EngineCreated)
	flag("part_created", f.PartCreated)
	flag("vendor_created", f.VendorCreated)

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM import_rows WHERE %s ORDER BY row_number LIMIT NULLIF($%d::int, 0) OFFSET $%d",
		rowColumns, strings.Join(conds, " AND "), len(args)-1, len(args),
	)

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list rows %s", batchID)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		out = append(out, r)
	}
	return out, classify(rows.Err(), "list rows %s", batchID)
}

func (q *Queries) RowStats(ctx context.Context, batchID uuid.UUID) (store.RowStats, error) {
	var s store.RowStats
	err := q.db.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE processed),
			count(*) FILTER (WHERE has_errors),
			count(*) FILTER (WHERE machine_created),
			count(*) FILTER (WHERE machine_updated),
			count(*) FILTER (WHERE engine_created),
			count(*) FILTER (WHERE engine_updated),
			count(*) FILTER (WHERE part_created),
			count(*) FILTER (WHERE part_updated),
			count(*) FILTER (WHERE vendor_created),
			count(*) FILTER (WHERE duplicate_skipped),
			count(*) FILTER (WHERE duplicate_updated)
		FROM import_rows WHERE batch_id = $1`,
		batchID,
	).Scan(
		&s.Total, &s.Processed, &s.Errors, &s.MachinesCreated, &s.MachinesUpdated,
		&s.EnginesCreated, &s.EnginesUpdated, &s.PartsCreated, &s.PartsUpdated,
		&s.VendorsCreated, &s.DuplicatesSkipped, &s.DuplicatesUpdated,
	)
	if err != nil {
		return store.RowStats{}, classify(err, "row stats %s", batchID)
	}
	return s, nil
}

func createdIDs(column string) string {
	return fmt.Sprintf("coalesce(array_agg(DISTINCT %[1]s_id ORDER BY %[1]s_id) FILTER (WHERE %[1]s_created), '{}')", column)
}

func (q *Queries) CreatedIDs(ctx context.Context, batchID uuid.UUID) (store.CreatedSet, error) {
	var c store.CreatedSet
	query := fmt.Sprintf(`
		SELECT %s, %s, %s, %s, %s, %s,
			count(*) FILTER (WHERE link_machine_engine),
			count(*) FILTER (WHERE link_engine_part),
			count(*) FILTER (WHERE link_machine_part),
			count(*) FILTER (WHERE link_part_vendor)
		FROM import_rows WHERE batch_id = $1`,
		createdIDs("machine"), createdIDs("engine"), createdIDs("part"),
		createdIDs("vendor"), createdIDs("build_list"), createdIDs("kit"),
	)
	err := q.db.QueryRow(ctx, query, batchID).Scan(
		&c.Machines, &c.Engines, &c.Parts, &c.Vendors, &c.BuildLists, &c.Kits,
		&c.Links.MachineEngine, &c.Links.EnginePart, &c.Links.MachinePart, &c.Links.PartVendor,
	)
	if err != nil {
		return store.CreatedSet{}, classify(err, "created ids %s", batchID)
	}
	return c, nil
}

func (q *Queries) VendorReferencedByOtherBatch(ctx context.Context, vendorID int64, batchID uuid.UUID) (bool, error) {
	var found bool
	err := q.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM import_rows WHERE vendor_id = $1 AND batch_id <> $2)",
		vendorID, batchID,
	).Scan(&found)
	if err != nil {
		return false, classify(err, "vendor %d references", vendorID)
	}
	return found, nil
}
