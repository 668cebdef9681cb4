package postgres

import (
	"bytes"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/catalogimport/internal/store"
)

const batchColumns = `id, file_name, file_path, file_kind, file_size, encoding, delimiter, worksheet,
	headers, total_rows, mapping_id, chunk_size, skip_duplicates, update_existing, status, progress,
	processed_rows, success_rows, error_rows, error_message, cancel_requested,
	created_at, updated_at, started_at, completed_at, reverted_at`

func scanBatch(row pgx.Row) (store.Batch, error) {
	var b store.Batch
	var status string
	err := row.Scan(
		&b.ID, &b.FileName, &b.FilePath, &b.FileKind, &b.FileSize, &b.Encoding, &b.Delimiter, &b.Worksheet,
		&b.Headers, &b.TotalRows, &b.MappingID, &b.ChunkSize, &b.SkipDuplicates, &b.UpdateExisting,
		&status, &b.Progress, &b.ProcessedRows, &b.SuccessRows, &b.ErrorRows, &b.ErrorMessage,
		&b.CancelRequested, &b.CreatedAt, &b.UpdatedAt, &b.StartedAt, &b.CompletedAt, &b.RevertedAt,
	)
	b.Status = store.BatchStatus(status)
	return b, err
}

func statusArgs(statuses []store.BatchStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (q *Queries) CreateBatch(ctx context.Context, b *store.Batch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Status == "" {
		b.Status = store.StatusUploaded
	}
	if b.Headers == nil {
		b.Headers = []string{}
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO import_batches (id, file_name, file_path, file_kind, file_size, encoding, delimiter,
			worksheet, headers, total_rows, chunk_size, skip_duplicates, update_existing, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		b.ID, b.FileName, b.FilePath, b.FileKind, b.FileSize, b.Encoding, b.Delimiter,
		b.Worksheet, b.Headers, b.TotalRows, b.ChunkSize, b.SkipDuplicates, b.UpdateExisting, string(b.Status),
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	return classify(err, "create batch")
}

func (q *Queries) GetBatch(ctx context.Context, id uuid.UUID) (store.Batch, error) {
	b, err := scanBatch(q.db.QueryRow(ctx, "SELECT "+batchColumns+" FROM import_batches WHERE id = $1", id))
	if err != nil {
		return store.Batch{}, classify(err, "batch %s", id)
	}
	return b, nil
}

func (q *Queries) ListBatches(ctx context.Context, limit int) ([]store.Batch, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+batchColumns+" FROM import_batches ORDER BY created_at DESC, id LIMIT NULLIF($1::int, 0)",
		limit,
	)
	if err != nil {
		return nil, classify(err, "list batches")
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan batch")
		}
		out = append(out, b)
	}
	return out, classify(rows.Err(), "list batches")
}

// conditional interprets the result of a guarded UPDATE: false when the
// batch exists but the guard did not hold.
func (q *Queries) conditional(ctx context.Context, id uuid.UUID, affected int64) (bool, error) {
	if affected > 0 {
		return true, nil
	}
	var exists bool
	if err := q.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM import_batches WHERE id = $1)", id).Scan(&exists); err != nil {
		return false, classify(err, "batch %s", id)
	}
	if !exists {
		return false, errors.Wrapf(store.ErrNotFound, "batch %s", id)
	}
	return false, nil
}

func (q *Queries) AttachMapping(ctx context.Context, id, mappingID uuid.UUID, chunkSize int, skip, update bool) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_batches
		SET mapping_id = $2, chunk_size = $3, skip_duplicates = $4, update_existing = $5,
			status = 'mapped', updated_at = now()
		WHERE id = $1 AND status IN ('uploaded', 'mapped')`,
		id, mappingID, chunkSize, skip, update,
	)
	if err != nil {
		return false, classify(err, "attach mapping %s to batch %s", mappingID, id)
	}
	return q.conditional(ctx, id, tag.RowsAffected())
}

func (q *Queries) TransitionBatch(ctx context.Context, id uuid.UUID, from []store.BatchStatus, to store.BatchStatus) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_batches
		SET status = $2, updated_at = now(),
			started_at = CASE WHEN $2 = 'processing' THEN now() ELSE started_at END
		WHERE id = $1 AND status = ANY($3)`,
		id, string(to), statusArgs(from),
	)
	if err != nil {
		return false, classify(err, "transition batch %s", id)
	}
	return q.conditional(ctx, id, tag.RowsAffected())
}

func (q *Queries) RecordProgress(ctx context.Context, id uuid.UUID, p store.Progress) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_batches
		SET progress = $2, processed_rows = $3, success_rows = $4, error_rows = $5, updated_at = now()
		WHERE id = $1`,
		id, p.Percent, p.Processed, p.Success, p.Errors,
	)
	if err != nil {
		return classify(err, "record progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "batch %s", id)
	}
	return nil
}

func (q *Queries) FinishBatch(ctx context.Context, id uuid.UUID, status store.BatchStatus, p store.Progress, message string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_batches
		SET status = $2, progress = $3, processed_rows = $4, success_rows = $5, error_rows = $6,
			error_message = $7, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		id, string(status), p.Percent, p.Processed, p.Success, p.Errors, message,
	)
	if err != nil {
		return classify(err, "finish batch %s", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "batch %s", id)
	}
	return nil
}

func (q *Queries) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_batches SET cancel_requested = true, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'processing')`,
		id,
	)
	if err != nil {
		return false, classify(err, "cancel batch %s", id)
	}
	return q.conditional(ctx, id, tag.RowsAffected())
}

func (q *Queries) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := q.db.QueryRow(ctx, "SELECT cancel_requested FROM import_batches WHERE id = $1", id).Scan(&requested)
	if err != nil {
		return false, classify(err, "batch %s", id)
	}
	return requested, nil
}

func (q *Queries) MarkReverted(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE import_batches SET status = 'reverted', reverted_at = now(), updated_at = now()
		WHERE id = $1 AND status = ANY($2)`,
		id, statusArgs(store.RevertableStatuses),
	)
	if err != nil {
		return false, classify(err, "revert batch %s", id)
	}
	return q.conditional(ctx, id, tag.RowsAffected())
}

func (q *Queries) FailStaleBatches(ctx context.Context, before time.Time, message string) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE import_batches
		SET status = 'failed', error_message = $2, completed_at = now(), updated_at = now()
		WHERE status IN ('queued', 'processing') AND updated_at < $1
		RETURNING id`,
		before, message,
	)
	if err != nil {
		return nil, classify(err, "fail stale batches")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, classify(err, "fail stale batches")
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids, nil
}

const mappingColumns = `id, name, temporary, machine_fields, engine_fields, part_fields, vendor_fields,
	build_fields, attribute_fields, chunk_size, skip_duplicates, update_existing, created_at`

func scanMapping(row pgx.Row) (store.Mapping, error) {
	var m store.Mapping
	err := row.Scan(
		&m.ID, &m.Name, &m.Temporary, &m.Machine, &m.Engine, &m.Part, &m.Vendor,
		&m.Build, &m.Attributes, &m.ChunkSize, &m.SkipDuplicates, &m.UpdateExisting, &m.CreatedAt,
	)
	return m, err
}

func nonNil[K comparable](m map[K]string) map[K]string {
	if m == nil {
		return map[K]string{}
	}
	return m
}

func (q *Queries) CreateMapping(ctx context.Context, m *store.Mapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO import_mappings (id, name, temporary, machine_fields, engine_fields, part_fields,
			vendor_fields, build_fields, attribute_fields, chunk_size, skip_duplicates, update_existing)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at`,
		m.ID, m.Name, m.Temporary, nonNil(m.Machine), nonNil(m.Engine), nonNil(m.Part),
		nonNil(m.Vendor), nonNil(m.Build), nonNil(m.Attributes), m.ChunkSize, m.SkipDuplicates, m.UpdateExisting,
	).Scan(&m.CreatedAt)
	return classify(err, "create mapping %q", m.Name)
}

func (q *Queries) GetMapping(ctx context.Context, id uuid.UUID) (store.Mapping, error) {
	m, err := scanMapping(q.db.QueryRow(ctx, "SELECT "+mappingColumns+" FROM import_mappings WHERE id = $1", id))
	if err != nil {
		return store.Mapping{}, classify(err, "mapping %s", id)
	}
	return m, nil
}

func (q *Queries) ListMappings(ctx context.Context, includeTemporary bool) ([]store.Mapping, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+mappingColumns+" FROM import_mappings WHERE $1 OR NOT temporary ORDER BY name, created_at",
		includeTemporary,
	)
	if err != nil {
		return nil, classify(err, "list mappings")
	}
	defer rows.Close()

	var out []store.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan mapping")
		}
		out = append(out, m)
	}
	return out, classify(rows.Err(), "list mappings")
}

func (q *Queries) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, "DELETE FROM import_mappings WHERE id = $1", id)
	if err != nil {
		return classify(err, "delete mapping %s", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(store.ErrNotFound, "mapping %s", id)
	}
	return nil
}

func (q *Queries) AppendLog(ctx context.Context, e store.LogEntry) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO import_logs (batch_id, level, message, row_number) VALUES ($1, $2, $3, $4)",
		e.BatchID, e.Level, e.Message, e.RowNumber,
	)
	return classify(err, "append log %s", e.BatchID)
}

func (q *Queries) ListLogs(ctx context.Context, batchID uuid.UUID, level string, limit int) ([]store.LogEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, batch_id, level, message, row_number, created_at
		FROM import_logs
		WHERE batch_id = $1 AND ($2 = '' OR level = $2)
		ORDER BY id DESC
		LIMIT NULLIF($3::int, 0)`,
		batchID, level, limit,
	)
	if err != nil {
		return nil, classify(err, "list logs %s", batchID)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var e store.LogEntry
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Level, &e.Message, &e.RowNumber, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan log")
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "list logs %s", batchID)
}
