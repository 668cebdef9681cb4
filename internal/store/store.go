package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
)

// Catalog is the generic entity and association surface. Table names are
// catalog registry keys; column names come from the registered tables.
type Catalog interface {
	// FindIDs returns ids of rows matching every condition, ascending.
	FindIDs(ctx context.Context, table string, match []Match) ([]int64, error)
	GetEntity(ctx context.Context, table string, id int64) (catalog.Values, error)
	// InsertEntity returns ErrDuplicate when a unique key is violated. The
	// failed insert does not poison an enclosing transaction.
	InsertEntity(ctx context.Context, table string, v catalog.Values) (int64, error)
	UpdateEntity(ctx context.Context, table string, id int64, v catalog.Values) error
	DeleteByIDs(ctx context.Context, table string, ids []int64) (int, error)
	// CountModifiedAfter counts rows among ids whose updated_at is after t.
	CountModifiedAfter(ctx context.Context, table string, ids []int64, t time.Time) (int, error)

	// EnsureLink creates the association identified by keys (in LinkKeys
	// order) unless it exists. Symmetric tables store the smaller id first.
	EnsureLink(ctx context.Context, table string, keys []int64, v catalog.Values) (created bool, err error)
	UpdateLink(ctx context.Context, table string, keys []int64, v catalog.Values) error
	GetLink(ctx context.Context, table string, keys []int64) (catalog.Values, error)
	// ListLinks returns the association rows whose column equals id.
	ListLinks(ctx context.Context, table, column string, id int64) ([]catalog.Values, error)

	GetAttribute(ctx context.Context, id int64) (Attribute, error)
	AttributeChoices(ctx context.Context, attributeID int64) ([]Choice, error)
	UpsertAttributeValue(ctx context.Context, partID, attributeID int64, v AttributeValue) error
}

// Batches persists batch lifecycle state. Each method writes only the
// columns it names so a concurrent cancel request is never overwritten.
type Batches interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (Batch, error)
	ListBatches(ctx context.Context, limit int) ([]Batch, error)

	// AttachMapping moves an uploaded or mapped batch to mapped.
	AttachMapping(ctx context.Context, id, mappingID uuid.UUID, chunkSize int, skip, update bool) (bool, error)
	// TransitionBatch sets status to `to` only when the current status is
	// one of from.
	TransitionBatch(ctx context.Context, id uuid.UUID, from []BatchStatus, to BatchStatus) (bool, error)
	RecordProgress(ctx context.Context, id uuid.UUID, p Progress) error
	FinishBatch(ctx context.Context, id uuid.UUID, status BatchStatus, p Progress, message string) error
	// RequestCancel sets the cancel flag while the batch is queued or
	// processing.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	// IsCancelRequested reads the flag straight from storage.
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkReverted moves the batch to reverted when it is in one of
	// RevertableStatuses and reports whether it did.
	MarkReverted(ctx context.Context, id uuid.UUID) (bool, error)
	// FailStaleBatches fails queued or processing batches not updated since
	// before and returns their ids.
	FailStaleBatches(ctx context.Context, before time.Time, message string) ([]uuid.UUID, error)
}

// Rows persists per-row outcomes.
type Rows interface {
	InsertRowShells(ctx context.Context, rows []Row) error
	SaveRow(ctx context.Context, r *Row) error
	MarkRowFailed(ctx context.Context, batchID uuid.UUID, rowNumber int, errs []string, durationMS int64) error
	ListRows(ctx context.Context, batchID uuid.UUID, f RowFilter) ([]Row, error)
	RowStats(ctx context.Context, batchID uuid.UUID) (RowStats, error)
	CreatedIDs(ctx context.Context, batchID uuid.UUID) (CreatedSet, error)
	VendorReferencedByOtherBatch(ctx context.Context, vendorID int64, batchID uuid.UUID) (bool, error)
}

// Logs persists user-facing batch log entries.
type Logs interface {
	AppendLog(ctx context.Context, e LogEntry) error
	// ListLogs returns newest entries first. An empty level lists all.
	ListLogs(ctx context.Context, batchID uuid.UUID, level string, limit int) ([]LogEntry, error)
}

// Mappings persists mapping configurations.
type Mappings interface {
	CreateMapping(ctx context.Context, m *Mapping) error
	GetMapping(ctx context.Context, id uuid.UUID) (Mapping, error)
	ListMappings(ctx context.Context, includeTemporary bool) ([]Mapping, error)
	DeleteMapping(ctx context.Context, id uuid.UUID) error
}

// Queries is everything that can run inside or outside a transaction.
type Queries interface {
	Catalog
	Batches
	Rows
	Logs
	Mappings
}

// Store is a Queries backed by a connection that can open transactions.
type Store interface {
	Queries
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close()
}
