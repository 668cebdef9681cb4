// Package store defines the persistence surface of the importer: batches,
// mapping configurations, row outcomes, batch log entries, and the generic
// catalog operations the resolvers use (find by key, insert, update, link).
//
// Two implementations exist: postgres (pgx) for production and memstore for
// tests and dry runs. Both enforce the unique keys declared in package
// catalog and report violations as ErrDuplicate.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
	ErrSelfLink  = errors.New("association references itself")
)

// BatchStatus is the lifecycle state of an import batch.
type BatchStatus string

const (
	StatusUploaded   BatchStatus = "uploaded"
	StatusMapped     BatchStatus = "mapped"
	StatusQueued     BatchStatus = "queued"
	StatusProcessing BatchStatus = "processing"
	StatusCompleted  BatchStatus = "completed"
	StatusFailed     BatchStatus = "failed"
	StatusCancelled  BatchStatus = "cancelled"
	StatusReverted   BatchStatus = "reverted"
)

// Terminal reports whether processing has finished.
func (s BatchStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusReverted:
		return true
	}
	return false
}

// RevertableStatuses are the statuses a batch may be reverted from.
var RevertableStatuses = []BatchStatus{StatusCompleted, StatusFailed, StatusCancelled}

// Batch is one file-upload-to-completion unit.
type Batch struct {
	ID        uuid.UUID `json:"id"`
	FileName  string    `json:"file_name"`
	FilePath  string    `json:"-"`
	FileKind  string    `json:"file_kind"`
	FileSize  int64     `json:"file_size"`
	Encoding  string    `json:"encoding"`
	Delimiter string    `json:"delimiter"`
	Worksheet string    `json:"worksheet,omitempty"`
	Headers   []string  `json:"headers"`
	TotalRows int       `json:"total_rows"`

	MappingID      uuid.NullUUID `json:"mapping_id"`
	ChunkSize      int           `json:"chunk_size"`
	SkipDuplicates bool          `json:"skip_duplicates"`
	UpdateExisting bool          `json:"update_existing"`

	Status          BatchStatus `json:"status"`
	Progress        int         `json:"progress_percentage"`
	ProcessedRows   int         `json:"processed_rows"`
	SuccessRows     int         `json:"success_rows"`
	ErrorRows       int         `json:"error_rows"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RevertedAt  *time.Time `json:"reverted_at,omitempty"`
}

// Progress is the running tally persisted after each chunk.
type Progress struct {
	Percent   int `json:"percent"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Errors    int `json:"errors"`
}

// Mapping is a saved or temporary mapping configuration.
type Mapping struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Temporary bool      `json:"temporary"`

	Machine map[string]string `json:"machine"`
	Engine  map[string]string `json:"engine"`
	Part    map[string]string `json:"part"`
	Vendor  map[string]string `json:"vendor"`
	Build   map[string]string `json:"build"`

	// Attributes maps part attribute ids to source headers.
	Attributes map[int64]string `json:"attributes"`

	ChunkSize      int  `json:"chunk_size"`
	SkipDuplicates bool `json:"skip_duplicates"`
	UpdateExisting bool `json:"update_existing"`

	CreatedAt time.Time `json:"created_at"`
}

// Outcome is what happened to one entity kind on one row.
type Outcome struct {
	ID      *int64 `json:"id,omitempty"`
	Created bool   `json:"created"`
	Updated bool   `json:"updated"`
}

// Set records the id and result of a resolution.
func (o *Outcome) Set(id int64, created, updated bool) {
	o.ID = &id
	o.Created = created
	o.Updated = updated
}

// LinkFlags records which associations a row created.
type LinkFlags struct {
	MachineEngine bool `json:"machine_engine"`
	EnginePart    bool `json:"engine_part"`
	MachinePart   bool `json:"machine_part"`
	PartVendor    bool `json:"part_vendor"`
	EngineVendor  bool `json:"engine_vendor"`
	BuildListItem bool `json:"build_list_item"`
	KitItem       bool `json:"kit_item"`
}

// Row is the persisted outcome of one source data row.
type Row struct {
	BatchID    uuid.UUID                 `json:"batch_id"`
	RowNumber  int                       `json:"row_number"`
	Raw        map[string]string         `json:"raw"`
	Normalized map[string]map[string]any `json:"normalized,omitempty"`

	Machine   Outcome `json:"machine"`
	Engine    Outcome `json:"engine"`
	Part      Outcome `json:"part"`
	Vendor    Outcome `json:"vendor"`
	BuildList Outcome `json:"build_list"`
	Kit       Outcome `json:"kit"`

	Links LinkFlags `json:"links"`

	DuplicateSkipped bool `json:"duplicate_skipped"`
	DuplicateUpdated bool `json:"duplicate_updated"`

	Processed  bool     `json:"processed"`
	HasErrors  bool     `json:"has_errors"`
	Errors     []string `json:"errors"`
	DurationMS int64    `json:"duration_ms"`
}

// RowFilter narrows a row listing. Nil fields do not filter.
type RowFilter struct {
	HasErrors      *bool
	MachineCreated *bool
	EngineCreated  *bool
	PartCreated    *bool
	VendorCreated  *bool
	Limit          int
	Offset         int
}

// RowStats aggregates row outcomes of a batch.
type RowStats struct {
	Total             int `json:"total"`
	Processed         int `json:"processed"`
	Errors            int `json:"errors"`
	MachinesCreated   int `json:"machines_created"`
	MachinesUpdated   int `json:"machines_updated"`
	EnginesCreated    int `json:"engines_created"`
	EnginesUpdated    int `json:"engines_updated"`
	PartsCreated      int `json:"parts_created"`
	PartsUpdated      int `json:"parts_updated"`
	VendorsCreated    int `json:"vendors_created"`
	DuplicatesSkipped int `json:"duplicates_skipped"`
	DuplicatesUpdated int `json:"duplicates_updated"`
}

// CreatedSet holds the ids a batch recorded as created, per entity table,
// plus counts of the associations it created.
type CreatedSet struct {
	Machines   []int64
	Engines    []int64
	Parts      []int64
	Vendors    []int64
	BuildLists []int64
	Kits       []int64

	Links LinkCounts
}

// LinkCounts counts association rows created by a batch.
type LinkCounts struct {
	MachineEngine int `json:"machine_engine"`
	EnginePart    int `json:"engine_part"`
	MachinePart   int `json:"machine_part"`
	PartVendor    int `json:"part_vendor"`
}

// Log levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// LogEntry is an append-only, user-facing batch log line.
type LogEntry struct {
	ID        int64     `json:"id"`
	BatchID   uuid.UUID `json:"batch_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RowNumber *int      `json:"row_number,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is one condition of a key lookup.
type Match struct {
	Column string
	Value  any

	// Fold compares text case-insensitively.
	Fold bool
}

// Attribute is a part attribute definition.
type Attribute struct {
	ID         int64
	CategoryID int64
	Name       string
	DataType   string
}

// Choice is an allowed value of a choice attribute.
type Choice struct {
	ID    int64
	Value string
	Label string
}

// AttributeValue is a typed value of one part attribute. Exactly one field
// is set.
type AttributeValue struct {
	Text     *string
	Int      *int64
	Dec      decimal.NullDecimal
	Bool     *bool
	Date     *time.Time
	ChoiceID *int64
}
