package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/decode"
	"github.com/JonMunkholm/catalogimport/internal/logging"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// sniffSize is how much of an upload is read to detect its kind and charset.
const sniffSize = 64 << 10

// Service is the import API used by the HTTP handlers and the CLI.
type Service struct {
	store  store.Store
	files  FileStore
	orch   *Orchestrator
	runner Runner
	cfg    config.ImportConfig
}

func NewService(s store.Store, files FileStore, orch *Orchestrator, runner Runner, cfg config.ImportConfig) *Service {
	return &Service{store: s, files: files, orch: orch, runner: runner, cfg: cfg}
}

// UploadRequest is a file to import plus its optional decoding hints.
type UploadRequest struct {
	Name      string
	Body      io.Reader
	Encoding  string
	Delimiter string
	Worksheet string
}

// Upload stores the file, checks that it decodes, counts its data rows and
// creates the batch in uploaded.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*store.Batch, error) {
	path, size, err := s.files.Save(req.Name, req.Body, s.cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("save upload %q: %w", req.Name, err)
	}

	b, err := s.inspect(req, path, size)
	if err != nil {
		s.files.Remove(path)
		return nil, err
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		s.files.Remove(path)
		return nil, fmt.Errorf("create batch: %w", err)
	}

	s.log(ctx, b.ID, store.LevelInfo, fmt.Sprintf("File uploaded: %s (%d rows)", b.FileName, b.TotalRows))
	logging.FromContext(ctx).Info("file uploaded",
		"batch_id", b.ID,
		"file", b.FileName,
		"kind", b.FileKind,
		"rows", b.TotalRows,
		"bytes", size,
	)
	return b, nil
}

func (s *Service) inspect(req UploadRequest, path string, size int64) (*store.Batch, error) {
	head, err := s.head(path)
	if err != nil {
		return nil, err
	}
	kind, err := decode.DetectKind(req.Name, head)
	if err != nil {
		return nil, err
	}

	b := &store.Batch{
		FileName:  filepath.Base(req.Name),
		FilePath:  path,
		FileKind:  string(kind),
		FileSize:  size,
		Worksheet: req.Worksheet,
	}
	if kind == decode.KindCSV {
		if req.Encoding == "" {
			b.Encoding = decode.DetectEncoding(head)
		} else if b.Encoding, err = decode.CanonicalEncoding(req.Encoding); err != nil {
			return nil, err
		}

		delim := req.Delimiter
		if delim == "" && strings.EqualFold(filepath.Ext(req.Name), ".tsv") {
			delim = "\t"
		}
		r, err := decode.ParseDelimiter(delim)
		if err != nil {
			return nil, err
		}
		b.Delimiter = string(r)
		b.Worksheet = ""
	}

	f, err := s.files.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	headers, n, err := decode.Count(f, decodeOptions(b))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no data rows", decode.ErrEmptyFile)
	}
	if s.cfg.MaxRows > 0 && n > s.cfg.MaxRows {
		return nil, fmt.Errorf("%w: %d rows, limit is %d", ErrTooManyRows, n, s.cfg.MaxRows)
	}
	b.Headers = headers
	b.TotalRows = n
	return b, nil
}

func (s *Service) head(path string) ([]byte, error) {
	f, err := s.files.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, sniffSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:n], nil
}

func decodeOptions(b *store.Batch) decode.Options {
	return decode.Options{
		Kind:      decode.Kind(b.FileKind),
		Encoding:  b.Encoding,
		Delimiter: b.Delimiter,
		Worksheet: b.Worksheet,
	}
}

// Preview is a page of raw rows from an uploaded file.
type Preview struct {
	Headers []string            `json:"headers"`
	Rows    []map[string]string `json:"rows"`
	Offset  int                 `json:"offset"`
	Total   int                 `json:"total_rows"`
}

// PreviewRows returns up to limit raw rows after offset data rows.
func (s *Service) PreviewRows(ctx context.Context, batchID uuid.UUID, offset, limit int) (*Preview, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	limit = min(limit, 100)
	offset = max(offset, 0)

	f, err := s.files.Open(b.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer f.Close()

	opts := decodeOptions(&b)
	opts.Offset = offset
	headers, rows, err := decode.Preview(f, opts, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]string{}
	}
	return &Preview{Headers: headers, Rows: rows, Offset: offset, Total: b.TotalRows}, nil
}

// Suggest proposes field mappings from the batch's headers.
func (s *Service) Suggest(ctx context.Context, batchID uuid.UUID) (map[catalog.Family]map[string]string, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return catalog.Suggest(b.Headers), nil
}

// FieldInfo describes an import field a mapping can target.
type FieldInfo struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Type      string `json:"type"`
	MaxLength int    `json:"max_length,omitempty"`
}

// ExpectedFields lists the import fields of every family.
func ExpectedFields() map[catalog.Family][]FieldInfo {
	out := make(map[catalog.Family][]FieldInfo)
	for _, family := range catalog.Families() {
		for _, f := range catalog.FamilyFields(family) {
			out[family] = append(out[family], FieldInfo{
				Name:      f.Name,
				Label:     f.Label,
				Type:      f.Kind.String(),
				MaxLength: f.MaxLen,
			})
		}
	}
	return out
}

// validateFields checks that every mapped field exists.
func validateFields(m *store.Mapping) error {
	total := len(m.Attributes)
	for family, fields := range families(m) {
		for name := range fields {
			if _, ok := catalog.LookupField(family, name); !ok {
				return fmt.Errorf("%w: unknown %s field %q", ErrInvalidMapping, family, name)
			}
		}
		total += len(fields)
	}
	if total == 0 {
		return fmt.Errorf("%w: no fields mapped", ErrInvalidMapping)
	}
	return nil
}

// validateHeaders checks that every mapped header exists in the file.
func validateHeaders(m *store.Mapping, headers []string) error {
	known := make(map[string]bool, len(headers))
	for _, h := range headers {
		known[h] = true
	}
	check := func(field, header string) error {
		if header != "" && !known[header] {
			return fmt.Errorf("%w: header %q mapped to %s not found in file", ErrInvalidMapping, header, field)
		}
		return nil
	}
	for _, fields := range families(m) {
		for name, header := range fields {
			if err := check(name, header); err != nil {
				return err
			}
		}
	}
	for id, header := range m.Attributes {
		if err := check(fmt.Sprintf("attribute %d", id), header); err != nil {
			return err
		}
	}
	return nil
}

// CreateMapping saves a named mapping configuration.
func (s *Service) CreateMapping(ctx context.Context, m *store.Mapping) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMapping)
	}
	if err := validateFields(m); err != nil {
		return err
	}
	m.ChunkSize = ClampChunkSize(m.ChunkSize)
	return s.store.CreateMapping(ctx, m)
}

func (s *Service) Mapping(ctx context.Context, id uuid.UUID) (store.Mapping, error) {
	return s.store.GetMapping(ctx, id)
}

func (s *Service) Mappings(ctx context.Context, includeTemporary bool) ([]store.Mapping, error) {
	return s.store.ListMappings(ctx, includeTemporary)
}

func (s *Service) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteMapping(ctx, id)
}

// AttachRequest names a saved mapping or carries an inline one.
type AttachRequest struct {
	MappingID uuid.NullUUID  `json:"mapping_id"`
	Mapping   *store.Mapping `json:"mapping,omitempty"`
}

// AttachMapping validates the mapping against the batch's headers and moves
// the batch to mapped. Inline mappings are stored as temporary.
func (s *Service) AttachMapping(ctx context.Context, batchID uuid.UUID, req AttachRequest) (store.Batch, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return store.Batch{}, err
	}
	if b.Status != store.StatusUploaded && b.Status != store.StatusMapped {
		return store.Batch{}, fmt.Errorf("attach mapping to %s batch: %w", b.Status, ErrInvalidState)
	}

	var m store.Mapping
	switch {
	case req.MappingID.Valid:
		if m, err = s.store.GetMapping(ctx, req.MappingID.UUID); err != nil {
			return store.Batch{}, err
		}
		if err := validateHeaders(&m, b.Headers); err != nil {
			return store.Batch{}, err
		}
	case req.Mapping != nil:
		m = *req.Mapping
		if err := validateFields(&m); err != nil {
			return store.Batch{}, err
		}
		if err := validateHeaders(&m, b.Headers); err != nil {
			return store.Batch{}, err
		}
		m.ID = uuid.Nil
		m.Temporary = true
		if m.Name == "" {
			m.Name = "Import " + b.FileName
		}
		m.ChunkSize = ClampChunkSize(m.ChunkSize)
		if err := s.store.CreateMapping(ctx, &m); err != nil {
			return store.Batch{}, err
		}
	default:
		return store.Batch{}, ErrNoMapping
	}

	chunk := ClampChunkSize(m.ChunkSize)
	ok, err := s.store.AttachMapping(ctx, batchID, m.ID, chunk, m.SkipDuplicates, m.UpdateExisting)
	if err != nil {
		return store.Batch{}, err
	}
	if !ok {
		return store.Batch{}, fmt.Errorf("attach mapping: %w", ErrInvalidState)
	}
	s.log(ctx, batchID, store.LevelInfo, fmt.Sprintf("Mapping attached: %s", m.Name))
	return s.store.GetBatch(ctx, batchID)
}

// Start dispatches a mapped batch to the runner.
func (s *Service) Start(ctx context.Context, batchID uuid.UUID) error {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != store.StatusMapped {
		if b.Status == store.StatusUploaded {
			return ErrNoMapping
		}
		return fmt.Errorf("start %s batch: %w", b.Status, ErrInvalidState)
	}

	if !s.runner.Queued() {
		return s.runner.Run(ctx, batchID)
	}

	ok, err := s.store.TransitionBatch(ctx, batchID, []store.BatchStatus{store.StatusMapped}, store.StatusQueued)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("queue batch: %w", ErrInvalidState)
	}
	if err := s.runner.Run(ctx, batchID); err != nil {
		if _, rerr := s.store.TransitionBatch(context.WithoutCancel(ctx), batchID,
			[]store.BatchStatus{store.StatusQueued}, store.StatusMapped); rerr != nil {
			logging.FromContext(ctx).Error("unqueue batch", "batch_id", batchID, "error", rerr)
		}
		return err
	}
	s.log(ctx, batchID, store.LevelInfo, "Import queued")
	return nil
}

// StatusReport is the polling surface of a batch.
type StatusReport struct {
	Status          store.BatchStatus `json:"status"`
	Progress        int               `json:"progress_percentage"`
	ProcessedRows   int               `json:"processed_rows"`
	TotalRows       int               `json:"total_rows"`
	SuccessRows     int               `json:"success_rows"`
	ErrorRows       int               `json:"error_rows"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	IsComplete      bool              `json:"is_complete"`
	CancelRequested bool              `json:"cancel_requested"`
	Stats           store.RowStats    `json:"stats"`
	RecentLogs      []store.LogEntry  `json:"recent_logs"`
}

func (s *Service) Status(ctx context.Context, batchID uuid.UUID) (*StatusReport, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.RowStats(ctx, batchID)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListLogs(ctx, batchID, "", 10)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []store.LogEntry{}
	}
	return &StatusReport{
		Status:          b.Status,
		Progress:        b.Progress,
		ProcessedRows:   b.ProcessedRows,
		TotalRows:       b.TotalRows,
		SuccessRows:     b.SuccessRows,
		ErrorRows:       b.ErrorRows,
		ErrorMessage:    b.ErrorMessage,
		IsComplete:      b.Status.Terminal(),
		CancelRequested: b.CancelRequested,
		Stats:           stats,
		RecentLogs:      logs,
	}, nil
}

// Cancel asks a queued or processing batch to stop at its next chunk
// boundary. Repeating the request is harmless.
func (s *Service) Cancel(ctx context.Context, batchID uuid.UUID) error {
	ok, err := s.store.RequestCancel(ctx, batchID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel batch: %w", ErrInvalidState)
	}
	s.log(ctx, batchID, store.LevelInfo, "Cancellation requested")
	return nil
}

func (s *Service) Batch(ctx context.Context, batchID uuid.UUID) (store.Batch, error) {
	return s.store.GetBatch(ctx, batchID)
}

func (s *Service) ListBatches(ctx context.Context, limit int) ([]store.Batch, error) {
	return s.store.ListBatches(ctx, limit)
}

func (s *Service) Rows(ctx context.Context, batchID uuid.UUID, f store.RowFilter) ([]store.Row, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store.ListRows(ctx, batchID, f)
}

func (s *Service) Logs(ctx context.Context, batchID uuid.UUID, level string, limit int) ([]store.LogEntry, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, batchID, level, limit)
}

func (s *Service) PreviewRevert(ctx context.Context, batchID uuid.UUID) (*RevertPreview, error) {
	return s.orch.PreviewRevert(ctx, batchID)
}

func (s *Service) Revert(ctx context.Context, batchID uuid.UUID) (*RevertResult, error) {
	return s.orch.Revert(ctx, batchID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) log(ctx context.Context, batchID uuid.UUID, level, msg string) {
	if err := s.store.AppendLog(ctx, store.LogEntry{BatchID: batchID, Level: level, Message: msg}); err != nil {
		logging.FromContext(ctx).Error("append batch log", "batch_id", batchID, "error", err)
	}
}
