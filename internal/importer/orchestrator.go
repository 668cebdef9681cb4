package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/decode"
	"github.com/JonMunkholm/catalogimport/internal/logging"
	"github.com/JonMunkholm/catalogimport/internal/normalize"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// Chunk size bounds applied to a mapping's chunk size.
const (
	MinChunkSize     = 100
	MaxChunkSize     = 10000
	DefaultChunkSize = 1000
)

// ClampChunkSize limits n to [MinChunkSize, MaxChunkSize]; zero selects
// the default.
func ClampChunkSize(n int) int {
	switch {
	case n == 0:
		return DefaultChunkSize
	case n < MinChunkSize:
		return MinChunkSize
	case n > MaxChunkSize:
		return MaxChunkSize
	}
	return n
}

// Observer receives the running tally after every chunk.
type Observer func(batchID uuid.UUID, p store.Progress)

// Orchestrator drives one batch from mapped to a terminal status.
type Orchestrator struct {
	store    store.Store
	files    FileStore
	cfg      config.ImportConfig
	metrics  *metrics
	now      func() time.Time
	observer Observer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithObserver registers fn to receive progress after every chunk.
func WithObserver(fn Observer) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithClock replaces time.Now for the budget and row durations.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(s store.Store, files FileStore, cfg config.ImportConfig, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:   s,
		files:   files,
		cfg:     cfg,
		metrics: getMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// families arranges a mapping as the normalizer expects it.
func families(m *store.Mapping) map[catalog.Family]map[string]string {
	return map[catalog.Family]map[string]string{
		catalog.FamilyMachine: m.Machine,
		catalog.FamilyEngine:  m.Engine,
		catalog.FamilyPart:    m.Part,
		catalog.FamilyVendor:  m.Vendor,
		catalog.FamilyBuild:   m.Build,
	}
}

// batchRun is the state of one Process call.
type batchRun struct {
	batch    store.Batch
	mapping  store.Mapping
	families map[catalog.Family]map[string]string
	policy   Policy
	engines  engineKeys
	started  time.Time
	status   store.BatchStatus

	seen    int
	success int
	errors  int
}

func (b *batchRun) progress() store.Progress {
	pct := 0
	if b.batch.TotalRows > 0 {
		pct = min(100, max(0, b.seen*100/b.batch.TotalRows))
	}
	return store.Progress{
		Percent:   pct,
		Processed: b.success + b.errors,
		Success:   b.success,
		Errors:    b.errors,
	}
}

// Process runs the batch. Rows are read in chunks; each row is normalized,
// resolved and linked in its own transaction so a failing row never affects
// another. The cancel flag, the wall-clock budget and ctx are observed only
// between chunks. A chunk that has started runs to completion even when
// ctx is cancelled.
//
// Process returns ErrInvalidState when the batch is not mapped or queued.
// Every other failure is recorded on the batch and Process returns nil.
func (o *Orchestrator) Process(ctx context.Context, batchID uuid.UUID) (err error) {
	ctx = logging.WithBatch(ctx, batchID)
	log := logging.FromContext(ctx)

	ok, err := o.store.TransitionBatch(ctx, batchID,
		[]store.BatchStatus{store.StatusMapped, store.StatusQueued}, store.StatusProcessing)
	if err != nil {
		return fmt.Errorf("start batch %s: %w", batchID, err)
	}
	if !ok {
		return fmt.Errorf("start batch %s: %w", batchID, ErrInvalidState)
	}

	run := &batchRun{started: o.now(), status: store.StatusFailed, engines: make(engineKeys)}
	o.metrics.started()
	log.Info("batch processing started")

	defer func() {
		if p := recover(); p != nil {
			log.Error("batch panicked", "panic", p, "stack", string(debug.Stack()))
			run.status = store.StatusFailed
			o.fail(ctx, batchID, run, fmt.Sprintf("internal error: %v", p))
		}
		elapsed := o.now().Sub(run.started)
		o.metrics.finished(run.status, elapsed)
		log.Info("batch processing finished",
			"status", run.status,
			"rows", run.seen,
			"errors", run.errors,
			"duration_ms", elapsed.Milliseconds(),
		)
	}()

	src, err := o.setup(ctx, batchID, run)
	if err != nil {
		log.Warn("batch setup failed", "error", err)
		o.fail(ctx, batchID, run, err.Error())
		return nil
	}
	defer src.Close()

	o.execute(ctx, batchID, run, src)
	return nil
}

// setup loads the batch and its mapping and opens the source file. Errors
// here fail the whole batch.
func (o *Orchestrator) setup(ctx context.Context, batchID uuid.UUID, run *batchRun) (decode.Source, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	run.batch = b

	if !b.MappingID.Valid {
		return nil, ErrNoMapping
	}
	m, err := o.store.GetMapping(ctx, b.MappingID.UUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoMapping
	}
	if err != nil {
		return nil, err
	}
	run.mapping = m
	run.families = families(&m)
	run.policy = Policy{SkipDuplicates: b.SkipDuplicates, UpdateExisting: b.UpdateExisting}

	f, err := o.files.Open(b.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	src, err := decode.Open(f, decode.Options{
		Kind:      decode.Kind(b.FileKind),
		Encoding:  b.Encoding,
		Delimiter: b.Delimiter,
		Worksheet: b.Worksheet,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &closingSource{Source: src, f: f}, nil
}

// closingSource closes the underlying file along with the decoder.
type closingSource struct {
	decode.Source
	f io.Closer
}

func (s *closingSource) Close() error {
	err := s.Source.Close()
	if ferr := s.f.Close(); err == nil {
		err = ferr
	}
	return err
}

func (o *Orchestrator) execute(ctx context.Context, batchID uuid.UUID, run *batchRun, src decode.Source) {
	log := logging.FromContext(ctx)
	// Rows run detached from ctx; cancellation takes effect at the boundary.
	rctx := context.WithoutCancel(ctx)
	chunkSize := ClampChunkSize(run.batch.ChunkSize)
	var deadline time.Time
	if o.cfg.BatchTimeout > 0 {
		deadline = run.started.Add(o.cfg.BatchTimeout)
	}

	for {
		chunk, eof, err := readChunk(src, chunkSize)
		if err != nil {
			o.fail(ctx, batchID, run, err.Error())
			return
		}
		if len(chunk) > 0 {
			if err := o.processChunk(rctx, run, chunk); err != nil {
				o.fail(ctx, batchID, run, err.Error())
				return
			}
			p := run.progress()
			if err := o.store.RecordProgress(rctx, batchID, p); err != nil {
				log.Warn("record progress", "error", err)
			}
			if o.observer != nil {
				o.observer(batchID, p)
			}

			if reason := o.stopReason(ctx, batchID, deadline); reason != "" {
				o.cancel(ctx, batchID, run, reason)
				return
			}
		}
		if eof {
			break
		}
	}

	run.status = store.StatusCompleted
	p := run.progress()
	p.Percent = 100
	fctx := context.WithoutCancel(ctx)
	if err := o.store.FinishBatch(fctx, batchID, store.StatusCompleted, p, ""); err != nil {
		log.Error("finish batch", "error", err)
	}
	o.appendLog(fctx, batchID, store.LevelInfo, nil,
		fmt.Sprintf("Import completed: %d rows processed, %d succeeded, %d failed", p.Processed, p.Success, p.Errors))
}

// stopReason reports why processing must stop at this chunk boundary. The
// cancel flag is read from storage every time.
func (o *Orchestrator) stopReason(ctx context.Context, batchID uuid.UUID, deadline time.Time) string {
	if ctx.Err() != nil {
		return "processing interrupted"
	}
	cancelled, err := o.store.IsCancelRequested(ctx, batchID)
	if err != nil {
		logging.FromContext(ctx).Warn("read cancel flag", "error", err)
	}
	if cancelled {
		return "Import cancelled by user"
	}
	if !deadline.IsZero() && !o.now().Before(deadline) {
		return "processing time budget exceeded"
	}
	return ""
}

func readChunk(src decode.Source, n int) ([]decode.Record, bool, error) {
	out := make([]decode.Record, 0, n)
	for len(out) < n {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return out, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		out = append(out, rec)
	}
	return out, false, nil
}

// processChunk pre-creates the chunk's row shells and then runs every row.
// A shell insert failure is fatal for the batch; row failures are not.
func (o *Orchestrator) processChunk(ctx context.Context, run *batchRun, chunk []decode.Record) error {
	shells := make([]store.Row, len(chunk))
	for i, rec := range chunk {
		shells[i] = store.Row{BatchID: run.batch.ID, RowNumber: rec.Number, Raw: rec.Map()}
	}
	if err := o.store.InsertRowShells(ctx, shells); err != nil {
		return fmt.Errorf("create row records: %w", err)
	}

	for i, rec := range chunk {
		o.processRow(ctx, run, rec, shells[i].Raw)
		run.seen++
	}
	return nil
}

func (o *Orchestrator) processRow(ctx context.Context, run *batchRun, rec decode.Record, raw map[string]string) {
	start := o.now()
	batchID := run.batch.ID
	n := rec.Number

	rr := &rowRun{
		batchID: batchID,
		policy:  run.policy,
		mapping: &run.mapping,
		rec:     rec,
		res:     normalize.Normalize(rec, run.families),
		engines: run.engines,
	}

	err := o.store.WithTx(ctx, func(q store.Queries) error {
		rr.q = q
		rr.row = &store.Row{BatchID: batchID, RowNumber: n, Raw: raw}
		rr.warnings = nil
		rr.pendingKey = ""

		if err := rr.process(ctx); err != nil {
			return err
		}
		for _, w := range rr.warnings {
			if err := q.AppendLog(ctx, store.LogEntry{BatchID: batchID, Level: store.LevelWarning, Message: w, RowNumber: &n}); err != nil {
				return err
			}
		}
		rr.row.Processed = true
		rr.row.Normalized = normalized(rr.res)
		rr.row.DurationMS = o.now().Sub(start).Milliseconds()
		return q.SaveRow(ctx, rr.row)
	})
	if err == nil {
		rr.commit()
		run.success++
		o.metrics.row(rr.row)
		return
	}

	run.errors++
	msg := err.Error()
	o.metrics.row(&store.Row{HasErrors: true})
	logging.FromContext(ctx).Debug("row failed", "row", n, "error", err)

	fctx := context.WithoutCancel(ctx)
	if err := o.store.MarkRowFailed(fctx, batchID, n, []string{msg}, o.now().Sub(start).Milliseconds()); err != nil {
		logging.FromContext(ctx).Error("mark row failed", "row", n, "error", err)
	}
	o.appendLog(fctx, batchID, store.LevelError, &n, fmt.Sprintf("Row %d: %s", n, msg))
}

func normalized(res *normalize.Result) map[string]map[string]any {
	if len(res.Sections) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(res.Sections))
	for s, fields := range res.Sections {
		out[string(s)] = fields
	}
	return out
}

func (o *Orchestrator) appendLog(ctx context.Context, batchID uuid.UUID, level string, row *int, msg string) {
	err := o.store.AppendLog(ctx, store.LogEntry{BatchID: batchID, Level: level, Message: msg, RowNumber: row})
	if err != nil {
		logging.FromContext(ctx).Error("append batch log", "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, batchID uuid.UUID, run *batchRun, msg string) {
	run.status = store.StatusFailed
	ctx = context.WithoutCancel(ctx)
	if err := o.store.FinishBatch(ctx, batchID, store.StatusFailed, run.progress(), msg); err != nil {
		logging.FromContext(ctx).Error("fail batch", "error", err)
	}
	o.appendLog(ctx, batchID, store.LevelError, nil, "Import failed: "+msg)
}

func (o *Orchestrator) cancel(ctx context.Context, batchID uuid.UUID, run *batchRun, reason string) {
	run.status = store.StatusCancelled
	ctx = context.WithoutCancel(ctx)
	p := run.progress()
	if err := o.store.FinishBatch(ctx, batchID, store.StatusCancelled, p, reason); err != nil {
		logging.FromContext(ctx).Error("cancel batch", "error", err)
	}
	o.appendLog(ctx, batchID, store.LevelInfo, nil,
		fmt.Sprintf("%s after %d rows", reason, p.Processed))
}
