package memstore

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/store"
)

func (s *Store) CreateBatch(_ context.Context, b *store.Batch) error {
	defer s.lock()()

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if _, ok := s.d.batches[b.ID]; ok {
		return fmt.Errorf("batch %s: %w", b.ID, store.ErrDuplicate)
	}
	if b.Status == "" {
		b.Status = store.StatusUploaded
	}
	now := s.now()
	b.CreatedAt, b.UpdatedAt = now, now

	setKey(s, s.d.batches, b.ID, cloneBatch(*b))
	return nil
}

func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (store.Batch, error) {
	defer s.lock()()

	b, ok := s.d.batches[id]
	if !ok {
		return store.Batch{}, fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	return cloneBatch(b), nil
}

func (s *Store) ListBatches(_ context.Context, limit int) ([]store.Batch, error) {
	defer s.lock()()

	out := make([]store.Batch, 0, len(s.d.batches))
	for _, b := range s.d.batches {
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// update applies fn to a batch when cond accepts it.
func (s *Store) update(id uuid.UUID, cond func(store.Batch) bool, fn func(*store.Batch)) (bool, error) {
	b, ok := s.d.batches[id]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	if cond != nil && !cond(b) {
		return false, nil
	}
	b = cloneBatch(b)
	fn(&b)
	b.UpdatedAt = s.now()
	setKey(s, s.d.batches, id, b)
	return true, nil
}

func statusIn(statuses ...store.BatchStatus) func(store.Batch) bool {
	return func(b store.Batch) bool { return slices.Contains(statuses, b.Status) }
}

func (s *Store) AttachMapping(_ context.Context, id, mappingID uuid.UUID, chunkSize int, skip, update bool) (bool, error) {
	defer s.lock()()

	if _, ok := s.d.mappings[mappingID]; !ok {
		return false, fmt.Errorf("mapping %s: %w", mappingID, store.ErrNotFound)
	}
	return s.update(id, statusIn(store.StatusUploaded, store.StatusMapped), func(b *store.Batch) {
		b.MappingID = uuid.NullUUID{UUID: mappingID, Valid: true}
		b.ChunkSize = chunkSize
		b.SkipDuplicates = skip
		b.UpdateExisting = update
		b.Status = store.StatusMapped
	})
}

func (s *Store) TransitionBatch(_ context.Context, id uuid.UUID, from []store.BatchStatus, to store.BatchStatus) (bool, error) {
	defer s.lock()()

	return s.update(id, statusIn(from...), func(b *store.Batch) {
		b.Status = to
		if to == store.StatusProcessing && b.StartedAt == nil {
			now := s.now()
			b.StartedAt = &now
		}
	})
}

func applyProgress(b *store.Batch, p store.Progress) {
	b.Progress = p.Percent
	b.ProcessedRows = p.Processed
	b.SuccessRows = p.Success
	b.ErrorRows = p.Errors
}

func (s *Store) RecordProgress(_ context.Context, id uuid.UUID, p store.Progress) error {
	defer s.lock()()

	_, err := s.update(id, nil, func(b *store.Batch) { applyProgress(b, p) })
	return err
}

func (s *Store) FinishBatch(_ context.Context, id uuid.UUID, status store.BatchStatus, p store.Progress, message string) error {
	defer s.lock()()

	_, err := s.update(id, nil, func(b *store.Batch) {
		applyProgress(b, p)
		b.Status = status
		b.ErrorMessage = message
		now := s.now()
		b.CompletedAt = &now
	})
	return err
}

func (s *Store) RequestCancel(_ context.Context, id uuid.UUID) (bool, error) {
	defer s.lock()()

	return s.update(id, statusIn(store.StatusQueued, store.StatusProcessing), func(b *store.Batch) {
		b.CancelRequested = true
	})
}

func (s *Store) IsCancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	defer s.lock()()

	b, ok := s.d.batches[id]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", id, store.ErrNotFound)
	}
	return b.CancelRequested, nil
}

func (s *Store) MarkReverted(_ context.Context, id uuid.UUID) (bool, error) {
	defer s.lock()()

	return s.update(id, statusIn(store.RevertableStatuses...), func(b *store.Batch) {
		b.Status = store.StatusReverted
		now := s.now()
		b.RevertedAt = &now
	})
}

func (s *Store) FailStaleBatches(_ context.Context, before time.Time, message string) ([]uuid.UUID, error) {
	defer s.lock()()

	var ids []uuid.UUID
	for id, b := range s.d.batches {
		if b.Status != store.StatusQueued && b.Status != store.StatusProcessing {
			continue
		}
		if !b.UpdatedAt.Before(before) {
			continue
		}
		if _, err := s.update(id, nil, func(b *store.Batch) {
			b.Status = store.StatusFailed
			b.ErrorMessage = message
			now := s.now()
			b.CompletedAt = &now
		}); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids, nil
}

func cloneBatch(b store.Batch) store.Batch {
	b.Headers = slices.Clone(b.Headers)
	return b
}

func (s *Store) CreateMapping(_ context.Context, m *store.Mapping) error {
	defer s.lock()()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if _, ok := s.d.mappings[m.ID]; ok {
		return fmt.Errorf("mapping %s: %w", m.ID, store.ErrDuplicate)
	}
	m.CreatedAt = s.now()
	setKey(s, s.d.mappings, m.ID, cloneMapping(*m))
	return nil
}

func (s *Store) GetMapping(_ context.Context, id uuid.UUID) (store.Mapping, error) {
	defer s.lock()()

	m, ok := s.d.mappings[id]
	if !ok {
		return store.Mapping{}, fmt.Errorf("mapping %s: %w", id, store.ErrNotFound)
	}
	return cloneMapping(m), nil
}

func (s *Store) ListMappings(_ context.Context, includeTemporary bool) ([]store.Mapping, error) {
	defer s.lock()()

	var out []store.Mapping
	for _, m := range s.d.mappings {
		if m.Temporary && !includeTemporary {
			continue
		}
		out = append(out, cloneMapping(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteMapping removes a mapping and detaches it from any batch.
func (s *Store) DeleteMapping(_ context.Context, id uuid.UUID) error {
	defer s.lock()()

	if _, ok := s.d.mappings[id]; !ok {
		return fmt.Errorf("mapping %s: %w", id, store.ErrNotFound)
	}
	deleteKey(s, s.d.mappings, id)
	for bid, b := range s.d.batches {
		if b.MappingID.Valid && b.MappingID.UUID == id {
			b = cloneBatch(b)
			b.MappingID = uuid.NullUUID{}
			setKey(s, s.d.batches, bid, b)
		}
	}
	return nil
}

func cloneMapping(m store.Mapping) store.Mapping {
	m.Machine = maps.Clone(m.Machine)
	m.Engine = maps.Clone(m.Engine)
	m.Part = maps.Clone(m.Part)
	m.Vendor = maps.Clone(m.Vendor)
	m.Build = maps.Clone(m.Build)
	m.Attributes = maps.Clone(m.Attributes)
	return m
}

func (s *Store) AppendLog(_ context.Context, e store.LogEntry) error {
	defer s.lock()()

	s.d.seq["logs"]++
	e.ID = s.d.seq["logs"]
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	n := len(s.d.logs)
	s.d.logs = append(s.d.logs, e)
	s.journal(func() { s.d.logs = s.d.logs[:n] })
	return nil
}

func (s *Store) ListLogs(_ context.Context, batchID uuid.UUID, level string, limit int) ([]store.LogEntry, error) {
	defer s.lock()()

	var out []store.LogEntry
	for i := len(s.d.logs) - 1; i >= 0; i-- {
		e := s.d.logs[i]
		if e.BatchID != batchID || (level != "" && e.Level != level) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
