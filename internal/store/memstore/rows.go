package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/store"
)

func (s *Store) InsertRowShells(_ context.Context, rows []store.Row) error {
	defer s.lock()()

	for _, r := range rows {
		k := rowKey{r.BatchID, r.RowNumber}
		if _, ok := s.d.rows[k]; ok {
			return fmt.Errorf("row %d of batch %s: %w", r.RowNumber, r.BatchID, store.ErrDuplicate)
		}
	}
	for _, r := range rows {
		setKey(s, s.d.rows, rowKey{r.BatchID, r.RowNumber}, cloneRow(r))
	}
	return nil
}

func (s *Store) SaveRow(_ context.Context, r *store.Row) error {
	defer s.lock()()

	k := rowKey{r.BatchID, r.RowNumber}
	if _, ok := s.d.rows[k]; !ok {
		return fmt.Errorf("row %d of batch %s: %w", r.RowNumber, r.BatchID, store.ErrNotFound)
	}
	setKey(s, s.d.rows, k, cloneRow(*r))
	return nil
}

func (s *Store) MarkRowFailed(_ context.Context, batchID uuid.UUID, rowNumber int, errs []string, durationMS int64) error {
	defer s.lock()()

	k := rowKey{batchID, rowNumber}
	r, ok := s.d.rows[k]
	if !ok {
		return fmt.Errorf("row %d of batch %s: %w", rowNumber, batchID, store.ErrNotFound)
	}
	r = cloneRow(r)
	r.Processed = true
	r.HasErrors = true
	r.Errors = append(r.Errors, errs...)
	r.DurationMS = durationMS
	setKey(s, s.d.rows, k, r)
	return nil
}

func (s *Store) batchRows(batchID uuid.UUID) []store.Row {
	var out []store.Row
	for k, r := range s.d.rows {
		if k.batch == batchID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out
}

func flagMatches(want *bool, got bool) bool {
	return want == nil || *want == got
}

func (s *Store) ListRows(_ context.Context, batchID uuid.UUID, f store.RowFilter) ([]store.Row, error) {
	defer s.lock()()

	var out []store.Row
	skipped := 0
	for _, r := range s.batchRows(batchID) {
		if !flagMatches(f.HasErrors, r.HasErrors) ||
			!flagMatches(f.MachineCreated, r.Machine.Created) ||
			!flagMatches(f.EngineCreated, r.Engine.Created) ||
			!flagMatches(f.PartCreated, r.Part.Created) ||
			!flagMatches(f.VendorCreated, r.Vendor.Created) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, cloneRow(r))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RowStats(_ context.Context, batchID uuid.UUID) (store.RowStats, error) {
	defer s.lock()()

	var st store.RowStats
	count := func(n *int, ok bool) {
		if ok {
			*n++
		}
	}
	for _, r := range s.batchRows(batchID) {
		st.Total++
		count(&st.Processed, r.Processed)
		count(&st.Errors, r.HasErrors)
		count(&st.MachinesCreated, r.Machine.Created)
		count(&st.MachinesUpdated, r.Machine.Updated)
		count(&st.EnginesCreated, r.Engine.Created)
		count(&st.EnginesUpdated, r.Engine.Updated)
		count(&st.PartsCreated, r.Part.Created)
		count(&st.PartsUpdated, r.Part.Updated)
		count(&st.VendorsCreated, r.Vendor.Created)
		count(&st.DuplicatesSkipped, r.DuplicateSkipped)
		count(&st.DuplicatesUpdated, r.DuplicateUpdated)
	}
	return st, nil
}

func (s *Store) CreatedIDs(_ context.Context, batchID uuid.UUID) (store.CreatedSet, error) {
	defer s.lock()()

	var set store.CreatedSet
	add := func(dst *[]int64, o store.Outcome) {
		if o.Created && o.ID != nil && !slices.Contains(*dst, *o.ID) {
			*dst = append(*dst, *o.ID)
		}
	}
	for _, r := range s.batchRows(batchID) {
		add(&set.Machines, r.Machine)
		add(&set.Engines, r.Engine)
		add(&set.Parts, r.Part)
		add(&set.Vendors, r.Vendor)
		add(&set.BuildLists, r.BuildList)
		add(&set.Kits, r.Kit)

		if r.Links.MachineEngine {
			set.Links.MachineEngine++
		}
		if r.Links.EnginePart {
			set.Links.EnginePart++
		}
		if r.Links.MachinePart {
			set.Links.MachinePart++
		}
		if r.Links.PartVendor {
			set.Links.PartVendor++
		}
	}
	for _, ids := range [][]int64{set.Machines, set.Engines, set.Parts, set.Vendors, set.BuildLists, set.Kits} {
		slices.Sort(ids)
	}
	return set, nil
}

func (s *Store) VendorReferencedByOtherBatch(_ context.Context, vendorID int64, batchID uuid.UUID) (bool, error) {
	defer s.lock()()

	for k, r := range s.d.rows {
		if k.batch != batchID && r.Vendor.ID != nil && *r.Vendor.ID == vendorID {
			return true, nil
		}
	}
	return false, nil
}

func cloneRow(r store.Row) store.Row {
	r.Raw = maps.Clone(r.Raw)
	if r.Normalized != nil {
		n := make(map[string]map[string]any, len(r.Normalized))
		for k, v := range r.Normalized {
			n[k] = maps.Clone(v)
		}
		r.Normalized = n
	}
	r.Errors = slices.Clone(r.Errors)
	return r
}
