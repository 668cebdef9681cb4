package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

func TestInsertEnforcesFoldedUniqueKeys(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "Acme Supply"})
	require.NoError(t, err)

	_, err = s.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "ACME supply"})
	require.ErrorIs(t, err, store.ErrDuplicate)

	ids, err := s.FindIDs(ctx, catalog.Vendors, []store.Match{{Column: "name", Value: "acme SUPPLY", Fold: true}})
	require.NoError(t, err)
	require.Equal(t, []int64{id}, ids)

	ids, err = s.FindIDs(ctx, catalog.Vendors, []store.Match{{Column: "name", Value: "acme SUPPLY"}})
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestNullsParticipateInUniqueKeys(t *testing.T) {
	ctx := context.Background()
	s := New()

	m := catalog.Values{"make": "Ford", "model": "8N"}
	_, err := s.InsertEntity(ctx, catalog.Machines, m)
	require.NoError(t, err)

	_, err = s.InsertEntity(ctx, catalog.Machines, m)
	require.ErrorIs(t, err, store.ErrDuplicate)

	_, err = s.InsertEntity(ctx, catalog.Machines, catalog.Values{"make": "Ford", "model": "8N", "year": 1952})
	require.NoError(t, err)

	ids, err := s.FindIDs(ctx, catalog.Machines, []store.Match{{Column: "year", Value: int64(1952)}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestUnknownColumnRejected(t *testing.T) {
	_, err := New().InsertEntity(context.Background(), catalog.Vendors, catalog.Values{"colour": "red"})
	require.Error(t, err)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := &store.Batch{FileName: "a.csv"}
	require.NoError(t, s.CreateBatch(ctx, b))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(q store.Queries) error {
		if _, err := q.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "Acme"}); err != nil {
			return err
		}
		if err := q.AppendLog(ctx, store.LogEntry{BatchID: b.ID, Level: store.LevelInfo, Message: "x"}); err != nil {
			return err
		}
		if _, err := q.RequestCancel(ctx, b.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Zero(t, s.Count(catalog.Vendors))
	logs, err := s.ListLogs(ctx, b.ID, "", 0)
	require.NoError(t, err)
	require.Empty(t, logs)

	err = s.WithTx(ctx, func(q store.Queries) error {
		_, err := q.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "Acme"})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Count(catalog.Vendors))
}

func TestDuplicateInsideTxDoesNotAbortIt(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithTx(ctx, func(q store.Queries) error {
		if _, err := q.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "Acme"}); err != nil {
			return err
		}
		_, err := q.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "acme"})
		require.ErrorIs(t, err, store.ErrDuplicate)
		_, err = q.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "Bolt Co"})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.Count(catalog.Vendors))
}

func TestSymmetricLinks(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, err := s.InsertEntity(ctx, catalog.Engines, catalog.Values{"engine_make": "Ford"})
	require.NoError(t, err)
	b, err := s.InsertEntity(ctx, catalog.Engines, catalog.Values{"engine_make": "Perkins"})
	require.NoError(t, err)

	created, err := s.EnsureLink(ctx, catalog.EngineInterchanges, []int64{b, a}, nil)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.EnsureLink(ctx, catalog.EngineInterchanges, []int64{a, b}, nil)
	require.NoError(t, err)
	require.False(t, created)

	rows, err := s.ListLinks(ctx, catalog.EngineInterchanges, "engine_id", a)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, b, rows[0]["other_engine_id"])

	_, err = s.EnsureLink(ctx, catalog.EngineInterchanges, []int64{a, a}, nil)
	require.ErrorIs(t, err, store.ErrSelfLink)

	created, err = s.EnsureLink(ctx, catalog.EngineSupersessions, []int64{b, a}, nil)
	require.NoError(t, err)
	require.True(t, created)
	created, err = s.EnsureLink(ctx, catalog.EngineSupersessions, []int64{a, b}, nil)
	require.NoError(t, err)
	require.True(t, created, "supersession is directed")
}

func TestLinkRequiresReferents(t *testing.T) {
	_, err := New().EnsureLink(context.Background(), catalog.MachineEngines, []int64{1, 2}, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateLink(t *testing.T) {
	ctx := context.Background()
	s := New()

	part, err := s.InsertEntity(ctx, catalog.Parts, catalog.Values{"part_number": "P1", "name": "Gasket"})
	require.NoError(t, err)
	vendor, err := s.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "Acme"})
	require.NoError(t, err)

	keys := []int64{part, vendor}
	_, err = s.EnsureLink(ctx, catalog.PartVendors, keys, catalog.Values{"cost": decimal.RequireFromString("1.50")})
	require.NoError(t, err)

	require.NoError(t, s.UpdateLink(ctx, catalog.PartVendors, keys, catalog.Values{"cost": decimal.RequireFromString("2.25"), "part_id": int64(99)}))

	got, err := s.GetLink(ctx, catalog.PartVendors, keys)
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("2.25").Equal(got["cost"].(decimal.Decimal)))
	require.Equal(t, part, got["part_id"])

	err = s.UpdateLink(ctx, catalog.PartVendors, []int64{part, vendor + 1}, catalog.Values{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := New()

	engine, err := s.InsertEntity(ctx, catalog.Engines, catalog.Values{"engine_make": "Ford"})
	require.NoError(t, err)
	part, err := s.InsertEntity(ctx, catalog.Parts, catalog.Values{"part_number": "P1", "name": "Gasket"})
	require.NoError(t, err)
	vendor, err := s.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "Acme"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateEntity(ctx, catalog.Parts, part, catalog.Values{"primary_vendor_id": vendor}))

	_, err = s.EnsureLink(ctx, catalog.EngineParts, []int64{engine, part}, nil)
	require.NoError(t, err)
	_, err = s.EnsureLink(ctx, catalog.PartVendors, []int64{part, vendor}, nil)
	require.NoError(t, err)

	bl, err := s.InsertEntity(ctx, catalog.BuildLists, catalog.Values{"engine_id": engine, "name": "Ford BL"})
	require.NoError(t, err)
	_, err = s.InsertEntity(ctx, catalog.Kits, catalog.Values{"build_list_id": bl, "name": "Gasket kit"})
	require.NoError(t, err)

	n, err := s.DeleteByIDs(ctx, catalog.Vendors, []int64{vendor, vendor + 100})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, s.Count(catalog.PartVendors))

	p, err := s.GetEntity(ctx, catalog.Parts, part)
	require.NoError(t, err)
	require.Nil(t, p["primary_vendor_id"])

	_, err = s.DeleteByIDs(ctx, catalog.Engines, []int64{engine})
	require.NoError(t, err)
	require.Zero(t, s.Count(catalog.EngineParts))
	require.Zero(t, s.Count(catalog.BuildLists))
	require.Zero(t, s.Count(catalog.Kits))
	require.Equal(t, 1, s.Count(catalog.Parts))
}

func TestCountModifiedAfter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))

	a, err := s.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "A"})
	require.NoError(t, err)
	b, err := s.InsertEntity(ctx, catalog.Vendors, catalog.Values{"name": "B"})
	require.NoError(t, err)

	mark := now
	now = now.Add(time.Minute)
	require.NoError(t, s.UpdateEntity(ctx, catalog.Vendors, b, catalog.Values{"phone": "555"}))

	n, err := s.CountModifiedAfter(ctx, catalog.Vendors, []int64{a, b}, mark)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBatchTransitions(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := &store.Batch{FileName: "machines.csv", TotalRows: 10}
	require.NoError(t, s.CreateBatch(ctx, b))
	require.Equal(t, store.StatusUploaded, b.Status)

	ok, err := s.RequestCancel(ctx, b.ID)
	require.NoError(t, err)
	require.False(t, ok, "cancel is only accepted while queued or processing")

	m := &store.Mapping{Name: "default", Machine: map[string]string{"make": "Make"}}
	require.NoError(t, s.CreateMapping(ctx, m))

	ok, err = s.AttachMapping(ctx, b.ID, m.ID, 500, true, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TransitionBatch(ctx, b.ID, []store.BatchStatus{store.StatusMapped}, store.StatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TransitionBatch(ctx, b.ID, []store.BatchStatus{store.StatusMapped}, store.StatusProcessing)
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 2; i++ {
		ok, err = s.RequestCancel(ctx, b.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, s.RecordProgress(ctx, b.ID, store.Progress{Percent: 50, Processed: 5, Success: 4, Errors: 1}))

	cancel, err := s.IsCancelRequested(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, cancel, "progress writes leave the cancel flag alone")

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusProcessing, got.Status)
	require.Equal(t, 500, got.ChunkSize)
	require.True(t, got.SkipDuplicates)
	require.NotNil(t, got.StartedAt)
	require.Equal(t, 4, got.SuccessRows)

	_, err = s.GetBatch(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailStaleBatches(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))

	stale := &store.Batch{Status: store.StatusProcessing}
	done := &store.Batch{Status: store.StatusCompleted}
	require.NoError(t, s.CreateBatch(ctx, stale))
	require.NoError(t, s.CreateBatch(ctx, done))

	now = now.Add(7 * time.Hour)
	fresh := &store.Batch{Status: store.StatusQueued}
	require.NoError(t, s.CreateBatch(ctx, fresh))

	ids, err := s.FailStaleBatches(ctx, now.Add(-6*time.Hour), "worker lost")
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{stale.ID}, ids)

	got, err := s.GetBatch(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, "worker lost", got.ErrorMessage)
}

func TestMarkRevertedRequiresRevertableStatus(t *testing.T) {
	ctx := context.Background()
	s := New()

	tests := []struct {
		status store.BatchStatus
		want   bool
	}{
		{store.StatusUploaded, false},
		{store.StatusProcessing, false},
		{store.StatusCompleted, true},
		{store.StatusFailed, true},
		{store.StatusCancelled, true},
		{store.StatusReverted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			b := &store.Batch{Status: tt.status}
			require.NoError(t, s.CreateBatch(ctx, b))

			ok, err := s.MarkReverted(ctx, b.ID)
			require.NoError(t, err)
			require.Equal(t, tt.want, ok)

			got, err := s.GetBatch(ctx, b.ID)
			require.NoError(t, err)
			if tt.want {
				require.Equal(t, store.StatusReverted, got.Status)
				require.NotNil(t, got.RevertedAt)
			} else {
				require.Equal(t, tt.status, got.Status)
			}
		})
	}

	_, err := s.MarkReverted(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRowsAndStats(t *testing.T) {
	ctx := context.Background()
	s := New()
	batch := uuid.New()
	other := uuid.New()

	shells := []store.Row{{BatchID: batch, RowNumber: 1}, {BatchID: batch, RowNumber: 2}, {BatchID: batch, RowNumber: 3}}
	require.NoError(t, s.InsertRowShells(ctx, shells))
	require.ErrorIs(t, s.InsertRowShells(ctx, shells[:1]), store.ErrDuplicate)

	r := store.Row{BatchID: batch, RowNumber: 1, Processed: true}
	r.Machine.Set(10, true, false)
	r.Vendor.Set(7, true, false)
	r.Links.MachineEngine = true
	require.NoError(t, s.SaveRow(ctx, &r))

	r2 := store.Row{BatchID: batch, RowNumber: 2, Processed: true, DuplicateSkipped: true}
	r2.Machine.Set(10, false, false)
	require.NoError(t, s.SaveRow(ctx, &r2))

	require.NoError(t, s.MarkRowFailed(ctx, batch, 3, []string{"Machine row must have at least one field with data"}, 3))

	st, err := s.RowStats(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, store.RowStats{Total: 3, Processed: 3, Errors: 1, MachinesCreated: 1, VendorsCreated: 1, DuplicatesSkipped: 1}, st)

	yes := true
	failed, err := s.ListRows(ctx, batch, store.RowFilter{HasErrors: &yes})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].RowNumber)

	page, err := s.ListRows(ctx, batch, store.RowFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, 2, page[0].RowNumber)

	set, err := s.CreatedIDs(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, []int64{10}, set.Machines)
	require.Equal(t, []int64{7}, set.Vendors)
	require.Equal(t, 1, set.Links.MachineEngine)

	ref, err := s.VendorReferencedByOtherBatch(ctx, 7, batch)
	require.NoError(t, err)
	require.False(t, ref)

	require.NoError(t, s.InsertRowShells(ctx, []store.Row{{BatchID: other, RowNumber: 1}}))
	o := store.Row{BatchID: other, RowNumber: 1}
	o.Vendor.Set(7, false, false)
	require.NoError(t, s.SaveRow(ctx, &o))

	ref, err = s.VendorReferencedByOtherBatch(ctx, 7, batch)
	require.NoError(t, err)
	require.True(t, ref)
}

func TestLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	batch := uuid.New()

	for _, e := range []store.LogEntry{
		{BatchID: batch, Level: store.LevelInfo, Message: "start"},
		{BatchID: batch, Level: store.LevelWarning, Message: "truncated"},
		{BatchID: uuid.New(), Level: store.LevelInfo, Message: "other"},
		{BatchID: batch, Level: store.LevelInfo, Message: "done"},
	} {
		require.NoError(t, s.AppendLog(ctx, e))
	}

	logs, err := s.ListLogs(ctx, batch, "", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "done", logs[0].Message)
	require.Equal(t, "truncated", logs[1].Message)

	warnings, err := s.ListLogs(ctx, batch, store.LevelWarning, 0)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestDeleteMappingDetachesBatches(t *testing.T) {
	ctx := context.Background()
	s := New()

	m := &store.Mapping{Name: "tmp", Temporary: true}
	require.NoError(t, s.CreateMapping(ctx, m))
	b := &store.Batch{}
	require.NoError(t, s.CreateBatch(ctx, b))
	_, err := s.AttachMapping(ctx, b.ID, m.ID, 100, false, false)
	require.NoError(t, err)

	saved, err := s.ListMappings(ctx, false)
	require.NoError(t, err)
	require.Empty(t, saved)

	require.NoError(t, s.DeleteMapping(ctx, m.ID))
	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.False(t, got.MappingID.Valid)

	require.ErrorIs(t, s.DeleteMapping(ctx, m.ID), store.ErrNotFound)
}

func TestAttributes(t *testing.T) {
	ctx := context.Background()
	s := New()

	a := s.AddAttribute(store.Attribute{CategoryID: 1, Name: "Finish", DataType: "choice"},
		store.Choice{Value: "zinc", Label: "Zinc plated"})
	choices, err := s.AttributeChoices(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, choices, 1)

	part, err := s.InsertEntity(ctx, catalog.Parts, catalog.Values{"part_number": "B1", "name": "Bolt"})
	require.NoError(t, err)

	require.NoError(t, s.UpsertAttributeValue(ctx, part, a.ID, store.AttributeValue{ChoiceID: &choices[0].ID}))
	v, ok := s.AttributeValue(part, a.ID)
	require.True(t, ok)
	require.Equal(t, choices[0].ID, *v.ChoiceID)

	_, err = s.DeleteByIDs(ctx, catalog.Parts, []int64{part})
	require.NoError(t, err)
	_, ok = s.AttributeValue(part, a.ID)
	require.False(t, ok)
}
