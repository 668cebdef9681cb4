package importer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/store"
	"github.com/JonMunkholm/catalogimport/internal/store/memstore"
)

var partVendorMapping = store.Mapping{
	Part:           map[string]string{"part_number": "pn"},
	Vendor:         map[string]string{"vendor_name": "vendor", "vendor_cost": "cost"},
	SkipDuplicates: true,
}

func TestRevertKeepsVendorSharedWithOtherBatch(t *testing.T) {
	h := newHarness(t)
	a := h.run("pn,vendor,cost\nA1,Acme,1.00\n", partVendorMapping)
	h.run("pn,vendor,cost\nB1,Acme,2.00\n", partVendorMapping)

	preview, err := h.svc.PreviewRevert(h.ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, preview.Parts)
	require.Equal(t, 0, preview.Vendors)
	require.Equal(t, 1, preview.VendorsKept)
	require.Equal(t, 1, preview.Relationships.PartVendor)
	require.Equal(t, 2, h.store.Count(catalog.Parts), "preview deletes nothing")

	res, err := h.svc.Revert(h.ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, RevertResult{Parts: 1, VendorsKept: 1}, *res)

	require.Equal(t, 1, h.store.Count(catalog.Parts))
	require.Equal(t, 1, h.store.Count(catalog.Vendors))
	require.Equal(t, 1, h.store.Count(catalog.PartVendors))

	got, err := h.store.GetBatch(h.ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusReverted, got.Status)
	require.NotNil(t, got.RevertedAt)
	require.Contains(t, h.logs(a.ID, store.LevelInfo), "Import reverted: 0 machines, 0 engines, 1 parts, 0 vendors deleted")
}

func TestRevertDeletesVendorUsedOnlyByBatch(t *testing.T) {
	h := newHarness(t)
	b := h.run("pn,vendor,cost\nA1,Acme,1.00\nA2,Acme,1.50\n", partVendorMapping)

	res, err := h.svc.Revert(h.ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Parts)
	require.Equal(t, 1, res.Vendors)
	require.Equal(t, 0, res.VendorsKept)

	require.Equal(t, 0, h.store.Count(catalog.Parts))
	require.Equal(t, 0, h.store.Count(catalog.Vendors))
	require.Equal(t, 0, h.store.Count(catalog.PartVendors))
}

func TestRevertKeepsVendorLinkedOutsideBatch(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	partID, err := h.store.InsertEntity(ctx, catalog.Parts, catalog.Values{"part_number": "MANUAL"})
	require.NoError(t, err)

	b := h.run("pn,vendor,cost\nA1,Acme,1.00\n", partVendorMapping)
	vendor := h.rows(b.ID)[0].Vendor.ID
	_, err = h.store.EnsureLink(ctx, catalog.PartVendors, []int64{partID, *vendor}, nil)
	require.NoError(t, err)

	res, err := h.svc.Revert(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 0, res.Vendors)
	require.Equal(t, 1, res.VendorsKept)
}

func TestRevertRemovesMachinesEnginesAndLinks(t *testing.T) {
	h := newHarness(t)
	b := h.run(ford8N, withPolicy(machineEngineMapping, true, false))

	res, err := h.svc.Revert(h.ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Machines)
	require.Equal(t, 1, res.Engines)
	require.Equal(t, 0, h.store.Count(catalog.Machines))
	require.Equal(t, 0, h.store.Count(catalog.Engines))
	require.Equal(t, 0, h.store.Count(catalog.MachineEngines))
}

func TestRevertState(t *testing.T) {
	h := newHarness(t)
	b := h.upload("catalog.csv", "pn\nA1\n")

	_, err := h.svc.PreviewRevert(h.ctx, b.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	done := h.run("pn\nA1\n", store.Mapping{Part: map[string]string{"part_number": "pn"}})
	_, err = h.svc.Revert(h.ctx, done.ID)
	require.NoError(t, err)

	_, err = h.svc.Revert(h.ctx, done.ID)
	require.ErrorIs(t, err, ErrInvalidState, "a reverted batch cannot be reverted again")
}

func TestRevertPreviewWarnsAboutModifiedRecords(t *testing.T) {
	h := newHarness(t)
	b := h.run("pn\nA1\n", store.Mapping{Part: map[string]string{"part_number": "pn"}})
	part := h.rows(b.ID)[0].Part.ID

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, h.store.UpdateEntity(h.ctx, catalog.Parts, *part, catalog.Values{"name": "Edited"}))

	preview, err := h.svc.PreviewRevert(h.ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"1 record(s) have been modified since import and will be deleted"}, preview.Warnings)
}

// staleStatusStore reports the status a batch had when it was wrapped, as a
// concurrent reader that has not yet seen another revert would.
type staleStatusStore struct {
	*memstore.Store
	batch store.Batch
}

func (s staleStatusStore) GetBatch(ctx context.Context, id uuid.UUID) (store.Batch, error) {
	if id == s.batch.ID {
		return s.batch, nil
	}
	return s.Store.GetBatch(ctx, id)
}

func TestConcurrentRevertClaimsBatchOnce(t *testing.T) {
	h := newHarness(t)
	b := h.run("pn\nA1\nA2\n", store.Mapping{Part: map[string]string{"part_number": "pn"}})
	require.Equal(t, store.StatusCompleted, b.Status)

	stale := NewOrchestrator(staleStatusStore{Store: h.store, batch: b}, h.files, h.orch.cfg)

	res, err := h.orch.Revert(h.ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Parts)

	_, err = stale.Revert(h.ctx, b.ID)
	require.ErrorIs(t, err, ErrInvalidState)

	reverted := 0
	for _, msg := range h.logs(b.ID, store.LevelInfo) {
		if strings.HasPrefix(msg, "Import reverted:") {
			reverted++
		}
	}
	require.Equal(t, 1, reverted)
}
