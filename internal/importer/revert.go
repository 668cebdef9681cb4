package importer

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/logging"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// RevertResult counts the records a revert deleted or would delete.
type RevertResult struct {
	Machines    int `json:"machines"`
	Engines     int `json:"engines"`
	Parts       int `json:"parts"`
	Vendors     int `json:"vendors"`
	VendorsKept int `json:"vendors_kept"`
	BuildLists  int `json:"build_lists"`
	Kits        int `json:"kits"`
}

// RevertPreview is a dry run of Revert.
type RevertPreview struct {
	RevertResult
	Relationships store.LinkCounts `json:"relationships"`
	Warnings      []string         `json:"warnings"`
}

func revertable(s store.BatchStatus) bool {
	return slices.Contains(store.RevertableStatuses, s)
}

// revertPlan is what a revert of one batch deletes.
type revertPlan struct {
	created store.CreatedSet
	vendors []int64
	kept    int
}

func (p *revertPlan) result() RevertResult {
	return RevertResult{
		Machines:    len(p.created.Machines),
		Engines:     len(p.created.Engines),
		Parts:       len(p.created.Parts),
		Vendors:     len(p.vendors),
		VendorsKept: p.kept,
		BuildLists:  len(p.created.BuildLists),
		Kits:        len(p.created.Kits),
	}
}

func (o *Orchestrator) revertableBatch(ctx context.Context, batchID uuid.UUID) (store.Batch, error) {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return store.Batch{}, err
	}
	if !revertable(b.Status) {
		return store.Batch{}, fmt.Errorf("revert batch in status %s: %w", b.Status, ErrInvalidState)
	}
	return b, nil
}

func plan(ctx context.Context, q store.Queries, batchID uuid.UUID) (*revertPlan, error) {
	created, err := q.CreatedIDs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p := &revertPlan{created: created}
	for _, v := range created.Vendors {
		safe, err := vendorSafe(ctx, q, v, batchID, created)
		if err != nil {
			return nil, err
		}
		if safe {
			p.vendors = append(p.vendors, v)
		} else {
			p.kept++
		}
	}
	return p, nil
}

// vendorSafe reports whether a vendor the batch created is used only by
// records the same batch created.
func vendorSafe(ctx context.Context, q store.Queries, vendorID int64, batchID uuid.UUID, created store.CreatedSet) (bool, error) {
	other, err := q.VendorReferencedByOtherBatch(ctx, vendorID, batchID)
	if err != nil || other {
		return false, err
	}

	outside := []struct {
		table  string
		column string
		ids    []int64
	}{
		{catalog.PartVendors, "part_id", created.Parts},
		{catalog.EngineVendors, "engine_id", created.Engines},
		{catalog.KitItems, "part_id", created.Parts},
	}
	for _, c := range outside {
		links, err := q.ListLinks(ctx, c.table, "vendor_id", vendorID)
		if err != nil {
			return false, err
		}
		for _, l := range links {
			id, _ := l[c.column].(int64)
			if !slices.Contains(c.ids, id) {
				return false, nil
			}
		}
	}

	parts, err := q.FindIDs(ctx, catalog.Parts, []store.Match{{Column: "primary_vendor_id", Value: vendorID}})
	if err != nil {
		return false, err
	}
	for _, id := range parts {
		if !slices.Contains(created.Parts, id) {
			return false, nil
		}
	}
	return true, nil
}

// PreviewRevert computes what Revert would delete without deleting.
func (o *Orchestrator) PreviewRevert(ctx context.Context, batchID uuid.UUID) (*RevertPreview, error) {
	b, err := o.revertableBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p, err := plan(ctx, o.store, batchID)
	if err != nil {
		return nil, err
	}

	since := b.UpdatedAt
	if b.CompletedAt != nil {
		since = *b.CompletedAt
	}
	modified := 0
	for _, s := range []struct {
		table string
		ids   []int64
	}{
		{catalog.Machines, p.created.Machines},
		{catalog.Engines, p.created.Engines},
		{catalog.Parts, p.created.Parts},
		{catalog.Vendors, p.vendors},
	} {
		if len(s.ids) == 0 {
			continue
		}
		n, err := o.store.CountModifiedAfter(ctx, s.table, s.ids, since)
		if err != nil {
			return nil, err
		}
		modified += n
	}

	preview := &RevertPreview{RevertResult: p.result(), Relationships: p.created.Links, Warnings: []string{}}
	if modified > 0 {
		preview.Warnings = append(preview.Warnings,
			fmt.Sprintf("%d record(s) have been modified since import and will be deleted", modified))
	}
	if p.kept > 0 {
		preview.Warnings = append(preview.Warnings,
			fmt.Sprintf("%d vendor(s) are shared with other records and will be kept", p.kept))
	}
	return preview, nil
}

// Revert deletes the records the batch created, in one transaction, and
// marks the batch reverted. Associations go with the records they
// reference.
func (o *Orchestrator) Revert(ctx context.Context, batchID uuid.UUID) (*RevertResult, error) {
	if _, err := o.revertableBatch(ctx, batchID); err != nil {
		return nil, err
	}

	var res RevertResult
	err := o.store.WithTx(ctx, func(q store.Queries) error {
		// Claiming the batch first serializes concurrent reverts on its row.
		ok, err := q.MarkReverted(ctx, batchID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState
		}

		p, err := plan(ctx, q, batchID)
		if err != nil {
			return err
		}

		steps := []struct {
			table string
			ids   []int64
			n     *int
		}{
			{catalog.Kits, p.created.Kits, &res.Kits},
			{catalog.BuildLists, p.created.BuildLists, &res.BuildLists},
			{catalog.Parts, p.created.Parts, &res.Parts},
			{catalog.Engines, p.created.Engines, &res.Engines},
			{catalog.Machines, p.created.Machines, &res.Machines},
			{catalog.Vendors, p.vendors, &res.Vendors},
		}
		for _, s := range steps {
			if len(s.ids) == 0 {
				continue
			}
			n, err := q.DeleteByIDs(ctx, s.table, s.ids)
			if err != nil {
				return fmt.Errorf("delete %s: %w", s.table, err)
			}
			*s.n = n
		}
		res.VendorsKept = p.kept

		if err := q.AppendLog(ctx, store.LogEntry{
			BatchID: batchID,
			Level:   store.LevelInfo,
			Message: fmt.Sprintf("Import reverted: %d machines, %d engines, %d parts, %d vendors deleted",
				res.Machines, res.Engines, res.Parts, res.Vendors),
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("revert batch %s: %w", batchID, err)
	}

	o.metrics.reverted()
	logging.FromContext(logging.WithBatch(ctx, batchID)).Info("batch reverted",
		"machines", res.Machines, "engines", res.Engines, "parts", res.Parts,
		"vendors", res.Vendors, "vendors_kept", res.VendorsKept,
	)
	return &res, nil
}
