package importer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// buildRelations links the entities the row resolved. Existing links are
// left alone; only newly created ones are flagged on the row.
func (r *rowRun) buildRelations(ctx context.Context) error {
	row := r.row
	note := catalog.Values{"notes": fmt.Sprintf("Created from import batch %s", r.batchID)}

	pairs := []struct {
		table string
		a, b  *int64
		vals  catalog.Values
		flag  *bool
	}{
		{catalog.MachineEngines, row.Machine.ID, row.Engine.ID, note, &row.Links.MachineEngine},
		{catalog.EngineParts, row.Engine.ID, row.Part.ID, note, &row.Links.EnginePart},
		{catalog.MachineParts, row.Machine.ID, row.Part.ID, nil, &row.Links.MachinePart},
		{catalog.EngineVendors, row.Engine.ID, row.Vendor.ID, nil, &row.Links.EngineVendor},
	}
	for _, p := range pairs {
		if p.a == nil || p.b == nil {
			continue
		}
		ok, err := r.q.EnsureLink(ctx, p.table, []int64{*p.a, *p.b}, p.vals)
		if err != nil {
			return fmt.Errorf("%s: %w", catalog.MustGet(p.table).Label, err)
		}
		*p.flag = ok
	}

	if row.Part.ID != nil && row.Vendor.ID != nil {
		if err := r.linkPartVendor(ctx, *row.Part.ID, *row.Vendor.ID); err != nil {
			return err
		}
	}
	if row.Part.ID != nil {
		if err := r.primaryVendor(ctx, *row.Part.ID); err != nil {
			return err
		}
	}
	if row.Engine.ID != nil {
		if err := r.engineEdges(ctx, *row.Engine.ID); err != nil {
			return err
		}
	}
	return nil
}

// linkPartVendor creates the pricing link, or refreshes it under
// update_existing, then re-evaluates the part's automatic primary vendor.
func (r *rowRun) linkPartVendor(ctx context.Context, partID, vendorID int64) error {
	t := catalog.MustGet(catalog.PartVendors)
	vals := r.columns(t, catalog.FamilyVendor, r.res.Section(catalog.SectionVendor))
	keys := []int64{partID, vendorID}

	ok, err := r.q.EnsureLink(ctx, t.Key, keys, vals)
	if err != nil {
		return fmt.Errorf("part vendor: %w", err)
	}
	r.row.Links.PartVendor = ok
	if !ok && r.policy.UpdateExisting && len(vals) > 0 {
		if err := r.q.UpdateLink(ctx, t.Key, keys, vals); err != nil {
			return fmt.Errorf("part vendor: %w", err)
		}
	}
	return r.autoPrimary(ctx, partID)
}

// autoPrimary makes a part's only vendor its primary vendor.
func (r *rowRun) autoPrimary(ctx context.Context, partID int64) error {
	links, err := r.q.ListLinks(ctx, catalog.PartVendors, "part_id", partID)
	if err != nil {
		return fmt.Errorf("primary vendor: %w", err)
	}
	if len(links) != 1 {
		return nil
	}
	vendorID, _ := links[0]["vendor_id"].(int64)
	return r.setPrimaryVendor(ctx, partID, vendorID)
}

func (r *rowRun) setPrimaryVendor(ctx context.Context, partID, vendorID int64) error {
	part, err := r.q.GetEntity(ctx, catalog.Parts, partID)
	if err != nil {
		return fmt.Errorf("primary vendor: %w", err)
	}
	if cur, _ := part["primary_vendor_id"].(int64); cur == vendorID {
		return nil
	}
	if err := r.q.UpdateEntity(ctx, catalog.Parts, partID, catalog.Values{"primary_vendor_id": vendorID}); err != nil {
		return fmt.Errorf("primary vendor: %w", err)
	}
	return nil
}

// primaryVendor applies an explicit primary_vendor_name, creating the vendor
// when the catalog does not know it.
func (r *rowRun) primaryVendor(ctx context.Context, partID int64) error {
	name, _ := r.res.Section(catalog.SectionVendor)["primary_vendor_name"].(string)
	if name == "" {
		return nil
	}
	t := catalog.MustGet(catalog.Vendors)
	vals := r.fit(t, catalog.Values{"name": name})

	id, isNew, err := r.getOrCreate(ctx, t, matchOn(t, vals, "name"), vals)
	if err != nil {
		return fmt.Errorf("primary vendor: %w", err)
	}
	if isNew && r.row.Vendor.ID == nil {
		r.record(&r.row.Vendor, id, created)
	}
	return r.setPrimaryVendor(ctx, partID, id)
}

var engineEdgeFields = []struct {
	field string
	table string
}{
	{"interchanges", catalog.EngineInterchanges},
	{"compatibles", catalog.EngineCompatibles},
	{"supersedes", catalog.EngineSupersessions},
}

// engineEdges links the engine to the engines named by identifier in the
// interchange, compatible and supersession lists. Supersession is directed
// from this engine to the listed ones.
func (r *rowRun) engineEdges(ctx context.Context, engineID int64) error {
	fields := r.res.Section(catalog.SectionEngine)
	for _, e := range engineEdgeFields {
		list, _ := fields[e.field].([]string)
		for _, identifier := range list {
			ids, err := r.q.FindIDs(ctx, catalog.Engines, []store.Match{
				{Column: "identifier", Value: identifier, Fold: true},
			})
			if err != nil {
				return fmt.Errorf("%s: %w", e.field, err)
			}
			if len(ids) == 0 {
				r.warn("Unknown engine identifier %q in %s", identifier, e.field)
				continue
			}
			for _, other := range ids {
				if other == engineID {
					continue
				}
				if _, err := r.q.EnsureLink(ctx, e.table, []int64{engineID, other}, nil); err != nil {
					return fmt.Errorf("%s: %w", e.field, err)
				}
			}
		}
	}
	return nil
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// resolveBuild handles the build list family: the engine's build list, the
// row's part as a build list item, and optionally a kit with a kit item.
func (r *rowRun) resolveBuild(ctx context.Context) error {
	list := r.res.Section(catalog.SectionBuildList)
	listItem := r.res.Section(catalog.SectionBuildListItem)
	kit := r.res.Section(catalog.SectionKit)
	kitItem := r.res.Section(catalog.SectionKitItem)
	if len(list)+len(listItem)+len(kit)+len(kitItem) == 0 {
		return nil
	}
	row := r.row
	if row.Engine.ID == nil {
		return fmt.Errorf("Build list requires an engine")
	}

	listID, err := r.buildList(ctx, *row.Engine.ID, list)
	if err != nil {
		return err
	}
	if row.Part.ID != nil {
		if err := r.buildListItem(ctx, listID, *row.Part.ID, listItem); err != nil {
			return err
		}
	}

	if len(kit)+len(kitItem) == 0 {
		return nil
	}
	kitID, kitChanged, err := r.kit(ctx, listID, kit)
	if err != nil {
		return err
	}
	itemChanged := false
	switch {
	case row.Part.ID != nil && row.Vendor.ID != nil:
		if itemChanged, err = r.kitItem(ctx, kitID, *row.Part.ID, *row.Vendor.ID, kitItem); err != nil {
			return err
		}
	case len(kitItem) > 0:
		return fmt.Errorf("Kit item requires a part and a vendor")
	}
	if kitChanged || itemChanged {
		return r.kitTotals(ctx, kitID)
	}
	return nil
}

// buildList finds the engine's build list or creates it, named after the
// engine unless the row names it.
func (r *rowRun) buildList(ctx context.Context, engineID int64, fields map[string]any) (int64, error) {
	t := catalog.MustGet(catalog.BuildLists)
	vals := r.columns(t, catalog.FamilyBuild, fields)

	ids, err := r.q.FindIDs(ctx, t.Key, []store.Match{{Column: "engine_id", Value: engineID}})
	if err != nil {
		return 0, fmt.Errorf("build list: %w", err)
	}
	if len(ids) > 0 {
		id, res, err := r.existing(ctx, t, ids[0], vals)
		if err != nil {
			return 0, fmt.Errorf("build list: %w", err)
		}
		if res == updated {
			r.record(&r.row.BuildList, id, res)
		} else {
			r.row.BuildList.ID = &id
		}
		return id, nil
	}

	if vals["name"] == nil {
		engine, err := r.q.GetEntity(ctx, catalog.Engines, engineID)
		if err != nil {
			return 0, fmt.Errorf("build list: %w", err)
		}
		mk, _ := engine["engine_make"].(string)
		md, _ := engine["engine_model"].(string)
		vals["name"] = fmt.Sprintf("%s %s Build List", mk, md)
		vals = r.fit(t, vals)
	}
	vals["engine_id"] = engineID

	id, res, err := r.resolve(ctx, t, nil, vals)
	if err != nil {
		return 0, fmt.Errorf("build list: %w", err)
	}
	r.record(&r.row.BuildList, id, res)
	return id, nil
}

func (r *rowRun) buildListItem(ctx context.Context, listID, partID int64, fields map[string]any) error {
	t := catalog.MustGet(catalog.BuildListItems)
	supplied := r.columns(t, catalog.FamilyBuild, fields)
	keys := []int64{listID, partID}

	vals := make(catalog.Values, len(supplied)+1)
	for k, v := range supplied {
		vals[k] = v
	}
	if vals["quantity"] == nil {
		vals["quantity"] = one
	}

	ok, err := r.q.EnsureLink(ctx, t.Key, keys, vals)
	if err != nil {
		return fmt.Errorf("build list item: %w", err)
	}
	r.row.Links.BuildListItem = ok
	if !ok && r.policy.UpdateExisting && len(supplied) > 0 {
		if err := r.q.UpdateLink(ctx, t.Key, keys, supplied); err != nil {
			return fmt.Errorf("build list item: %w", err)
		}
	}
	return nil
}

// kit resolves the named kit of a build list. changed reports whether the
// kit row was created or updated.
func (r *rowRun) kit(ctx context.Context, listID int64, fields map[string]any) (id int64, changed bool, err error) {
	t := catalog.MustGet(catalog.Kits)
	vals := r.columns(t, catalog.FamilyBuild, fields)
	if vals["name"] == nil {
		return 0, false, fmt.Errorf("Kit requires: kit_name")
	}
	vals["build_list_id"] = listID

	ids, err := r.q.FindIDs(ctx, t.Key, matchOn(t, vals, "build_list_id", "name"))
	if err != nil {
		return 0, false, fmt.Errorf("kit: %w", err)
	}
	var res resolution
	if len(ids) > 0 {
		id, res, err = r.existing(ctx, t, ids[0], vals)
	} else {
		id, res, err = r.resolve(ctx, t, nil, vals)
	}
	if err != nil {
		return 0, false, fmt.Errorf("kit: %w", err)
	}
	if res == skipped {
		r.row.Kit.ID = &id
		return id, false, nil
	}
	r.record(&r.row.Kit, id, res)
	return id, true, nil
}

// kitItem adds the row's part from the row's vendor to the kit. The unit
// cost defaults to the vendor's cost for the part.
func (r *rowRun) kitItem(ctx context.Context, kitID, partID, vendorID int64, fields map[string]any) (bool, error) {
	t := catalog.MustGet(catalog.KitItems)
	supplied := r.columns(t, catalog.FamilyBuild, fields)
	keys := []int64{kitID, partID, vendorID}

	vals := make(catalog.Values, len(supplied)+2)
	for k, v := range supplied {
		vals[k] = v
	}
	if vals["quantity"] == nil {
		vals["quantity"] = one
	}
	if vals["unit_cost"] == nil {
		link, err := r.q.GetLink(ctx, catalog.PartVendors, []int64{partID, vendorID})
		if err == nil && link["cost"] != nil {
			vals["unit_cost"] = link["cost"]
		}
	}

	ok, err := r.q.EnsureLink(ctx, t.Key, keys, vals)
	if err != nil {
		return false, fmt.Errorf("kit item: %w", err)
	}
	r.row.Links.KitItem = ok
	if ok {
		return true, nil
	}
	if r.policy.UpdateExisting && len(supplied) > 0 {
		if err := r.q.UpdateLink(ctx, t.Key, keys, supplied); err != nil {
			return false, fmt.Errorf("kit item: %w", err)
		}
		return true, nil
	}
	return false, nil
}

func asDecimal(v any) decimal.Decimal {
	d, _ := v.(decimal.Decimal)
	return d
}

// kitTotals recomputes a kit's cost total and sale price from its items,
// rounded to cents.
func (r *rowRun) kitTotals(ctx context.Context, kitID int64) error {
	items, err := r.q.ListLinks(ctx, catalog.KitItems, "kit_id", kitID)
	if err != nil {
		return fmt.Errorf("kit totals: %w", err)
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(asDecimal(it["unit_cost"]).Mul(asDecimal(it["quantity"])))
	}

	kit, err := r.q.GetEntity(ctx, catalog.Kits, kitID)
	if err != nil {
		return fmt.Errorf("kit totals: %w", err)
	}
	margin := asDecimal(kit["margin_pct"])
	total = total.Round(2)
	sale := total.Mul(one.Add(margin.Div(hundred))).Round(2)

	err = r.q.UpdateEntity(ctx, catalog.Kits, kitID, catalog.Values{"cost_total": total, "sale_price": sale})
	if err != nil {
		return fmt.Errorf("kit totals: %w", err)
	}
	return nil
}
