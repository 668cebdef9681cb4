package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/normalize"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

// Policy is how a batch treats rows that match an existing record.
//
// UpdateExisting wins over SkipDuplicates. With neither flag every row
// creates a new record; a create that still collides with a unique key
// resolves to the existing record and is treated as skipped.
type Policy struct {
	SkipDuplicates bool
	UpdateExisting bool
}

func (p Policy) lookup() bool { return p.SkipDuplicates || p.UpdateExisting }

type resolution int

const (
	created resolution = iota + 1
	skipped
	updated
)

// engineKeys remembers complete engine keys created earlier in the batch so
// repeated engines in one file resolve to the first row's engine.
type engineKeys map[string]int64

func engineKey(v catalog.Values) string {
	parts := make([]string, 0, 3)
	for _, col := range []string{"engine_make", "engine_model", "identifier"} {
		s, _ := v[col].(string)
		if s == "" {
			return ""
		}
		parts = append(parts, strings.ToLower(s))
	}
	return strings.Join(parts, "\x00")
}

// rowRun carries one source row through resolution inside its transaction.
type rowRun struct {
	q       store.Queries
	batchID uuid.UUID
	policy  Policy
	mapping *store.Mapping
	rec     normalize.Row
	res     *normalize.Result
	row     *store.Row
	engines engineKeys

	// pendingKey is admitted to engines once the row commits.
	pendingKey string
	pendingID  int64

	warnings []string
}

func (r *rowRun) warn(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// commit publishes in-batch state that must only be visible after the row
// transaction succeeded.
func (r *rowRun) commit() {
	if r.pendingKey != "" {
		r.engines[r.pendingKey] = r.pendingID
	}
}

func familyLabel(f catalog.Family) string {
	switch f {
	case catalog.FamilyBuild:
		return "Build list"
	default:
		s := string(f)
		return strings.ToUpper(s[:1]) + s[1:]
	}
}

// process runs every resolver and the relationship builder for the row.
func (r *rowRun) process(ctx context.Context) error {
	for _, w := range r.res.Warnings {
		r.warn("%s: %s", w.Field, w.Message)
	}
	for _, f := range catalog.Families() {
		if r.res.FamilyEmpty(f) {
			return fmt.Errorf("%s row must have at least one field with data", familyLabel(f))
		}
	}

	steps := []func(context.Context) error{
		r.resolveMachine,
		r.resolveEngine,
		r.resolvePart,
		r.resolveVendor,
		r.buildRelations,
		r.resolveBuild,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *rowRun) record(o *store.Outcome, id int64, res resolution) {
	o.Set(id, res == created, res == updated)
	switch res {
	case skipped:
		r.row.DuplicateSkipped = true
	case updated:
		r.row.DuplicateUpdated = true
	}
}

// fit shortens overlong text to the column limits, warning once per column.
func (r *rowRun) fit(t catalog.Table, v catalog.Values) catalog.Values {
	out, cut := t.Fit(v)
	sort.Slice(cut, func(i, j int) bool { return cut[i].Column < cut[j].Column })
	for _, c := range cut {
		r.warn("%s field '%s' truncated from %d to %d characters", t.Label, c.Column, c.Original, c.Limit)
	}
	return out
}

// columns converts section fields into fitted column values of t.
func (r *rowRun) columns(t catalog.Table, family catalog.Family, fields normalize.Fields) catalog.Values {
	v, _ := catalog.ColumnValues(family, t.Key, fields)
	return r.fit(t, v)
}

func isText(c catalog.Column) bool {
	return c.Kind == catalog.KindText || c.Kind == catalog.KindUpper
}

// matchOn builds lookup conditions for the listed columns that have a value.
func matchOn(t catalog.Table, v catalog.Values, cols ...string) []store.Match {
	var m []store.Match
	for _, name := range cols {
		x, ok := v[name]
		if !ok || x == nil {
			continue
		}
		col, _ := t.Column(name)
		m = append(m, store.Match{Column: name, Value: x, Fold: isText(col)})
	}
	return m
}

// resolve finds a record by key and applies the batch policy, or creates one.
func (r *rowRun) resolve(ctx context.Context, t catalog.Table, key []store.Match, vals catalog.Values) (int64, resolution, error) {
	if len(key) > 0 && r.policy.lookup() {
		ids, err := r.q.FindIDs(ctx, t.Key, key)
		if err != nil {
			return 0, 0, err
		}
		if len(ids) > 0 {
			return r.existing(ctx, t, ids[0], vals)
		}
	}
	id, existed, err := r.insert(ctx, t, vals)
	if err != nil {
		return 0, 0, err
	}
	if existed {
		return r.existing(ctx, t, id, vals)
	}
	return id, created, nil
}

func (r *rowRun) existing(ctx context.Context, t catalog.Table, id int64, vals catalog.Values) (int64, resolution, error) {
	if !r.policy.UpdateExisting {
		return id, skipped, nil
	}
	if len(vals) > 0 {
		if err := r.q.UpdateEntity(ctx, t.Key, id, vals); err != nil {
			return 0, 0, err
		}
	}
	return id, updated, nil
}

// insert creates a record. A unique violation, whether from a concurrent
// batch or from a key the lookup did not cover, resolves to the record that
// holds the key and reports existed.
func (r *rowRun) insert(ctx context.Context, t catalog.Table, vals catalog.Values) (int64, bool, error) {
	id, err := r.q.InsertEntity(ctx, t.Key, vals)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return 0, false, err
	}
	for _, key := range t.Unique {
		match := make([]store.Match, len(key))
		for i, name := range key {
			col, _ := t.Column(name)
			match[i] = store.Match{Column: name, Value: vals[name], Fold: isText(col)}
		}
		ids, ferr := r.q.FindIDs(ctx, t.Key, match)
		if ferr != nil {
			return 0, false, ferr
		}
		if len(ids) > 0 {
			return ids[0], true, nil
		}
	}
	return 0, false, err
}

// getOrCreate looks a supporting record up by key regardless of the batch
// policy and creates it when missing.
func (r *rowRun) getOrCreate(ctx context.Context, t catalog.Table, key []store.Match, vals catalog.Values) (int64, bool, error) {
	ids, err := r.q.FindIDs(ctx, t.Key, key)
	if err != nil {
		return 0, false, err
	}
	if len(ids) > 0 {
		return ids[0], false, nil
	}
	id, existed, err := r.insert(ctx, t, vals)
	return id, err == nil && !existed, err
}

var machineKey = []string{"make", "model", "year", "machine_type", "market_type"}

func (r *rowRun) resolveMachine(ctx context.Context) error {
	fields := r.res.Section(catalog.SectionMachine)
	if len(fields) == 0 {
		return nil
	}
	t := catalog.MustGet(catalog.Machines)
	vals := r.columns(t, catalog.FamilyMachine, fields)

	id, res, err := r.resolve(ctx, t, matchOn(t, vals, machineKey...), vals)
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	r.record(&r.row.Machine, id, res)
	return nil
}

const unknownReference = "Unknown"

// referenceIdentifier derives the identifier of a created reference engine.
func referenceIdentifier(mk, md string) string {
	return strings.ToUpper(strings.ReplaceAll(mk+"_"+md, " ", "_"))
}

// referenceEngine resolves the secondary engine named by the row, or the
// shared "Unknown" record when the row names none. supplied reports whether
// the row named one.
func (r *rowRun) referenceEngine(ctx context.Context, fields normalize.Fields) (id int64, supplied bool, err error) {
	mk, _ := fields["secondary_make"].(string)
	md, _ := fields["secondary_model"].(string)
	supplied = mk != "" || md != ""

	identifier := "UNKNOWN"
	if supplied {
		if mk == "" {
			mk = unknownReference
		}
		if md == "" {
			md = unknownReference
		}
		identifier = referenceIdentifier(mk, md)
	} else {
		mk, md = unknownReference, unknownReference
	}

	t := catalog.MustGet(catalog.ReferenceEngines)
	vals := r.fit(t, catalog.Values{"make": mk, "model": md, "identifier": identifier})
	key := matchOn(t, vals, "make", "model")
	ids, err := r.q.FindIDs(ctx, t.Key, key)
	if err != nil {
		return 0, false, fmt.Errorf("reference engine: %w", err)
	}
	if len(ids) > 0 {
		return ids[0], supplied, nil
	}
	id, existed, err := r.insert(ctx, t, vals)
	if err != nil {
		return 0, false, fmt.Errorf("reference engine: %w", err)
	}
	if existed {
		// Distinct make/model pairs can derive the same identifier; only a
		// record with this make and model may stand in.
		ids, err := r.q.FindIDs(ctx, t.Key, key)
		if err != nil {
			return 0, false, fmt.Errorf("reference engine: %w", err)
		}
		if len(ids) == 0 {
			return 0, false, fmt.Errorf("reference engine %s %s: identifier %s belongs to another reference engine",
				mk, md, vals["identifier"])
		}
		id = ids[0]
	}
	return id, supplied, nil
}

func (r *rowRun) resolveEngine(ctx context.Context) error {
	fields := r.res.Section(catalog.SectionEngine)
	if len(fields) == 0 {
		return nil
	}
	t := catalog.MustGet(catalog.Engines)
	vals := r.columns(t, catalog.FamilyEngine, fields)
	key := engineKey(vals)

	id, found, err := r.findEngine(ctx, t, key, vals)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	var res resolution
	switch {
	case found && !r.policy.UpdateExisting:
		res = skipped

	case found:
		ref, supplied, err := r.referenceEngine(ctx, fields)
		if err != nil {
			return err
		}
		if supplied {
			vals["reference_engine_id"] = ref
		}
		if id, res, err = r.existing(ctx, t, id, vals); err != nil {
			return fmt.Errorf("engine: %w", err)
		}

	default:
		ref, _, err := r.referenceEngine(ctx, fields)
		if err != nil {
			return err
		}
		vals["reference_engine_id"] = ref
		if id, res, err = r.resolve(ctx, t, nil, vals); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		if key != "" && res == created {
			r.pendingKey, r.pendingID = key, id
		}
	}

	r.record(&r.row.Engine, id, res)
	return nil
}

// findEngine matches only complete keys: first against engines created
// earlier in the batch, then, when the policy looks duplicates up, against
// the catalog.
func (r *rowRun) findEngine(ctx context.Context, t catalog.Table, key string, vals catalog.Values) (int64, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	if id, ok := r.engines[key]; ok {
		return id, true, nil
	}
	if !r.policy.lookup() {
		return 0, false, nil
	}
	ids, err := r.q.FindIDs(ctx, t.Key, matchOn(t, vals, "engine_make", "engine_model", "identifier"))
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], true, nil
}

func (r *rowRun) resolvePart(ctx context.Context) error {
	fields := r.res.Section(catalog.SectionPart)
	if len(fields) == 0 {
		return nil
	}
	t := catalog.MustGet(catalog.Parts)
	vals := r.columns(t, catalog.FamilyPart, fields)

	if name, ok := fields["category"].(string); ok {
		catID, err := r.category(ctx, name)
		if err != nil {
			return err
		}
		vals["category_id"] = catID
	}

	id, res, err := r.resolve(ctx, t, matchOn(t, vals, "part_number", "name"), vals)
	if err != nil {
		return fmt.Errorf("part: %w", err)
	}
	r.record(&r.row.Part, id, res)
	return r.applyAttributes(ctx, id)
}

func (r *rowRun) category(ctx context.Context, name string) (int64, error) {
	t := catalog.MustGet(catalog.PartCategories)
	vals := r.fit(t, catalog.Values{"name": name, "slug": slugify(name)})
	id, _, err := r.getOrCreate(ctx, t, matchOn(t, vals, "name"), vals)
	if err != nil {
		return 0, fmt.Errorf("part category: %w", err)
	}
	return id, nil
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// applyAttributes stores the mapped dynamic attributes of a part. Values that
// do not parse, unknown choices and attributes outside the part's category
// are skipped with a warning.
func (r *rowRun) applyAttributes(ctx context.Context, partID int64) error {
	if len(r.mapping.Attributes) == 0 {
		return nil
	}
	part, err := r.q.GetEntity(ctx, catalog.Parts, partID)
	if err != nil {
		return fmt.Errorf("part attributes: %w", err)
	}
	categoryID, _ := part["category_id"].(int64)

	ids := make([]int64, 0, len(r.mapping.Attributes))
	for id := range r.mapping.Attributes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, attrID := range ids {
		raw, ok := r.rec.Get(r.mapping.Attributes[attrID])
		if !ok || normalize.CollapseSpace(raw) == "" {
			continue
		}

		attr, err := r.q.GetAttribute(ctx, attrID)
		if errors.Is(err, store.ErrNotFound) {
			r.warn("Attribute %d not found", attrID)
			continue
		}
		if err != nil {
			return fmt.Errorf("part attributes: %w", err)
		}
		if attr.CategoryID != categoryID {
			r.warn("Skipped attribute %s: not in the part's category", attr.Name)
			continue
		}

		v, err := normalize.ParseAttribute(attr.DataType, raw)
		if err != nil {
			r.warn("Skipped attribute %s: %v", attr.Name, err)
			continue
		}

		var av store.AttributeValue
		switch x := v.(type) {
		case string:
			if attr.DataType == normalize.AttrChoice {
				choiceID, ok, err := r.choice(ctx, attr.ID, x)
				if err != nil {
					return fmt.Errorf("part attributes: %w", err)
				}
				if !ok {
					r.warn("Skipped attribute %s: invalid choice %q", attr.Name, x)
					continue
				}
				av.ChoiceID = &choiceID
			} else {
				av.Text = &x
			}
		case int64:
			av.Int = &x
		case decimal.Decimal:
			av.Dec = decimal.NewNullDecimal(x)
		case bool:
			av.Bool = &x
		case time.Time:
			av.Date = &x
		}

		if err := r.q.UpsertAttributeValue(ctx, partID, attr.ID, av); err != nil {
			return fmt.Errorf("part attribute %s: %w", attr.Name, err)
		}
	}
	return nil
}

// choice matches a value or label case-insensitively.
func (r *rowRun) choice(ctx context.Context, attributeID int64, s string) (int64, bool, error) {
	choices, err := r.q.AttributeChoices(ctx, attributeID)
	if err != nil {
		return 0, false, err
	}
	for _, c := range choices {
		if strings.EqualFold(c.Value, s) || strings.EqualFold(c.Label, s) {
			return c.ID, true, nil
		}
	}
	return 0, false, nil
}

func (r *rowRun) resolveVendor(ctx context.Context) error {
	fields := r.res.Section(catalog.SectionVendor)
	if len(fields) == 0 {
		return nil
	}
	t := catalog.MustGet(catalog.Vendors)
	vals := r.columns(t, catalog.FamilyVendor, fields)

	if vals["name"] == nil {
		for name := range fields {
			if name != "primary_vendor_name" {
				return errors.New("Vendor requires: vendor_name")
			}
		}
		return nil
	}

	id, res, err := r.resolve(ctx, t, matchOn(t, vals, "name"), vals)
	if err != nil {
		return fmt.Errorf("vendor: %w", err)
	}
	r.record(&r.row.Vendor, id, res)
	return nil
}
