package memstore

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

func matches(v catalog.Values, match []store.Match) bool {
	for _, m := range match {
		if !equal(v[m.Column], m.Value, m.Fold) {
			return false
		}
	}
	return true
}

func (s *Store) FindIDs(_ context.Context, table string, match []store.Match) ([]int64, error) {
	defer s.lock()()

	t, err := store.EntityTable(table)
	if err != nil {
		return nil, err
	}
	for _, m := range match {
		if _, ok := t.Column(m.Column); !ok {
			return nil, fmt.Errorf("%s: unknown column %q", table, m.Column)
		}
	}

	var ids []int64
	for id, rec := range s.d.entities[table] {
		if matches(rec.values, match) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) GetEntity(_ context.Context, table string, id int64) (catalog.Values, error) {
	defer s.lock()()

	if _, err := store.EntityTable(table); err != nil {
		return nil, err
	}
	rec, ok := s.d.entities[table][id]
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", table, id, store.ErrNotFound)
	}
	return cloneValues(rec.values), nil
}

// conflicts reports whether v collides with a unique key of another row.
func (s *Store) conflicts(t catalog.Table, self int64, v catalog.Values) bool {
	for _, key := range t.Unique {
		want := uniqueKey(v, key)
		for id, rec := range s.d.entities[t.Key] {
			if id != self && uniqueKey(rec.values, key) == want {
				return true
			}
		}
	}
	return false
}

func (s *Store) checkRefs(t catalog.Table, v catalog.Values) error {
	for _, c := range t.Columns {
		if c.Ref == "" || v[c.Name] == nil {
			continue
		}
		id, ok := v[c.Name].(int64)
		if !ok {
			return fmt.Errorf("%s.%s: id must be int64, got %T", t.Key, c.Name, v[c.Name])
		}
		if _, ok := s.d.entities[c.Ref][id]; !ok {
			return fmt.Errorf("%s.%s references missing %s %d: %w", t.Key, c.Name, c.Ref, id, store.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) InsertEntity(_ context.Context, table string, v catalog.Values) (int64, error) {
	defer s.lock()()

	t, err := store.EntityTable(table)
	if err != nil {
		return 0, err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return 0, err
	}
	vals := cloneValues(v)
	if err := s.checkRefs(t, vals); err != nil {
		return 0, err
	}
	if s.conflicts(t, 0, vals) {
		return 0, fmt.Errorf("insert %s: %w", table, store.ErrDuplicate)
	}

	s.d.seq[table]++
	id := s.d.seq[table]
	now := s.now()
	setKey(s, s.d.entities[table], id, record{values: vals, created: now, updated: now})
	return id, nil
}

func (s *Store) UpdateEntity(_ context.Context, table string, id int64, v catalog.Values) error {
	defer s.lock()()

	t, err := store.EntityTable(table)
	if err != nil {
		return err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return err
	}
	rec, ok := s.d.entities[table][id]
	if !ok {
		return fmt.Errorf("%s %d: %w", table, id, store.ErrNotFound)
	}

	merged := cloneValues(rec.values)
	for k, x := range v {
		merged[k] = canon(x)
	}
	if err := s.checkRefs(t, merged); err != nil {
		return err
	}
	if s.conflicts(t, id, merged) {
		return fmt.Errorf("update %s %d: %w", table, id, store.ErrDuplicate)
	}

	setKey(s, s.d.entities[table], id, record{values: merged, created: rec.created, updated: s.now()})
	return nil
}

func (s *Store) DeleteByIDs(_ context.Context, table string, ids []int64) (int, error) {
	defer s.lock()()

	if _, err := store.EntityTable(table); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, ok := s.d.entities[table][id]; !ok {
			continue
		}
		s.deleteEntity(table, id)
		n++
	}
	return n, nil
}

// deleteEntity removes a row and applies the referential actions of every
// column pointing at its table.
func (s *Store) deleteEntity(table string, id int64) {
	deleteKey(s, s.d.entities[table], id)

	if table == catalog.Parts {
		for k := range s.d.attrValues {
			if k[0] == id {
				deleteKey(s, s.d.attrValues, k)
			}
		}
	}

	for _, ref := range catalog.ReferencesTo(table) {
		col := ref.Column.Name
		if ref.Table.IsLink() {
			for k, row := range s.d.links[ref.Table.Key] {
				if row.values[col] == id {
					deleteKey(s, s.d.links[ref.Table.Key], k)
				}
			}
			continue
		}
		for oid, rec := range s.d.entities[ref.Table.Key] {
			if rec.values[col] != id {
				continue
			}
			if ref.Column.Cascade {
				s.deleteEntity(ref.Table.Key, oid)
				continue
			}
			vals := cloneValues(rec.values)
			vals[col] = nil
			setKey(s, s.d.entities[ref.Table.Key], oid, record{values: vals, created: rec.created, updated: rec.updated})
		}
	}
}

func (s *Store) CountModifiedAfter(_ context.Context, table string, ids []int64, t time.Time) (int, error) {
	defer s.lock()()

	if _, err := store.EntityTable(table); err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if rec, ok := s.d.entities[table][id]; ok && rec.updated.After(t) {
			n++
		}
	}
	return n, nil
}

func linkKey(keys []int64) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strconv.FormatInt(k, 10)
	}
	return strings.Join(parts, ",")
}

func (s *Store) EnsureLink(_ context.Context, table string, keys []int64, v catalog.Values) (bool, error) {
	defer s.lock()()

	t, err := store.LinkTable(table)
	if err != nil {
		return false, err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return false, err
	}
	keys, err = store.OrderLinkKeys(t, keys)
	if err != nil {
		return false, err
	}
	k := linkKey(keys)
	if _, ok := s.d.links[table][k]; ok {
		return false, nil
	}

	vals := cloneValues(v)
	for i, col := range t.LinkKeys {
		vals[col] = keys[i]
	}
	if err := s.checkRefs(t, vals); err != nil {
		return false, err
	}
	setKey(s, s.d.links[table], k, linkRow{keys: keys, values: vals})
	return true, nil
}

func (s *Store) UpdateLink(_ context.Context, table string, keys []int64, v catalog.Values) error {
	defer s.lock()()

	t, err := store.LinkTable(table)
	if err != nil {
		return err
	}
	if err := store.CheckColumns(t, v); err != nil {
		return err
	}
	keys, err = store.OrderLinkKeys(t, keys)
	if err != nil {
		return err
	}
	k := linkKey(keys)
	row, ok := s.d.links[table][k]
	if !ok {
		return fmt.Errorf("%s %s: %w", table, k, store.ErrNotFound)
	}

	vals := cloneValues(row.values)
	for name, x := range v {
		if slices.Contains(t.LinkKeys, name) {
			continue
		}
		vals[name] = canon(x)
	}
	setKey(s, s.d.links[table], k, linkRow{keys: keys, values: vals})
	return nil
}

func (s *Store) GetLink(_ context.Context, table string, keys []int64) (catalog.Values, error) {
	defer s.lock()()

	t, err := store.LinkTable(table)
	if err != nil {
		return nil, err
	}
	keys, err = store.OrderLinkKeys(t, keys)
	if err != nil {
		return nil, err
	}
	row, ok := s.d.links[table][linkKey(keys)]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", table, linkKey(keys), store.ErrNotFound)
	}
	return cloneValues(row.values), nil
}

func (s *Store) ListLinks(_ context.Context, table, column string, id int64) ([]catalog.Values, error) {
	defer s.lock()()

	t, err := store.LinkTable(table)
	if err != nil {
		return nil, err
	}
	if _, ok := t.Column(column); !ok {
		return nil, fmt.Errorf("%s: unknown column %q", table, column)
	}

	var rows []linkRow
	for _, row := range s.d.links[table] {
		if row.values[column] == id {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b linkRow) int { return slices.Compare(a.keys, b.keys) })

	out := make([]catalog.Values, len(rows))
	for i, row := range rows {
		out[i] = cloneValues(row.values)
	}
	return out, nil
}

func (s *Store) GetAttribute(_ context.Context, id int64) (store.Attribute, error) {
	defer s.lock()()

	a, ok := s.d.attributes[id]
	if !ok {
		return store.Attribute{}, fmt.Errorf("attribute %d: %w", id, store.ErrNotFound)
	}
	return a, nil
}

func (s *Store) AttributeChoices(_ context.Context, attributeID int64) ([]store.Choice, error) {
	defer s.lock()()
	return slices.Clone(s.d.choices[attributeID]), nil
}

func (s *Store) UpsertAttributeValue(_ context.Context, partID, attributeID int64, v store.AttributeValue) error {
	defer s.lock()()

	if _, ok := s.d.entities[catalog.Parts][partID]; !ok {
		return fmt.Errorf("part %d: %w", partID, store.ErrNotFound)
	}
	if _, ok := s.d.attributes[attributeID]; !ok {
		return fmt.Errorf("attribute %d: %w", attributeID, store.ErrNotFound)
	}
	setKey(s, s.d.attrValues, [2]int64{partID, attributeID}, v)
	return nil
}
