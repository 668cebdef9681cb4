package store

import (
	"fmt"
	"slices"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
)

// OrderLinkKeys validates association keys against t and returns them in
// storage order: the smaller id first for symmetric tables.
func OrderLinkKeys(t catalog.Table, keys []int64) ([]int64, error) {
	if len(keys) != len(t.LinkKeys) {
		return nil, fmt.Errorf("%s: want %d keys, got %d", t.Key, len(t.LinkKeys), len(keys))
	}
	if t.NoSelf && keys[0] == keys[1] {
		return nil, fmt.Errorf("%s %d: %w", t.Key, keys[0], ErrSelfLink)
	}
	out := slices.Clone(keys)
	if t.Symmetric && out[0] > out[1] {
		out[0], out[1] = out[1], out[0]
	}
	return out, nil
}

// CheckColumns rejects values for columns t does not declare.
func CheckColumns(t catalog.Table, v catalog.Values) error {
	for name := range v {
		if _, ok := t.Column(name); !ok {
			return fmt.Errorf("%s: unknown column %q", t.Key, name)
		}
	}
	return nil
}

// EntityTable returns a registered entity table.
func EntityTable(key string) (catalog.Table, error) {
	t, ok := catalog.Get(key)
	if !ok || t.IsLink() {
		return catalog.Table{}, fmt.Errorf("unknown entity table %q", key)
	}
	return t, nil
}

// LinkTable returns a registered association table.
func LinkTable(key string) (catalog.Table, error) {
	t, ok := catalog.Get(key)
	if !ok || !t.IsLink() {
		return catalog.Table{}, fmt.Errorf("unknown association table %q", key)
	}
	return t, nil
}
