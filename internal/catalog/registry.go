package catalog

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[string]Table)
	registryMu sync.RWMutex
)

// Register adds a table description. It panics on duplicate keys and on
// unique keys or link keys that name undeclared columns.
func Register(t Table) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[t.Key]; exists {
		panic(fmt.Sprintf("table already registered: %s", t.Key))
	}
	for _, key := range t.Unique {
		for _, col := range key {
			if _, ok := t.Column(col); !ok {
				panic(fmt.Sprintf("table %s: unique key column %s not declared", t.Key, col))
			}
		}
	}
	for _, col := range t.LinkKeys {
		if _, ok := t.Column(col); !ok {
			panic(fmt.Sprintf("table %s: link key column %s not declared", t.Key, col))
		}
	}
	if (t.Symmetric || t.NoSelf) && len(t.LinkKeys) != 2 {
		panic(fmt.Sprintf("table %s: symmetric and no-self links need exactly two keys", t.Key))
	}

	registry[t.Key] = t
}

// Get returns a table by key.
func Get(key string) (Table, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	t, ok := registry[key]
	return t, ok
}

// MustGet is Get for keys that are compiled into the program.
func MustGet(key string) Table {
	t, ok := Get(key)
	if !ok {
		panic(fmt.Sprintf("unknown catalog table: %s", key))
	}
	return t
}

// All returns every registered table sorted by key.
func All() []Table {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Table, 0, len(registry))
	for _, t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Links returns the registered association tables sorted by key.
func Links() []Table {
	var out []Table
	for _, t := range All() {
		if t.IsLink() {
			out = append(out, t)
		}
	}
	return out
}

// Reference is a column of one table pointing at another.
type Reference struct {
	Table  Table
	Column Column
}

// ReferencesTo returns every column that points at the table key.
func ReferencesTo(key string) []Reference {
	var out []Reference
	for _, t := range All() {
		for _, c := range t.Columns {
			if c.Ref == key {
				out = append(out, Reference{Table: t, Column: c})
			}
		}
	}
	return out
}
