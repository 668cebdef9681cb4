// Package memstore is an in-process store.Store. Transactions hold the store
// lock for their whole duration and roll back through an undo journal, so
// callers observe the same all-or-nothing row semantics as with postgres.
//
// Unique keys follow the catalog registry: text compares case-insensitively
// and NULL participates as an ordinary value.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/catalogimport/internal/catalog"
	"github.com/JonMunkholm/catalogimport/internal/store"
)

type record struct {
	values  catalog.Values
	created time.Time
	updated time.Time
}

type linkRow struct {
	keys   []int64
	values catalog.Values
}

type rowKey struct {
	batch uuid.UUID
	n     int
}

type data struct {
	seq        map[string]int64
	entities   map[string]map[int64]record
	links      map[string]map[string]linkRow
	attributes map[int64]store.Attribute
	choices    map[int64][]store.Choice
	attrValues map[[2]int64]store.AttributeValue
	batches    map[uuid.UUID]store.Batch
	rows       map[rowKey]store.Row
	logs       []store.LogEntry
	mappings   map[uuid.UUID]store.Mapping
}

// Store implements store.Store in memory.
type Store struct {
	mu   *sync.Mutex
	d    *data
	now  func() time.Time
	undo *[]func() // set inside a transaction
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store with every catalog table registered.
func New(opts ...Option) *Store {
	d := &data{
		seq:        make(map[string]int64),
		entities:   make(map[string]map[int64]record),
		links:      make(map[string]map[string]linkRow),
		attributes: make(map[int64]store.Attribute),
		choices:    make(map[int64][]store.Choice),
		attrValues: make(map[[2]int64]store.AttributeValue),
		batches:    make(map[uuid.UUID]store.Batch),
		rows:       make(map[rowKey]store.Row),
		mappings:   make(map[uuid.UUID]store.Mapping),
	}
	for _, t := range catalog.All() {
		if t.IsLink() {
			d.links[t.Key] = make(map[string]linkRow)
		} else {
			d.entities[t.Key] = make(map[int64]record)
		}
	}

	s := &Store{mu: &sync.Mutex{}, d: d, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// lock takes the store mutex unless the caller is inside a transaction,
// which already holds it.
func (s *Store) lock() func() {
	if s.undo != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) journal(fn func()) {
	if s.undo != nil {
		*s.undo = append(*s.undo, fn)
	}
}

func setKey[K comparable, V any](s *Store, m map[K]V, k K, v V) {
	prev, had := m[k]
	m[k] = v
	s.journal(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func deleteKey[K comparable, V any](s *Store, m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	delete(m, k)
	s.journal(func() { m[k] = prev })
}

// WithTx runs fn with a view of the store whose writes are undone when fn
// returns an error or panics. A nested call joins the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(q store.Queries) error) (err error) {
	if s.undo != nil {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	tx := &Store{mu: s.mu, d: s.d, now: s.now, undo: &undo}

	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		rollback()
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// AddAttribute defines a part attribute and its choices.
func (s *Store) AddAttribute(a store.Attribute, choices ...store.Choice) store.Attribute {
	defer s.lock()()

	s.d.seq["attributes"]++
	a.ID = s.d.seq["attributes"]
	for i := range choices {
		s.d.seq["choices"]++
		choices[i].ID = s.d.seq["choices"]
	}
	setKey(s, s.d.attributes, a.ID, a)
	setKey(s, s.d.choices, a.ID, choices)
	return a
}

// AttributeValue returns a stored part attribute value.
func (s *Store) AttributeValue(partID, attributeID int64) (store.AttributeValue, bool) {
	defer s.lock()()
	v, ok := s.d.attrValues[[2]int64{partID, attributeID}]
	return v, ok
}

// Count returns the number of rows in a catalog table.
func (s *Store) Count(table string) int {
	defer s.lock()()
	if t, ok := catalog.Get(table); ok && t.IsLink() {
		return len(s.d.links[table])
	}
	return len(s.d.entities[table])
}

func canon(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float64:
		return decimal.NewFromFloat(x)
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return *x
	}
	return v
}

func equal(a, b any, fold bool) bool {
	a, b = canon(a), canon(b)
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		if !ok {
			return false
		}
		if fold {
			return strings.ToLower(x) == strings.ToLower(y)
		}
		return x == y
	case decimal.Decimal:
		y, ok := b.(decimal.Decimal)
		return ok && x.Equal(y)
	}
	return a == b
}

func keyPart(v any) string {
	switch x := canon(v).(type) {
	case nil:
		return "\x00"
	case string:
		return "s" + strings.ToLower(x)
	case decimal.Decimal:
		return "d" + x.String()
	default:
		return fmt.Sprintf("%T%v", x, x)
	}
}

func uniqueKey(v catalog.Values, cols []string) string {
	var b strings.Builder
	for _, c := range cols {
		b.WriteString(keyPart(v[c]))
		b.WriteByte(0x1f)
	}
	return b.String()
}

func cloneValues(v catalog.Values) catalog.Values {
	out := make(catalog.Values, len(v))
	for k, x := range v {
		out[k] = canon(x)
	}
	return out
}
