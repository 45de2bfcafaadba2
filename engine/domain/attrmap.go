package domain

import (
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
)

// AttrPair is one attribute key/value.
type AttrPair struct {
	Key   string
	Value string
}

// AttrMap is a string-to-string map that preserves insertion order. Order
// matters: the embedding text built from span attributes must be stable across
// reprocessing, so attributes keep the order they had in the payload, through
// the warehouse and back.
//
// AttrMap implements clickhouse-go's ordered map contract (Put/Iterator), so
// Map columns are written and scanned in stored order. Use by value in row
// structs; the driver addresses the field, so the pointer methods apply.
type AttrMap struct {
	pairs []AttrPair
	idx   map[string]int
}

var _ column.IterableOrderedMap = (*AttrMap)(nil)

// NewAttrMap creates an AttrMap with room for n pairs.
func NewAttrMap(n int) AttrMap {
	return AttrMap{
		pairs: make([]AttrPair, 0, n),
		idx:   make(map[string]int, n),
	}
}

// AttrsFrom builds an AttrMap from alternating key, value strings.
// Intended for fixtures and tests.
func AttrsFrom(kv ...string) AttrMap {
	m := NewAttrMap(len(kv) / 2)
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

// Set inserts or updates a key. An update keeps the key's original position.
func (m *AttrMap) Set(key, value string) {
	if m.idx == nil {
		m.idx = make(map[string]int)
	}
	if i, ok := m.idx[key]; ok {
		m.pairs[i].Value = value
		return
	}
	m.idx[key] = len(m.pairs)
	m.pairs = append(m.pairs, AttrPair{Key: key, Value: value})
}

// Get returns the value for key and whether it was present.
func (m *AttrMap) Get(key string) (string, bool) {
	if m.idx == nil {
		return "", false
	}
	i, ok := m.idx[key]
	if !ok {
		return "", false
	}
	return m.pairs[i].Value, true
}

// GetOr returns the value for key or a fallback.
func (m *AttrMap) GetOr(key, fallback string) string {
	if v, ok := m.Get(key); ok {
		return v
	}
	return fallback
}

// Len returns the number of pairs.
func (m *AttrMap) Len() int { return len(m.pairs) }

// Pairs returns the pairs in insertion order. The slice is shared, not copied.
func (m *AttrMap) Pairs() []AttrPair { return m.pairs }

// Keys returns the keys in insertion order.
func (m *AttrMap) Keys() []string {
	out := make([]string, len(m.pairs))
	for i, p := range m.pairs {
		out[i] = p.Key
	}
	return out
}

// Put implements the driver-facing ordered map write. Non-string keys or
// values are stringified.
func (m *AttrMap) Put(key any, value any) {
	m.Set(anyToString(key), anyToString(value))
}

// Iterator implements the driver-facing ordered map read.
func (m *AttrMap) Iterator() column.MapIterator {
	return &attrMapIterator{pairs: m.pairs, i: -1}
}

type attrMapIterator struct {
	pairs []AttrPair
	i     int
}

func (it *attrMapIterator) Next() bool {
	it.i++
	return it.i < len(it.pairs)
}

func (it *attrMapIterator) Key() any   { return it.pairs[it.i].Key }
func (it *attrMapIterator) Value() any { return it.pairs[it.i].Value }

// String renders the map the way ClickHouse renders Map(String, String):
// {'k':'v','k2':'v2'}. Session stores persist attributes in this form.
func (m *AttrMap) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, p := range m.pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		writeQuoted(&b, p.Key)
		b.WriteByte(':')
		writeQuoted(&b, p.Value)
	}
	b.WriteByte('}')
	return b.String()
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
