package odb

import (
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Record is a schemaless document stored in an object store. Nested
// documents are plain map[string]any values.
type Record map[string]any

func encodeRecord(rec Record) ([]byte, error) {
	return msgpack.Marshal(map[string]any(rec))
}

func decodeRecord(data []byte) (Record, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, dataErrf(data, err, "failed to decode record")
	}
	return Record(m), nil
}

// extract evaluates a dot-separated key path against the record. A missing
// property, or a property whose value cannot serve as a key, yields an
// absent key; that is never an error.
func (rec Record) extract(keyPath string) (Key, bool) {
	v, ok := rec.lookup(keyPath)
	if !ok {
		return Key{}, false
	}
	return KeyOf(v)
}

func (rec Record) lookup(keyPath string) (any, bool) {
	var cur any = map[string]any(rec)
	for keyPath != "" {
		prop, rest, _ := strings.Cut(keyPath, ".")
		m, ok := asDocument(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[prop]
		if !ok {
			return nil, false
		}
		keyPath = rest
	}
	return cur, true
}

// inject writes a generated key into the record at keyPath, creating
// intermediate documents as needed. Fails only if the path runs into a
// non-document value.
func (rec Record) inject(keyPath string, k Key) bool {
	m := map[string]any(rec)
	for {
		prop, rest, more := strings.Cut(keyPath, ".")
		if !more {
			m[prop] = k.Value()
			return true
		}
		next, ok := m[prop]
		if !ok {
			child := make(map[string]any)
			m[prop] = child
			m = child
		} else if child, ok := asDocument(next); ok {
			m = child
		} else {
			return false
		}
		keyPath = rest
	}
}

func asDocument(v any) (map[string]any, bool) {
	switch v := v.(type) {
	case map[string]any:
		return v, true
	case Record:
		return map[string]any(v), true
	default:
		return nil, false
	}
}
