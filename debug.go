package odb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpStoreHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndexes
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the transaction's view of every in-scope store as text,
// for debugging and tests.
func (t *Txn) Dump(f DumpFlags) string {
	var buf strings.Builder
	req := t.enqueue("DUMP", func(t *Txn) (any, error) {
		for _, name := range t.schema.storeNames() {
			if t.scope != nil && !t.scope[name] {
				continue
			}
			t.dumpStore(&buf, f, t.schema.stores[name])
		}
		return nil, nil
	})
	if _, err := req.Catch(claimSchemaErr).Await(context.Background()); err != nil {
		fmt.Fprintf(&buf, "** ERROR: %v\n", err)
	}
	return buf.String()
}

func (t *Txn) dumpStore(w *strings.Builder, f DumpFlags, spec *storeSpec) {
	dataB := t.dataBucket(spec)

	if f.Contains(DumpStoreHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d records)\n", spec.name, dataB.KeyCount())
	}
	if f.Contains(DumpStats) {
		s := dataB.Stats()
		fmt.Fprintf(w, "%s.stats: data_size = %d, data_alloc = %d, total_alloc = %d\n", spec.name, s.LeafInuse, s.LeafAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRecords) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		c := dataB.Cursor()
		var pos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			pos++
			t.dumpRecord(w, spec, pos, k, v)
		}
	}

	if f.Contains(DumpIndexes) {
		for _, idx := range sortedIndexes(spec) {
			t.dumpIndex(w, f, spec, idx)
		}
	}
}

func (t *Txn) dumpIndex(w *strings.Builder, f DumpFlags, spec *storeSpec, idx *indexSpec) {
	fmt.Fprintln(w, dumpSep2)
	prefix := spec.name + ".i." + idx.name
	uniq := ""
	if idx.unique {
		uniq = " UNIQUE"
	}
	fmt.Fprintf(w, "%s (%q)%s\n", prefix, idx.keyPath, uniq)

	if f.Contains(DumpIndexRows) {
		c := t.indexBucket(spec, idx).Cursor()
		var pos int
		for k, v := c.First(); k != nil; k, v = c.Next() {
			pos++
			t.dumpIndexRow(w, prefix, idx, pos, k, v)
		}
	}
}

func (t *Txn) dumpRecord(w *strings.Builder, spec *storeSpec, pos int, k, v []byte) {
	key, _, err := decodeKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: bad key %v: %v\n", spec.name, pos, hexBytes(k), err)
		return
	}
	rec, err := decodeRecord(v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = %v ** ERROR: %v\n", spec.name, pos, key, err)
		return
	}
	fmt.Fprintf(w, "%s.%d = %v %s\n", spec.name, pos, key, must(json.Marshal(rec)))
}

func (t *Txn) dumpIndexRow(w *strings.Builder, prefix string, idx *indexSpec, pos int, k, v []byte) {
	val, rest, err := decodeKey(k)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: ** ERROR: bad entry %v: %v\n", prefix, pos, hexBytes(k), err)
		return
	}
	var pk Key
	if idx.unique {
		pk, _, err = decodeKey(v)
	} else {
		pk, _, err = decodeKey(rest)
	}
	if err != nil {
		fmt.Fprintf(w, "%s.%d: %v => ** ERROR: %v\n", prefix, pos, val, err)
		return
	}
	fmt.Fprintf(w, "%s.%d: %v => %v\n", prefix, pos, val, pk)
}
