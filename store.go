package odb

import (
	"bytes"
	"encoding/json"
)

// ObjectStore is a handle on one store within a transaction's scope. All
// operations are submitted to the owning transaction's request queue and
// complete in submission order.
type ObjectStore struct {
	txn  *Txn
	spec *storeSpec
}

func (s *ObjectStore) Name() string        { return s.spec.name }
func (s *ObjectStore) KeyPath() string     { return s.spec.keyPath }
func (s *ObjectStore) AutoIncrement() bool { return s.spec.autoIncrement }
func (s *ObjectStore) Txn() *Txn           { return s.txn }

// IndexNames returns the names of the store's indexes, sorted.
func (s *ObjectStore) IndexNames() []string {
	return s.spec.indexNames()
}

// Index returns a handle on a named index of this store.
func (s *ObjectStore) Index(name string) (*Index, error) {
	idx := s.spec.indexes[name]
	if idx == nil {
		return nil, storeErrf(s.spec.name, name, Key{}, ErrNotFound, "no such index")
	}
	return &Index{store: s, spec: idx}, nil
}

// Add inserts a record. The optional key argument supplies an explicit
// primary key; it is rejected for stores with a key path. Fails with
// ErrConstraint if the resulting key already exists. The request's result
// is the key the record was stored under.
func (s *ObjectStore) Add(rec Record, key ...Key) *Request {
	return s.putRequest("ADD", rec, optKey(key), true)
}

// Put inserts or overwrites a record unconditionally. The request's result
// is the key the record was stored under.
func (s *ObjectStore) Put(rec Record, key ...Key) *Request {
	return s.putRequest("PUT", rec, optKey(key), false)
}

func (s *ObjectStore) putRequest(verb string, rec Record, explicit Key, addMode bool) *Request {
	spec := s.spec
	return s.txn.enqueue(verb+" "+spec.name, func(t *Txn) (any, error) {
		return t.putRow(spec, rec, explicit, addMode, verb)
	})
}

// Get retrieves the record stored under key. The request's result is the
// Record, or nil if the key is not present.
func (s *ObjectStore) Get(key Key) *Request {
	spec := s.spec
	return s.txn.enqueue("GET "+spec.name, func(t *Txn) (any, error) {
		return t.getRow(spec, key)
	})
}

// GetKey reports whether key is present; the request's result is the key
// itself if so, or an absent Key otherwise.
func (s *ObjectStore) GetKey(key Key) *Request {
	spec := s.spec
	return s.txn.enqueue("GETKEY "+spec.name, func(t *Txn) (any, error) {
		keyRaw := key.encode(nil)
		t.db.ReadCount.Add(1)
		if t.dataBucket(spec).Get(keyRaw) == nil {
			return Key{}, nil
		}
		return key, nil
	})
}

// Delete removes the record stored under key, along with its index
// entries. Deleting a missing key succeeds; the request's result reports
// whether a record was removed.
func (s *ObjectStore) Delete(key Key) *Request {
	spec := s.spec
	return s.txn.enqueue("DELETE "+spec.name, func(t *Txn) (any, error) {
		return t.deleteRow(spec, key)
	})
}

// Clear removes every record and index entry of the store. The key
// generator is not reset.
func (s *ObjectStore) Clear() *Request {
	spec := s.spec
	return s.txn.enqueue("CLEAR "+spec.name, func(t *Txn) (any, error) {
		return nil, t.clearStore(spec)
	})
}

// Count counts the records in the store, optionally restricted to a key
// range. The request's result is an int.
func (s *ObjectStore) Count(rng *KeyRange) *Request {
	spec := s.spec
	return s.txn.enqueue("COUNT "+spec.name, func(t *Txn) (any, error) {
		t.db.ReadCount.Add(1)
		dataB := t.dataBucket(spec)
		if rng == nil {
			return dataB.KeyCount(), nil
		}
		rr := rng.compile(false)
		var n int
		bcur := dataB.Cursor()
		for k, _ := rr.start(bcur); k != nil; k, _ = rr.next(bcur) {
			n++
		}
		return n, nil
	})
}

func optKey(keys []Key) Key {
	switch len(keys) {
	case 0:
		return Key{}
	case 1:
		return keys[0]
	default:
		panic("at most one explicit key may be supplied")
	}
}

type indexEntry struct {
	idx *indexSpec
	key []byte
	val []byte
}

func (t *Txn) putRow(spec *storeSpec, rec Record, explicit Key, addMode bool, verb string) (any, error) {
	if t.mode == ReadOnly {
		return nil, storeErrf(spec.name, "", explicit, ErrInvalidAccess, "write in a read-only transaction")
	}
	if rec == nil {
		return nil, storeErrf(spec.name, "", explicit, ErrInvalidAccess, "nil record")
	}

	// Key resolution: explicit argument, then in-line key-path value, then
	// the key generator. A key-path value present despite the generator is
	// used as-is without advancing the generator.
	var key Key
	var generated bool
	var st *storeState
	var err error
	switch {
	case !explicit.IsAbsent():
		if spec.keyPath != "" {
			return nil, storeErrf(spec.name, "", explicit, ErrInvalidAccess,
				"explicit key not allowed for a store with key path %q", spec.keyPath)
		}
		key = explicit
	case spec.keyPath != "":
		if k, ok := rec.extract(spec.keyPath); ok {
			key = k
		} else if spec.autoIncrement {
			st, err = t.storeState(spec)
			if err != nil {
				return nil, err
			}
			key = Num(float64(st.Seed))
			generated = true
			if !rec.inject(spec.keyPath, key) {
				return nil, storeErrf(spec.name, "", key, ErrInvalidAccess,
					"cannot write generated key at key path %q", spec.keyPath)
			}
		} else {
			return nil, storeErrf(spec.name, "", Key{}, ErrInvalidAccess,
				"record has no value at key path %q", spec.keyPath)
		}
	case spec.autoIncrement:
		st, err = t.storeState(spec)
		if err != nil {
			return nil, err
		}
		key = Num(float64(st.Seed))
		generated = true
	default:
		return nil, storeErrf(spec.name, "", Key{}, ErrInvalidAccess,
			"no key supplied and store has no key generator")
	}

	keyBuf := keyBytesPool.Get().([]byte)
	defer releaseKeyBytes(keyBuf)
	keyRaw := key.encode(keyBuf)

	dataB := t.dataBucket(spec)
	oldRaw := dataB.Get(keyRaw)
	if addMode && oldRaw != nil {
		return nil, storeErrf(spec.name, "", key, ErrConstraint, "key already exists")
	}

	var oldRec Record
	if oldRaw != nil {
		oldRec, err = decodeRecord(oldRaw)
		if err != nil {
			return nil, err
		}
	}

	// Check phase: compute all new index entries and verify uniqueness
	// before mutating anything, so a constraint violation leaves both the
	// store and every index untouched.
	var entries []indexEntry
	for _, idx := range sortedIndexes(spec) {
		v, ok := rec.extract(idx.keyPath)
		if !ok {
			continue
		}
		encVal := v.encode(nil)
		if idx.unique {
			if cur := t.indexBucket(spec, idx).Get(encVal); cur != nil && !bytes.Equal(cur, keyRaw) {
				return nil, storeErrf(spec.name, idx.name, v, ErrConstraint,
					"another record is already indexed under this value")
			}
			entries = append(entries, indexEntry{idx, encVal, bytes.Clone(keyRaw)})
		} else {
			entries = append(entries, indexEntry{idx, append(encVal, keyRaw...), emptyIndexValue})
		}
	}

	// Mutate phase.
	if oldRec != nil {
		if err := t.deleteIndexEntries(spec, oldRec, keyRaw); err != nil {
			return nil, err
		}
	}
	for _, e := range entries {
		if err := t.indexBucket(spec, e.idx).Put(e.key, e.val); err != nil {
			return nil, err
		}
	}
	valueRaw, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := dataB.Put(keyRaw, valueRaw); err != nil {
		return nil, err
	}
	if generated {
		st.Seed++
		if err := t.saveStoreState(spec.name, st); err != nil {
			return nil, err
		}
	}

	t.db.WriteCount.Add(1)
	if t.db.verbose {
		t.db.logf("db: %s %s/%v => %s", verb, spec.name, key, loggableRecord(rec))
	}
	return key, nil
}

func (t *Txn) getRow(spec *storeSpec, key Key) (any, error) {
	keyBuf := keyBytesPool.Get().([]byte)
	defer releaseKeyBytes(keyBuf)
	keyRaw := key.encode(keyBuf)

	t.db.ReadCount.Add(1)
	raw := t.dataBucket(spec).Get(keyRaw)
	if raw == nil {
		if t.db.verbose {
			t.db.logf("db: GET.NOTFOUND %s/%v", spec.name, key)
		}
		return nil, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if t.db.verbose {
		t.db.logf("db: GET %s/%v => %s", spec.name, key, loggableRecord(rec))
	}
	return rec, nil
}

func (t *Txn) deleteRow(spec *storeSpec, key Key) (any, error) {
	if t.mode == ReadOnly {
		return nil, storeErrf(spec.name, "", key, ErrInvalidAccess, "write in a read-only transaction")
	}
	keyBuf := keyBytesPool.Get().([]byte)
	defer releaseKeyBytes(keyBuf)
	keyRaw := key.encode(keyBuf)

	dataB := t.dataBucket(spec)
	raw := dataB.Get(keyRaw)
	if raw == nil {
		if t.db.verbose {
			t.db.logf("db: DELETE.NOOP %s/%v", spec.name, key)
		}
		return false, nil
	}
	oldRec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if err := t.deleteIndexEntries(spec, oldRec, keyRaw); err != nil {
		return nil, err
	}
	if err := dataB.Delete(keyRaw); err != nil {
		return nil, err
	}
	t.db.WriteCount.Add(1)
	if t.db.verbose {
		t.db.logf("db: DELETE %s/%v", spec.name, key)
	}
	return true, nil
}

// deleteIndexEntries removes the index entries contributed by a record.
// Entries are recomputed from the record itself; index definitions only
// change inside versionchange transactions, which rebuild whole buckets.
func (t *Txn) deleteIndexEntries(spec *storeSpec, rec Record, keyRaw []byte) error {
	for _, idx := range sortedIndexes(spec) {
		v, ok := rec.extract(idx.keyPath)
		if !ok {
			continue
		}
		encVal := v.encode(nil)
		ib := t.indexBucket(spec, idx)
		if idx.unique {
			// Only remove the entry if this record still owns it.
			if cur := ib.Get(encVal); cur != nil && bytes.Equal(cur, keyRaw) {
				if err := ib.Delete(encVal); err != nil {
					return err
				}
			}
		} else {
			if err := ib.Delete(append(encVal, keyRaw...)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Txn) clearStore(spec *storeSpec) error {
	if t.mode == ReadOnly {
		return storeErrf(spec.name, "", Key{}, ErrInvalidAccess, "write in a read-only transaction")
	}
	name := storeBucketName(spec.name)
	subs := []string{dataSub}
	for _, idx := range sortedIndexes(spec) {
		subs = append(subs, indexSubName(idx.name))
	}
	for _, sub := range subs {
		if err := t.stx.DeleteBucket(name, sub); err != nil && err != ErrBucketNotFound {
			return err
		}
		if _, err := t.stx.CreateBucket(name, sub); err != nil {
			return err
		}
	}
	t.db.WriteCount.Add(1)
	if t.db.verbose {
		t.db.logf("db: CLEAR %s", spec.name)
	}
	return nil
}

func sortedIndexes(spec *storeSpec) []*indexSpec {
	names := spec.indexNames()
	out := make([]*indexSpec, 0, len(names))
	for _, name := range names {
		out = append(out, spec.indexes[name])
	}
	return out
}

func loggableRecord(rec Record) string {
	if rec == nil {
		return "<none>"
	}
	return string(must(json.Marshal(rec)))
}
