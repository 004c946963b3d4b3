package odb

import "bytes"

// Index is a handle on one secondary index of an object store. Lookups
// resolve by indexed value; when multiple records share a value in a
// non-unique index, operations see them in (value, primary key) order.
type Index struct {
	store *ObjectStore
	spec  *indexSpec
}

func (x *Index) Name() string        { return x.spec.name }
func (x *Index) KeyPath() string     { return x.spec.keyPath }
func (x *Index) Unique() bool        { return x.spec.unique }
func (x *Index) Store() *ObjectStore { return x.store }

// Get retrieves the record indexed under value; for a non-unique index
// this is the record with the lowest primary key. The request's result is
// the Record, or nil if no record is indexed under value.
func (x *Index) Get(value Key) *Request {
	store, idx := x.store.spec, x.spec
	return x.store.txn.enqueue("IGET "+store.name+"."+idx.name, func(t *Txn) (any, error) {
		pk, ok, err := t.indexLookup(store, idx, value)
		if err != nil || !ok {
			return nil, err
		}
		return t.getRow(store, pk)
	})
}

// GetKey resolves value to the primary key of the first matching record.
// The request's result is the primary Key, or an absent Key if no record
// is indexed under value.
func (x *Index) GetKey(value Key) *Request {
	store, idx := x.store.spec, x.spec
	return x.store.txn.enqueue("IGETKEY "+store.name+"."+idx.name, func(t *Txn) (any, error) {
		pk, ok, err := t.indexLookup(store, idx, value)
		if err != nil || !ok {
			return Key{}, err
		}
		return pk, nil
	})
}

// Count counts index entries, optionally restricted to a range of indexed
// values. In a non-unique index each matching record counts separately.
// The request's result is an int.
func (x *Index) Count(rng *KeyRange) *Request {
	store, idx := x.store.spec, x.spec
	return x.store.txn.enqueue("ICOUNT "+store.name+"."+idx.name, func(t *Txn) (any, error) {
		t.db.ReadCount.Add(1)
		ib := t.indexBucket(store, idx)
		if rng == nil {
			return ib.KeyCount(), nil
		}
		rr := rng.compile(false)
		var n int
		bcur := ib.Cursor()
		for k, _ := rr.start(bcur); k != nil; k, _ = rr.next(bcur) {
			n++
		}
		return n, nil
	})
}

// indexLookup resolves an indexed value to the primary key of the first
// record holding it.
func (t *Txn) indexLookup(store *storeSpec, idx *indexSpec, value Key) (Key, bool, error) {
	t.db.ReadCount.Add(1)
	encVal := value.encode(nil)
	ib := t.indexBucket(store, idx)
	if idx.unique {
		raw := ib.Get(encVal)
		if raw == nil {
			return Key{}, false, nil
		}
		pk, _, err := decodeKey(raw)
		if err != nil {
			return Key{}, false, err
		}
		return pk, true, nil
	}
	bcur := ib.Cursor()
	k, _ := bcur.Seek(encVal)
	if k == nil || !bytes.HasPrefix(k, encVal) {
		return Key{}, false, nil
	}
	pk, _, err := decodeKey(k[len(encVal):])
	if err != nil {
		return Key{}, false, err
	}
	return pk, true, nil
}
