package odb

import "bytes"

// Direction controls cursor iteration order. The NoDuplicate variants
// visit only the first record of each distinct indexed value; on store
// cursors and unique indexes they behave like their plain counterparts.
type Direction int

const (
	CursorNext Direction = iota
	CursorNextNoDuplicate
	CursorPrevious
	CursorPreviousNoDuplicate
)

func (d Direction) reverse() bool {
	return d == CursorPrevious || d == CursorPreviousNoDuplicate
}

func (d Direction) noDup() bool {
	return d == CursorNextNoDuplicate || d == CursorPreviousNoDuplicate
}

func (d Direction) String() string {
	switch d {
	case CursorNext:
		return "next"
	case CursorNextNoDuplicate:
		return "nextnodup"
	case CursorPrevious:
		return "prev"
	case CursorPreviousNoDuplicate:
		return "prevnodup"
	default:
		return "invalid"
	}
}

// Cursor iterates over a store or index in key order within an optional
// range. A cursor does not pin storage state between movements: each
// movement re-seeks from the recorded position, so records added or
// deleted by the same transaction are picked up mid-iteration.
//
// Position accessors are only valid after the request that moved the
// cursor has completed, and until the next movement request is submitted.
type Cursor struct {
	txn      *Txn
	store    *storeSpec
	index    *indexSpec // nil for store cursors
	keysOnly bool
	rng      rawRange
	dir      Direction

	posRaw     []byte
	key        Key
	primaryKey Key
	val        Record
	exhausted  bool
}

// Key returns the current iteration key: the primary key for store
// cursors, the indexed value for index cursors.
func (c *Cursor) Key() Key { return c.key }

// PrimaryKey returns the primary key of the current record.
func (c *Cursor) PrimaryKey() Key { return c.primaryKey }

// Value returns the current record, or nil on key-only cursors.
func (c *Cursor) Value() Record { return c.val }

// Exhausted reports whether the cursor has moved past the last matching
// entry. An exhausted cursor stays exhausted; further movements succeed
// but do not reposition it.
func (c *Cursor) Exhausted() bool { return c.exhausted }

func (c *Cursor) Direction() Direction { return c.dir }

// OpenCursor positions a new cursor at the first record matching the
// range in the given direction. The request's result is the *Cursor; if
// nothing matches, the cursor starts out exhausted.
func (s *ObjectStore) OpenCursor(rng *KeyRange, dir Direction) *Request {
	return newCursorRequest(s.txn, s.spec, nil, false, rng, dir)
}

// OpenKeyCursor is like OpenCursor but does not load record values.
func (s *ObjectStore) OpenKeyCursor(rng *KeyRange, dir Direction) *Request {
	return newCursorRequest(s.txn, s.spec, nil, true, rng, dir)
}

// OpenCursor iterates the index by indexed value, with the primary key as
// a tie-break among records sharing a value.
func (x *Index) OpenCursor(rng *KeyRange, dir Direction) *Request {
	return newCursorRequest(x.store.txn, x.store.spec, x.spec, false, rng, dir)
}

// OpenKeyCursor is like OpenCursor but does not load record values.
func (x *Index) OpenKeyCursor(rng *KeyRange, dir Direction) *Request {
	return newCursorRequest(x.store.txn, x.store.spec, x.spec, true, rng, dir)
}

func newCursorRequest(txn *Txn, store *storeSpec, index *indexSpec, keysOnly bool, rng *KeyRange, dir Direction) *Request {
	c := &Cursor{
		txn:      txn,
		store:    store,
		index:    index,
		keysOnly: keysOnly,
		rng:      rng.compile(dir.reverse()),
		dir:      dir,
	}
	label := "CURSOR.OPEN " + store.name
	if index != nil {
		label += "." + index.name
	}
	return txn.enqueue(label, func(t *Txn) (any, error) {
		t.db.ReadCount.Add(1)
		bcur := c.bucketFor(t).Cursor()
		k, v := c.rng.start(bcur)
		if k != nil && c.dir == CursorPreviousNoDuplicate && c.multiDup() {
			// Land on the first entry of the highest value, not the last.
			k, v = c.firstOfValue(bcur, k)
		}
		if k == nil {
			c.markExhausted()
			return c, nil
		}
		if err := c.load(t, k, v); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Continue moves to the next matching entry in the cursor's direction, or
// to the first entry at or beyond an optional target key. The request's
// result is the cursor itself.
func (c *Cursor) Continue(target ...Key) *Request {
	tk := optKey(target)
	return c.txn.enqueue("CURSOR.NEXT "+c.store.name, func(t *Txn) (any, error) {
		t.db.ReadCount.Add(1)
		if c.exhausted {
			return c, nil
		}
		if !tk.IsAbsent() {
			return c, c.continueTo(t, tk)
		}
		k, v, err := c.stepOnce(t)
		if err != nil {
			return nil, err
		}
		if k == nil {
			c.markExhausted()
			return c, nil
		}
		return c, c.load(t, k, v)
	})
}

// Advance moves the cursor forward by count entries in its direction.
// Panics if count is not positive. The request's result is the cursor.
func (c *Cursor) Advance(count int) *Request {
	if count <= 0 {
		panic("cursor advance count must be positive")
	}
	return c.txn.enqueue("CURSOR.ADVANCE "+c.store.name, func(t *Txn) (any, error) {
		t.db.ReadCount.Add(1)
		if c.exhausted {
			return c, nil
		}
		for i := 0; i < count; i++ {
			k, v, err := c.stepOnce(t)
			if err != nil {
				return nil, err
			}
			if k == nil {
				c.markExhausted()
				return c, nil
			}
			if err := c.load(t, k, v); err != nil {
				return nil, err
			}
		}
		return c, nil
	})
}

// Update overwrites the record at the cursor's position. For a store with
// a key path, the record's in-line key must match the cursor's primary
// key. The request's result is the primary key.
func (c *Cursor) Update(rec Record) *Request {
	return c.txn.enqueue("CURSOR.UPDATE "+c.store.name, func(t *Txn) (any, error) {
		if err := c.requirePosition(); err != nil {
			return nil, err
		}
		if c.store.keyPath != "" {
			if k, ok := rec.extract(c.store.keyPath); !ok || !k.Equal(c.primaryKey) {
				return nil, storeErrf(c.store.name, "", c.primaryKey, ErrInvalidAccess,
					"record key must match the cursor position")
			}
			return t.putRow(c.store, rec, Key{}, false, "PUT")
		}
		return t.putRow(c.store, rec, c.primaryKey, false, "PUT")
	})
}

// Delete removes the record at the cursor's position. The cursor itself
// stays positioned on the deleted entry until the next movement. The
// request's result reports whether a record was removed.
func (c *Cursor) Delete() *Request {
	return c.txn.enqueue("CURSOR.DELETE "+c.store.name, func(t *Txn) (any, error) {
		if err := c.requirePosition(); err != nil {
			return nil, err
		}
		return t.deleteRow(c.store, c.primaryKey)
	})
}

func (c *Cursor) requirePosition() error {
	if c.exhausted || c.posRaw == nil {
		return storeErrf(c.store.name, "", Key{}, ErrInvalidState, "cursor has no current record")
	}
	if c.keysOnly {
		return storeErrf(c.store.name, "", c.primaryKey, ErrInvalidState, "key-only cursor cannot modify records")
	}
	return nil
}

func (c *Cursor) multiDup() bool {
	return c.index != nil && !c.index.unique
}

func (c *Cursor) bucketFor(t *Txn) storageBucket {
	if c.index != nil {
		return t.indexBucket(c.store, c.index)
	}
	return t.dataBucket(c.store)
}

// stepOnce finds the entry following the recorded position, honoring the
// direction and NoDuplicate semantics. Returns nil when the range is
// exhausted.
func (c *Cursor) stepOnce(t *Txn) ([]byte, []byte, error) {
	bcur := c.bucketFor(t).Cursor()
	if c.dir.noDup() && c.multiDup() {
		return c.stepValue(bcur)
	}
	k, v := c.seekPast(bcur, c.posRaw)
	return k, v, nil
}

// seekPast positions just past pos in the cursor's direction and checks
// the range. pos itself need not exist anymore.
func (c *Cursor) seekPast(bcur storageCursor, pos []byte) ([]byte, []byte) {
	var k, v []byte
	if c.rng.reverse {
		k, v = bcur.SeekBefore(pos)
	} else {
		k, v = bcur.Seek(pos)
		if k != nil && bytes.Equal(k, pos) {
			k, v = bcur.Next()
		}
	}
	if k == nil || !c.rng.match(k) {
		return nil, nil
	}
	return k, v
}

// stepValue advances a non-unique index cursor to the next distinct
// indexed value, landing on its first entry.
func (c *Cursor) stepValue(bcur storageCursor) ([]byte, []byte, error) {
	valPrefix := c.key.encode(nil)
	if c.rng.reverse {
		// The entry just before the current value's first entry belongs to
		// the preceding value; jump to that value's first entry.
		k, _ := c.seekPast(bcur, valPrefix)
		if k == nil {
			return nil, nil, nil
		}
		prevVal, _, err := decodeKey(k)
		if err != nil {
			return nil, nil, err
		}
		k, v := bcur.Seek(prevVal.encode(nil))
		if k == nil || !c.rng.match(k) {
			return nil, nil, nil
		}
		return k, v, nil
	}
	if !inc(valPrefix) {
		return nil, nil, nil
	}
	k, v := bcur.Seek(valPrefix)
	if k == nil || !c.rng.match(k) {
		return nil, nil, nil
	}
	return k, v, nil
}

// firstOfValue repositions to the first entry sharing k's indexed value.
func (c *Cursor) firstOfValue(bcur storageCursor, k []byte) ([]byte, []byte) {
	val, _, err := decodeKey(k)
	if err != nil {
		return k, nil
	}
	return bcur.Seek(val.encode(nil))
}

// continueTo jumps to the first entry at or beyond target in the cursor's
// direction. The target must lie strictly past the current position.
func (c *Cursor) continueTo(t *Txn, target Key) error {
	cmp := target.Compare(c.key)
	if (c.rng.reverse && cmp >= 0) || (!c.rng.reverse && cmp <= 0) {
		return storeErrf(c.store.name, c.indexName(), target, ErrInvalidAccess,
			"continue target must lie past the current position")
	}
	bcur := c.bucketFor(t).Cursor()
	enc := target.encode(nil)
	var k, v []byte
	if c.rng.reverse {
		// Last entry with value ≤ target: seek past the value's composite
		// entries and step back.
		lim := bytes.Clone(enc)
		if inc(lim) {
			k, v = bcur.SeekBefore(lim)
		} else {
			k, v = bcur.Last()
		}
		if k != nil && c.dir.noDup() && c.multiDup() {
			k, v = c.firstOfValue(bcur, k)
		}
	} else {
		k, v = bcur.Seek(enc)
	}
	if k == nil || !c.rng.match(k) {
		c.markExhausted()
		return nil
	}
	return c.load(t, k, v)
}

func (c *Cursor) indexName() string {
	if c.index == nil {
		return ""
	}
	return c.index.name
}

// load decodes a storage entry into the cursor's position fields.
func (c *Cursor) load(t *Txn, k, v []byte) error {
	c.posRaw = bytes.Clone(k)
	c.exhausted = false
	c.val = nil
	switch {
	case c.index == nil:
		key, _, err := decodeKey(k)
		if err != nil {
			return err
		}
		c.key, c.primaryKey = key, key
		if !c.keysOnly {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			c.val = rec
		}
	case c.index.unique:
		val, _, err := decodeKey(k)
		if err != nil {
			return err
		}
		pk, _, err := decodeKey(v)
		if err != nil {
			return err
		}
		c.key, c.primaryKey = val, pk
		if err := c.loadRecord(t); err != nil {
			return err
		}
	default:
		val, rest, err := decodeKey(k)
		if err != nil {
			return err
		}
		pk, _, err := decodeKey(rest)
		if err != nil {
			return err
		}
		c.key, c.primaryKey = val, pk
		if err := c.loadRecord(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cursor) loadRecord(t *Txn) error {
	if c.keysOnly {
		return nil
	}
	raw := t.dataBucket(c.store).Get(c.primaryKey.encode(nil))
	if raw == nil {
		return storeErrf(c.store.name, c.indexName(), c.primaryKey, ErrNotFound,
			"index entry points at a missing record")
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	c.val = rec
	return nil
}

func (c *Cursor) markExhausted() {
	c.posRaw = nil
	c.key = Key{}
	c.primaryKey = Key{}
	c.val = nil
	c.exhausted = true
}
