package odb

import "bytes"

// KeyRange describes a contiguous range of keys (or indexed values), with
// optional lower and upper bounds, each inclusive or exclusive.
type KeyRange struct {
	lower, upper         Key
	lowerOpen, upperOpen bool
}

// Only matches exactly one key.
func Only(k Key) *KeyRange {
	return &KeyRange{lower: k, upper: k}
}

// LowerBound matches all keys ≥ k, or > k if open.
func LowerBound(k Key, open bool) *KeyRange {
	return &KeyRange{lower: k, lowerOpen: open}
}

// UpperBound matches all keys ≤ k, or < k if open.
func UpperBound(k Key, open bool) *KeyRange {
	return &KeyRange{upper: k, upperOpen: open}
}

// Bound matches all keys between lower and upper. Panics if lower sorts
// after upper, or if they are equal and either end is open.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) *KeyRange {
	c := lower.Compare(upper)
	if c > 0 || (c == 0 && (lowerOpen || upperOpen)) {
		panic("invalid key range: lower bound after upper bound")
	}
	return &KeyRange{lower: lower, upper: upper, lowerOpen: lowerOpen, upperOpen: upperOpen}
}

func (r *KeyRange) Lower() (Key, bool) { return r.lower, r.lowerOpen }
func (r *KeyRange) Upper() (Key, bool) { return r.upper, r.upperOpen }

// Contains reports whether k falls within the range.
func (r *KeyRange) Contains(k Key) bool {
	if r == nil {
		return true
	}
	if !r.lower.IsAbsent() {
		c := k.Compare(r.lower)
		if c < 0 || (c == 0 && r.lowerOpen) {
			return false
		}
	}
	if !r.upper.IsAbsent() {
		c := k.Compare(r.upper)
		if c > 0 || (c == 0 && r.upperOpen) {
			return false
		}
	}
	return true
}

// compile lowers the range to encoded-key bounds of the form
// [lower, upper). Exclusive and inclusive ends both reduce to this via the
// prefix successor, which also makes the bounds cover composite index
// entries that carry a primary-key suffix after the indexed value.
func (r *KeyRange) compile(reverse bool) rawRange {
	rr := rawRange{reverse: reverse}
	if r == nil {
		return rr
	}
	if !r.lower.IsAbsent() {
		enc := r.lower.encode(nil)
		if r.lowerOpen && !inc(enc) {
			rr.empty = true
			return rr
		}
		rr.lower = enc
	}
	if !r.upper.IsAbsent() {
		enc := r.upper.encode(nil)
		if r.upperOpen {
			rr.upper = enc
		} else if inc(enc) {
			rr.upper = enc
		}
		// An inclusive bound that cannot be incremented leaves the range
		// unbounded above, which is equivalent.
	}
	return rr
}

// rawRange is a range of encoded keys, half-open: lower inclusive, upper
// exclusive, nil meaning unbounded. It drives a storage cursor in either
// direction.
type rawRange struct {
	lower, upper []byte
	empty        bool
	reverse      bool
}

func (r *rawRange) start(bcur storageCursor) ([]byte, []byte) {
	if r.empty {
		return nil, nil
	}
	var k, v []byte
	if r.reverse {
		k, v = bcur.SeekBefore(r.upper)
	} else {
		if r.lower != nil {
			k, v = bcur.Seek(r.lower)
		} else {
			k, v = bcur.First()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *rawRange) next(bcur storageCursor) ([]byte, []byte) {
	var k, v []byte
	if r.reverse {
		k, v = bcur.Prev()
	} else {
		k, v = bcur.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *rawRange) match(k []byte) bool {
	if r.empty {
		return false
	}
	if r.lower != nil && bytes.Compare(k, r.lower) < 0 {
		return false
	}
	if r.upper != nil && bytes.Compare(k, r.upper) >= 0 {
		return false
	}
	return true
}
