package odb

import (
	"bytes"
	"fmt"
	"math"

	"github.com/jgraettinger/cockroach-encoding/encoding"
)

// KeyKind identifies the type of a Key. Keys of different kinds sort by
// kind: numbers before strings before byte strings.
type KeyKind uint8

const (
	KeyAbsent KeyKind = iota
	KeyNumber
	KeyString
	KeyBinary
)

// Leading tag bytes of encoded keys; gaps left for future kinds.
const (
	keyTagNumber byte = 0x10
	keyTagString byte = 0x20
	keyTagBinary byte = 0x30
)

// Key is a primary key or an indexed value: a number, a string or a byte
// string. The zero Key is “absent”, which is what key-path extraction
// returns for records lacking the property.
type Key struct {
	kind KeyKind
	num  float64
	str  string
	bin  []byte
}

func Num(v float64) Key {
	return Key{kind: KeyNumber, num: v}
}

func Str(s string) Key {
	return Key{kind: KeyString, str: s}
}

func Bin(b []byte) Key {
	return Key{kind: KeyBinary, bin: b}
}

func (k Key) Kind() KeyKind { return k.kind }

func (k Key) IsAbsent() bool { return k.kind == KeyAbsent }

// Num returns the numeric value of a KeyNumber key.
func (k Key) Num() float64 { return k.num }

// Str returns the string value of a KeyString key.
func (k Key) Str() string { return k.str }

// Bin returns the byte value of a KeyBinary key.
func (k Key) Bin() []byte { return k.bin }

// Value returns the key as an untyped value (float64, string or []byte),
// or nil for an absent key.
func (k Key) Value() any {
	switch k.kind {
	case KeyNumber:
		return k.num
	case KeyString:
		return k.str
	case KeyBinary:
		return k.bin
	default:
		return nil
	}
}

func (k Key) String() string {
	switch k.kind {
	case KeyNumber:
		if k.num == math.Trunc(k.num) && math.Abs(k.num) < 1e15 {
			return fmt.Sprintf("%d", int64(k.num))
		}
		return fmt.Sprintf("%v", k.num)
	case KeyString:
		return k.str
	case KeyBinary:
		return hexstr(k.bin)
	default:
		return "<absent>"
	}
}

// Compare orders keys the same way their encodings order as byte strings.
func (k Key) Compare(o Key) int {
	if k.kind != o.kind {
		if k.kind < o.kind {
			return -1
		}
		return 1
	}
	switch k.kind {
	case KeyNumber:
		switch {
		case k.num < o.num:
			return -1
		case k.num > o.num:
			return 1
		default:
			return 0
		}
	case KeyString:
		return bytes.Compare([]byte(k.str), []byte(o.str))
	case KeyBinary:
		return bytes.Compare(k.bin, o.bin)
	default:
		return 0
	}
}

func (k Key) Equal(o Key) bool {
	return k.kind == o.kind && k.Compare(o) == 0
}

// KeyOf converts a record property value into a Key. Returns an absent key
// for values that cannot serve as keys (nil, bools, NaN, nested documents).
func KeyOf(v any) (Key, bool) {
	switch v := v.(type) {
	case Key:
		return v, !v.IsAbsent()
	case float64:
		if math.IsNaN(v) {
			return Key{}, false
		}
		return Num(v), true
	case float32:
		return KeyOf(float64(v))
	case int:
		return Num(float64(v)), true
	case int8:
		return Num(float64(v)), true
	case int16:
		return Num(float64(v)), true
	case int32:
		return Num(float64(v)), true
	case int64:
		return Num(float64(v)), true
	case uint:
		return Num(float64(v)), true
	case uint8:
		return Num(float64(v)), true
	case uint16:
		return Num(float64(v)), true
	case uint32:
		return Num(float64(v)), true
	case uint64:
		return Num(float64(v)), true
	case string:
		return Str(v), true
	case []byte:
		return Bin(v), true
	default:
		return Key{}, false
	}
}

// encode appends the order-preserving encoding of k to buf. The encoding is
// self-delimiting, so composite index entries (value‖primary key) decode
// sequentially.
func (k Key) encode(buf []byte) []byte {
	switch k.kind {
	case KeyNumber:
		buf = append(buf, keyTagNumber)
		return encoding.EncodeFloatAscending(buf, k.num)
	case KeyString:
		buf = append(buf, keyTagString)
		return encoding.EncodeStringAscending(buf, k.str)
	case KeyBinary:
		buf = append(buf, keyTagBinary)
		return encoding.EncodeBytesAscending(buf, k.bin)
	default:
		panic("attempt to encode an absent key")
	}
}

// decodeKey consumes one key from the front of b and returns the remainder.
func decodeKey(b []byte) (Key, []byte, error) {
	if len(b) == 0 {
		return Key{}, nil, dataErrf(b, nil, "truncated key")
	}
	switch b[0] {
	case keyTagNumber:
		rest, f, err := encoding.DecodeFloatAscending(b[1:])
		if err != nil {
			return Key{}, nil, dataErrf(b, err, "malformed number key")
		}
		return Num(f), rest, nil
	case keyTagString:
		rest, raw, err := encoding.DecodeBytesAscending(b[1:], nil)
		if err != nil {
			return Key{}, nil, dataErrf(b, err, "malformed string key")
		}
		return Str(string(raw)), rest, nil
	case keyTagBinary:
		rest, raw, err := encoding.DecodeBytesAscending(b[1:], nil)
		if err != nil {
			return Key{}, nil, dataErrf(b, err, "malformed binary key")
		}
		return Bin(raw), rest, nil
	default:
		return Key{}, nil, dataErrf(b, nil, "unknown key tag 0x%02x", b[0])
	}
}

func mustDecodeKey(b []byte) Key {
	k, _, err := decodeKey(b)
	ensure(err)
	return k
}
