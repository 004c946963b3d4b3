package odb

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// orderedKeys is sorted: numbers before strings before byte strings, each
// kind in its natural order.
var orderedKeys = []Key{
	Num(math.Inf(-1)),
	Num(-1000),
	Num(-1.5),
	Num(0),
	Num(1),
	Num(1.5),
	Num(2),
	Num(1e18),
	Num(math.Inf(1)),
	Str(""),
	Str("a"),
	Str("a\x00b"),
	Str("ab"),
	Str("b"),
	Bin([]byte{}),
	Bin([]byte{0}),
	Bin([]byte{0, 0}),
	Bin([]byte{1}),
	Bin([]byte{0xFF}),
}

func TestKeyOrderMatchesEncodedOrder(t *testing.T) {
	enc := make([][]byte, len(orderedKeys))
	for i, k := range orderedKeys {
		enc[i] = k.encode(nil)
	}
	for i, a := range orderedKeys {
		require.Equal(t, 0, a.Compare(a), "%v", a)
		require.True(t, a.Equal(a))
		for j, b := range orderedKeys {
			if i >= j {
				continue
			}
			require.Negative(t, a.Compare(b), "%v vs %v", a, b)
			require.Positive(t, b.Compare(a), "%v vs %v", b, a)
			require.Negative(t, bytes.Compare(enc[i], enc[j]), "enc(%v) vs enc(%v)", a, b)
		}
	}
}

// No encoded key may be a prefix of another one's encoding, or composite
// index entries would decode ambiguously.
func TestKeyEncodingIsSelfDelimiting(t *testing.T) {
	enc := make([][]byte, len(orderedKeys))
	for i, k := range orderedKeys {
		enc[i] = k.encode(nil)
	}
	for i := range enc {
		for j := range enc {
			if i == j {
				continue
			}
			require.False(t, bytes.HasPrefix(enc[j], enc[i]),
				"enc(%v) is a prefix of enc(%v)", orderedKeys[i], orderedKeys[j])
		}
	}
}

func TestKeyEncodeDecodeRoundTrip(t *testing.T) {
	for _, k := range orderedKeys {
		got, rest, err := decodeKey(k.encode(nil))
		require.NoError(t, err, "%v", k)
		require.Empty(t, rest)
		require.True(t, k.Equal(got), "%v != %v", k, got)
	}
}

func TestCompositeKeyDecoding(t *testing.T) {
	val, pk := Str("Fresno"), Num(333)
	buf := pk.encode(val.encode(nil))

	gotVal, rest, err := decodeKey(buf)
	require.NoError(t, err)
	require.True(t, val.Equal(gotVal))
	gotPK, rest, err := decodeKey(rest)
	require.NoError(t, err)
	require.True(t, pk.Equal(gotPK))
	require.Empty(t, rest)
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	_, _, err := decodeKey(nil)
	require.Error(t, err)
	_, _, err = decodeKey([]byte{0x77})
	require.Error(t, err)
	truncated := Num(1.5).encode(nil)
	_, _, err = decodeKey(truncated[:len(truncated)-1])
	require.Error(t, err)
}

func TestKeyOf(t *testing.T) {
	for _, v := range []any{int(7), int8(7), int16(7), int32(7), int64(7), uint(7), uint8(7), uint16(7), uint32(7), uint64(7), float32(7), float64(7)} {
		k, ok := KeyOf(v)
		require.True(t, ok, "%T", v)
		require.Equal(t, Num(7), k, "%T", v)
	}

	k, ok := KeyOf("hello")
	require.True(t, ok)
	require.Equal(t, Str("hello"), k)

	k, ok = KeyOf([]byte{1, 2})
	require.True(t, ok)
	require.Equal(t, Bin([]byte{1, 2}), k)

	k, ok = KeyOf(Num(5))
	require.True(t, ok)
	require.Equal(t, Num(5), k)

	for _, v := range []any{nil, true, math.NaN(), map[string]any{}, []any{1}, Key{}} {
		_, ok := KeyOf(v)
		require.False(t, ok, "%#v", v)
	}
}

func TestKeyString(t *testing.T) {
	require.Equal(t, "42", Num(42).String())
	require.Equal(t, "-7", Num(-7).String())
	require.Equal(t, "1.5", Num(1.5).String())
	require.Equal(t, "hello", Str("hello").String())
	require.Equal(t, "<absent>", Key{}.String())
}

func TestKeyValue(t *testing.T) {
	require.Equal(t, float64(42), Num(42).Value())
	require.Equal(t, "x", Str("x").Value())
	require.Equal(t, []byte{9}, Bin([]byte{9}).Value())
	require.Nil(t, Key{}.Value())
	require.True(t, Key{}.IsAbsent())
}
