package odb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractKeyPath(t *testing.T) {
	rec := Record{
		"ssn":  "444-44-4444",
		"age":  33,
		"meta": map[string]any{"created": map[string]any{"by": "import"}},
		"tags": []any{"a", "b"},
	}

	k, ok := rec.extract("ssn")
	require.True(t, ok)
	require.Equal(t, Str("444-44-4444"), k)

	k, ok = rec.extract("age")
	require.True(t, ok)
	require.Equal(t, Num(33), k)

	k, ok = rec.extract("meta.created.by")
	require.True(t, ok)
	require.Equal(t, Str("import"), k)

	// Missing property, missing intermediate, non-document intermediate,
	// and a value that cannot serve as a key all yield an absent key.
	for _, path := range []string{"name", "meta.updated.by", "ssn.digits", "tags", "meta"} {
		_, ok := rec.extract(path)
		require.False(t, ok, "path %q", path)
	}
}

func TestInjectKeyPath(t *testing.T) {
	rec := Record{"name": "Bill"}
	require.True(t, rec.inject("id", Num(7)))
	require.Equal(t, float64(7), rec["id"])

	// Intermediate documents are created on demand.
	rec = Record{"name": "Bill"}
	require.True(t, rec.inject("meta.seq", Num(3)))
	require.Equal(t, map[string]any{"seq": float64(3)}, rec["meta"])

	// Existing intermediates are reused, not replaced.
	rec = Record{"meta": map[string]any{"by": "import"}}
	require.True(t, rec.inject("meta.seq", Num(3)))
	require.Equal(t, map[string]any{"by": "import", "seq": float64(3)}, rec["meta"])

	// A non-document value in the way fails the injection.
	rec = Record{"meta": "opaque"}
	require.False(t, rec.inject("meta.seq", Num(3)))
}

func TestExtractTraversesNestedRecords(t *testing.T) {
	rec := Record{"outer": Record{"inner": "x"}}
	k, ok := rec.extract("outer.inner")
	require.True(t, ok)
	require.Equal(t, Str("x"), k)
}
