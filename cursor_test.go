package odb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seedCustomers(t testing.TB, db *DB) {
	t.Helper()
	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	store.Add(customer("333-33-3333", "Alice", "alice@a.com", "Fresno"))
	store.Add(customer("444-44-4444", "Bill", "bill@b.com", "Oakland"))
	store.Add(customer("555-55-5555", "Donna", "donna@d.com", "Fresno"))
	store.Add(customer("666-66-6666", "Eve", "eve@e.com", "Reno"))
	require.NoError(t, txn.Commit())
}

func collect(t testing.TB, req *Request, field string) []string {
	t.Helper()
	cur := await[*Cursor](t, req)
	var out []string
	for !cur.Exhausted() {
		rec := cur.Value()
		require.NotNil(t, rec)
		out = append(out, rec[field].(string))
		cur = await[*Cursor](t, cur.Continue())
	}
	return out
}

func TestCursorAscending(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	names := collect(t, store.OpenCursor(nil, CursorNext), "name")
	require.Equal(t, []string{"Alice", "Bill", "Donna", "Eve"}, names)
	require.NoError(t, txn.Commit())
}

func TestCursorExhaustionIsSticky(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(Only(Str("666-66-6666")), CursorNext))
	require.False(t, cur.Exhausted())
	cur = await[*Cursor](t, cur.Continue())
	require.True(t, cur.Exhausted())
	// Continuing an exhausted cursor stays exhausted without failing.
	cur = await[*Cursor](t, cur.Continue())
	require.True(t, cur.Exhausted())
	require.True(t, cur.Key().IsAbsent())
	require.Nil(t, cur.Value())
	require.NoError(t, txn.Commit())
}

func TestCursorDescending(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	names := collect(t, store.OpenCursor(nil, CursorPrevious), "name")
	require.Equal(t, []string{"Eve", "Donna", "Bill", "Alice"}, names)
	require.NoError(t, txn.Commit())
}

func TestCursorDescendingInMemory(t *testing.T) {
	db := setupWithOptions(t, Options{IsTesting: true})
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")

	names := collect(t, store.OpenCursor(nil, CursorPrevious), "name")
	require.Equal(t, []string{"Eve", "Donna", "Bill", "Alice"}, names)

	names = collect(t, store.OpenCursor(UpperBound(Str("555-55-5555"), true), CursorPrevious), "name")
	require.Equal(t, []string{"Bill", "Alice"}, names)
	require.NoError(t, txn.Commit())
}

func TestCursorRanges(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")

	names := collect(t, store.OpenCursor(Bound(Str("444-44-4444"), Str("555-55-5555"), false, false), CursorNext), "name")
	require.Equal(t, []string{"Bill", "Donna"}, names)

	names = collect(t, store.OpenCursor(Bound(Str("444-44-4444"), Str("555-55-5555"), true, true), CursorNext), "name")
	require.Empty(t, names)

	names = collect(t, store.OpenCursor(LowerBound(Str("555-55-5555"), false), CursorNext), "name")
	require.Equal(t, []string{"Donna", "Eve"}, names)

	names = collect(t, store.OpenCursor(UpperBound(Str("555-55-5555"), true), CursorPrevious), "name")
	require.Equal(t, []string{"Bill", "Alice"}, names)
	require.NoError(t, txn.Commit())
}

func TestCursorEmptyRange(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(Only(Str("000-00-0000")), CursorNext))
	require.True(t, cur.Exhausted())
	require.NoError(t, txn.Commit())
}

func TestIndexCursorTieBreak(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	city := indexIn(t, storeIn(t, txn, "customers"), "city")

	// Records sharing a value come back ordered by primary key.
	cur := await[*Cursor](t, city.OpenCursor(nil, CursorNext))
	var values, pks []string
	for !cur.Exhausted() {
		values = append(values, cur.Key().Str())
		pks = append(pks, cur.PrimaryKey().Str())
		cur = await[*Cursor](t, cur.Continue())
	}
	require.Equal(t, []string{"Fresno", "Fresno", "Oakland", "Reno"}, values)
	require.Equal(t, []string{"333-33-3333", "555-55-5555", "444-44-4444", "666-66-6666"}, pks)
	require.NoError(t, txn.Commit())
}

func TestIndexCursorNoDuplicates(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	city := indexIn(t, storeIn(t, txn, "customers"), "city")

	var values []string
	cur := await[*Cursor](t, city.OpenCursor(nil, CursorNextNoDuplicate))
	for !cur.Exhausted() {
		values = append(values, cur.Key().Str())
		cur = await[*Cursor](t, cur.Continue())
	}
	require.Equal(t, []string{"Fresno", "Oakland", "Reno"}, values)

	// Descending: first record of each value, values in descending order.
	values = nil
	var pks []string
	cur = await[*Cursor](t, city.OpenCursor(nil, CursorPreviousNoDuplicate))
	for !cur.Exhausted() {
		values = append(values, cur.Key().Str())
		pks = append(pks, cur.PrimaryKey().Str())
		cur = await[*Cursor](t, cur.Continue())
	}
	require.Equal(t, []string{"Reno", "Oakland", "Fresno"}, values)
	require.Equal(t, []string{"666-66-6666", "444-44-4444", "333-33-3333"}, pks)
	require.NoError(t, txn.Commit())
}

func TestCursorAdvance(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(nil, CursorNext))
	cur = await[*Cursor](t, cur.Advance(2))
	require.Equal(t, "Donna", cur.Value()["name"])
	cur = await[*Cursor](t, cur.Advance(2))
	require.True(t, cur.Exhausted())
	require.NoError(t, txn.Commit())
}

func TestCursorContinueToKey(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(nil, CursorNext))
	cur = await[*Cursor](t, cur.Continue(Str("555-55-5555")))
	require.Equal(t, "Donna", cur.Value()["name"])

	// A backwards target is a usage error.
	err := awaitErr(t, cur.Continue(Str("111-11-1111")).Catch(func(err error) bool { return true }))
	require.ErrorIs(t, err, ErrInvalidAccess)
	require.NoError(t, txn.Abort(nil))
}

func TestKeyCursor(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenKeyCursor(nil, CursorNext))
	require.Equal(t, Str("333-33-3333"), cur.Key())
	require.Nil(t, cur.Value())
	require.NoError(t, txn.Commit())
}

func TestCursorUpdateAndDelete(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(nil, CursorNext))

	rec := cur.Value()
	rec["city"] = "Sacramento"
	await[Key](t, cur.Update(rec))

	cur = await[*Cursor](t, cur.Continue())
	require.True(t, await[bool](t, cur.Delete()))
	cur = await[*Cursor](t, cur.Continue())
	require.Equal(t, "Donna", cur.Value()["name"])

	require.Equal(t, "Sacramento", await[Record](t, store.Get(Str("333-33-3333")))["city"])
	require.Nil(t, await[Record](t, store.Get(Str("444-44-4444"))))
	require.NoError(t, txn.Commit())
}

func TestCursorUpdateKeyMismatch(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(nil, CursorNext))
	err := awaitErr(t, cur.Update(customer("999-99-9999", "Imposter", "i@x.com", "Nowhere")).
		Catch(func(err error) bool { return true }))
	require.ErrorIs(t, err, ErrInvalidAccess)
	require.NoError(t, txn.Abort(nil))
}

func TestCursorSeesTransactionMutations(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(nil, CursorNext))
	require.Equal(t, "Alice", cur.Value()["name"])

	// A record inserted ahead of the position shows up mid-iteration.
	store.Add(customer("500-00-0000", "Carol", "carol@c.com", "Fresno"))
	cur = await[*Cursor](t, cur.Continue())
	cur = await[*Cursor](t, cur.Continue())
	require.Equal(t, "Carol", cur.Value()["name"])
	require.NoError(t, txn.Commit())
}

func TestCursorAfterCommitFails(t *testing.T) {
	db := setup(t)
	seedCustomers(t, db)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	cur := await[*Cursor](t, store.OpenCursor(nil, CursorNext))
	require.NoError(t, txn.Commit())

	err := awaitErr(t, cur.Continue())
	require.ErrorIs(t, err, ErrTxnInactive)
}
