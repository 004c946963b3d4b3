package odb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddGetPut(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	store.Add(customer("444-44-4444", "Bill", "bill@company.com", "Oakland"))
	store.Add(customer("555-55-5555", "Donna", "donna@home.org", "Fresno"))
	require.NoError(t, txn.Commit())

	txn = begin(t, db, ReadOnly, "customers")
	store = storeIn(t, txn, "customers")
	rec := await[Record](t, store.Get(Str("444-44-4444")))
	require.Equal(t, "Bill", rec["name"])
	require.Nil(t, await[Record](t, store.Get(Str("666-66-6666"))))
	require.NoError(t, txn.Commit())

	// Re-adding an existing key fails; put overwrites unconditionally.
	txn = begin(t, db, ReadWrite, "customers")
	store = storeIn(t, txn, "customers")
	err := awaitErr(t, store.Add(customer("444-44-4444", "Bill II", "bill2@company.com", "Oakland")).
		Catch(func(err error) bool { return true }))
	require.ErrorIs(t, err, ErrConstraint)
	store.Put(customer("444-44-4444", "William", "william@company.com", "Oakland"))
	require.NoError(t, txn.Commit())

	txn = begin(t, db, ReadOnly, "customers")
	rec = await[Record](t, storeIn(t, txn, "customers").Get(Str("444-44-4444")))
	require.Equal(t, "William", rec["name"])
	require.NoError(t, txn.Commit())
}

func TestKeyGenerator(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "names")
	store := storeIn(t, txn, "names")
	require.Equal(t, Num(1), await[Key](t, store.Add(Record{"name": "Bill"})))
	require.Equal(t, Num(2), await[Key](t, store.Add(Record{"name": "Donna"})))
	require.NoError(t, txn.Abort(nil))

	// The abort rolled the generator back along with the records.
	txn = begin(t, db, ReadWrite, "names")
	store = storeIn(t, txn, "names")
	require.Equal(t, Num(1), await[Key](t, store.Add(Record{"name": "Eve"})))
	require.NoError(t, txn.Commit())

	txn = begin(t, db, ReadWrite, "names")
	store = storeIn(t, txn, "names")
	require.Equal(t, Num(2), await[Key](t, store.Add(Record{"name": "Mallory"})))
	require.NoError(t, txn.Commit())
}

func TestKeyGeneratorSkipsExplicitKeys(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "names")
	store := storeIn(t, txn, "names")
	// An explicit key does not advance the generator.
	require.Equal(t, Num(100), await[Key](t, store.Add(Record{"name": "High"}, Num(100))))
	require.Equal(t, Num(1), await[Key](t, store.Add(Record{"name": "Generated"})))
	require.NoError(t, txn.Commit())
}

func TestKeyGeneratorWithKeyPath(t *testing.T) {
	db := setupAt(t, 1, func(u *UpgradeTxn) error {
		_, err := u.CreateObjectStore("tasks", StoreOptions{KeyPath: "id", AutoIncrement: true})
		return err
	})

	txn := begin(t, db, ReadWrite, "tasks")
	store := storeIn(t, txn, "tasks")

	// A generated key is written back into the record at the key path.
	rec := Record{"title": "write tests"}
	require.Equal(t, Num(1), await[Key](t, store.Add(rec)))
	got := await[Record](t, store.Get(Num(1)))
	require.Equal(t, float64(1), got["id"])

	// A key-path value present despite the generator wins, without
	// advancing the generator.
	require.Equal(t, Num(50), await[Key](t, store.Add(Record{"id": float64(50), "title": "review"})))
	require.Equal(t, Num(2), await[Key](t, store.Add(Record{"title": "ship"})))
	require.NoError(t, txn.Commit())
}

func TestExplicitKeyRejectedWithKeyPath(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	err := awaitErr(t, store.Add(customer("444-44-4444", "Bill", "b@x.com", "Oakland"), Str("999")).
		Catch(func(err error) bool { return true }))
	require.ErrorIs(t, err, ErrInvalidAccess)
	require.NoError(t, txn.Abort(nil))
}

func TestMissingKeyWithoutGenerator(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	err := awaitErr(t, store.Add(Record{"name": "No SSN"}).
		Catch(func(err error) bool { return true }))
	require.ErrorIs(t, err, ErrInvalidAccess)
	require.NoError(t, txn.Abort(nil))
}

func TestWriteInReadOnlyTxn(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadOnly, "customers")
	store := storeIn(t, txn, "customers")
	err := awaitErr(t, store.Put(customer("1", "x", "x@x.com", "Z")).
		Catch(func(err error) bool { return true }))
	require.ErrorIs(t, err, ErrInvalidAccess)
	require.NoError(t, txn.Commit())
}

func TestDelete(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	store.Add(customer("444-44-4444", "Bill", "bill@company.com", "Oakland"))
	require.True(t, await[bool](t, store.Delete(Str("444-44-4444"))))
	require.False(t, await[bool](t, store.Delete(Str("444-44-4444"))))
	require.Nil(t, await[Record](t, store.Get(Str("444-44-4444"))))

	// The index entries went with the record.
	email, err := store.Index("email")
	require.NoError(t, err)
	require.Equal(t, 0, await[int](t, email.Count(nil)))
	require.NoError(t, txn.Commit())
}

func TestClearKeepsGenerator(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "names")
	store := storeIn(t, txn, "names")
	store.Add(Record{"name": "Bill"})
	store.Add(Record{"name": "Donna"})
	store.Clear()
	require.Equal(t, 0, await[int](t, store.Count(nil)))
	require.Equal(t, Num(3), await[Key](t, store.Add(Record{"name": "Eve"})))
	require.NoError(t, txn.Commit())
}

func TestCount(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "names")
	store := storeIn(t, txn, "names")
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		store.Add(Record{"name": name})
	}
	require.Equal(t, 5, await[int](t, store.Count(nil)))
	require.Equal(t, 3, await[int](t, store.Count(Bound(Num(2), Num(4), false, false))))
	require.Equal(t, 2, await[int](t, store.Count(Bound(Num(2), Num(4), true, false))))
	require.Equal(t, 2, await[int](t, store.Count(LowerBound(Num(4), false))))
	require.Equal(t, 1, await[int](t, store.Count(Only(Num(3)))))
	require.Equal(t, 0, await[int](t, store.Count(Only(Num(99)))))
	require.NoError(t, txn.Commit())
}

func TestGetKey(t *testing.T) {
	db := setup(t)

	txn := begin(t, db, ReadWrite, "customers")
	store := storeIn(t, txn, "customers")
	store.Add(customer("444-44-4444", "Bill", "bill@company.com", "Oakland"))
	require.Equal(t, Str("444-44-4444"), await[Key](t, store.GetKey(Str("444-44-4444"))))
	require.True(t, await[Key](t, store.GetKey(Str("nope"))).IsAbsent())
	require.NoError(t, txn.Commit())
}
