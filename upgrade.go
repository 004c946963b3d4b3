package odb

import (
	"bytes"
	"context"
)

// StoreOptions configures a new object store. KeyPath makes the store
// derive primary keys from record fields; AutoIncrement attaches a key
// generator used when no key is otherwise available.
type StoreOptions struct {
	KeyPath       string
	AutoIncrement bool
}

// IndexOptions configures a new index.
type IndexOptions struct {
	Unique bool
}

// Schema operations surface their errors synchronously, so they claim
// them at the request level; whether a failure aborts the upgrade is the
// migration routine's call.
func claimSchemaErr(error) bool { return true }

// UpgradeTxn is the versionchange transaction handed to an UpgradeFunc.
// It carries the full Txn API plus schema operations; schema operations
// run through the same request queue as data operations, so migrations
// can freely interleave the two.
type UpgradeTxn struct {
	*Txn
	oldVersion uint64
	newVersion uint64
}

// OldVersion returns the schema version the database is migrating from,
// zero for a freshly created database.
func (u *UpgradeTxn) OldVersion() uint64 { return u.oldVersion }

// NewVersion returns the schema version being migrated to.
func (u *UpgradeTxn) NewVersion() uint64 { return u.newVersion }

// CreateObjectStore creates a store. Fails with ErrConstraint if a store
// with this name already exists.
func (u *UpgradeTxn) CreateObjectStore(name string, opt StoreOptions) (*ObjectStore, error) {
	t := u.Txn
	req := t.enqueue("SCHEMA.CREATESTORE "+name, func(t *Txn) (any, error) {
		if name == "" {
			return nil, storeErrf(name, "", Key{}, ErrInvalidAccess, "empty store name")
		}
		if t.schema.stores[name] != nil {
			return nil, storeErrf(name, "", Key{}, ErrConstraint, "store already exists")
		}
		bname := storeBucketName(name)
		if _, err := t.stx.CreateBucket(bname, ""); err != nil {
			return nil, err
		}
		if _, err := t.stx.CreateBucket(bname, dataSub); err != nil {
			return nil, err
		}
		spec := &storeSpec{
			name:          name,
			keyPath:       opt.KeyPath,
			autoIncrement: opt.AutoIncrement,
			indexes:       make(map[string]*indexSpec),
		}
		st := stateOfSpec(spec, 1)
		if err := t.saveStoreState(name, st); err != nil {
			return nil, err
		}
		t.states[name] = st
		t.schema.stores[name] = spec
		if t.db.verbose {
			t.db.logf("db: SCHEMA.CREATESTORE %s", name)
		}
		return spec, nil
	})
	res, err := req.Catch(claimSchemaErr).Await(context.Background())
	if err != nil {
		return nil, err
	}
	return &ObjectStore{txn: t, spec: res.(*storeSpec)}, nil
}

// DeleteObjectStore removes a store together with its records and
// indexes. Fails with ErrNotFound if no such store exists.
func (u *UpgradeTxn) DeleteObjectStore(name string) error {
	t := u.Txn
	req := t.enqueue("SCHEMA.DELETESTORE "+name, func(t *Txn) (any, error) {
		if t.schema.stores[name] == nil {
			return nil, storeErrf(name, "", Key{}, ErrNotFound, "no such store")
		}
		if err := t.stx.DeleteBucket(storeBucketName(name), ""); err != nil && err != ErrBucketNotFound {
			return nil, err
		}
		delete(t.schema.stores, name)
		delete(t.states, name)
		if t.db.verbose {
			t.db.logf("db: SCHEMA.DELETESTORE %s", name)
		}
		return nil, nil
	})
	_, err := req.Catch(claimSchemaErr).Await(context.Background())
	return err
}

// CreateIndex creates an index over keyPath and backfills it from the
// store's existing records. Only valid inside a versionchange
// transaction. Fails with ErrConstraint if the index name is taken, or if
// a unique index would cover records that collide on the indexed value;
// a failed backfill leaves no trace of the index.
func (s *ObjectStore) CreateIndex(name, keyPath string, opt IndexOptions) (*Index, error) {
	t := s.txn
	spec := s.spec
	req := t.enqueue("SCHEMA.CREATEINDEX "+spec.name+"."+name, func(t *Txn) (any, error) {
		if t.mode != VersionChange {
			return nil, storeErrf(spec.name, name, Key{}, ErrInvalidState,
				"index creation requires a versionchange transaction")
		}
		if name == "" || keyPath == "" {
			return nil, storeErrf(spec.name, name, Key{}, ErrInvalidAccess, "empty index name or key path")
		}
		if spec.indexes[name] != nil {
			return nil, storeErrf(spec.name, name, Key{}, ErrConstraint, "index already exists")
		}
		sub := indexSubName(name)
		bname := storeBucketName(spec.name)
		ib, err := t.stx.CreateBucket(bname, sub)
		if err != nil {
			return nil, err
		}
		if err := t.backfillIndex(spec, ib, keyPath, opt.Unique); err != nil {
			ensure(t.stx.DeleteBucket(bname, sub))
			return nil, err
		}
		idx := &indexSpec{name: name, keyPath: keyPath, unique: opt.Unique}
		spec.indexes[name] = idx
		st, err := t.storeState(spec)
		if err != nil {
			return nil, err
		}
		if st.Indexes == nil {
			st.Indexes = make(map[string]*indexState)
		}
		st.Indexes[name] = &indexState{KeyPath: keyPath, Unique: opt.Unique}
		if err := t.saveStoreState(spec.name, st); err != nil {
			return nil, err
		}
		if t.db.verbose {
			t.db.logf("db: SCHEMA.CREATEINDEX %s.%s on %q", spec.name, name, keyPath)
		}
		return idx, nil
	})
	res, err := req.Catch(claimSchemaErr).Await(context.Background())
	if err != nil {
		return nil, err
	}
	return &Index{store: s, spec: res.(*indexSpec)}, nil
}

// DeleteIndex removes an index and its entries. Only valid inside a
// versionchange transaction. Fails with ErrNotFound if no such index
// exists.
func (s *ObjectStore) DeleteIndex(name string) error {
	t := s.txn
	spec := s.spec
	req := t.enqueue("SCHEMA.DELETEINDEX "+spec.name+"."+name, func(t *Txn) (any, error) {
		if t.mode != VersionChange {
			return nil, storeErrf(spec.name, name, Key{}, ErrInvalidState,
				"index deletion requires a versionchange transaction")
		}
		if spec.indexes[name] == nil {
			return nil, storeErrf(spec.name, name, Key{}, ErrNotFound, "no such index")
		}
		if err := t.stx.DeleteBucket(storeBucketName(spec.name), indexSubName(name)); err != nil && err != ErrBucketNotFound {
			return nil, err
		}
		delete(spec.indexes, name)
		st, err := t.storeState(spec)
		if err != nil {
			return nil, err
		}
		delete(st.Indexes, name)
		if err := t.saveStoreState(spec.name, st); err != nil {
			return nil, err
		}
		if t.db.verbose {
			t.db.logf("db: SCHEMA.DELETEINDEX %s.%s", spec.name, name)
		}
		return nil, nil
	})
	_, err := req.Catch(claimSchemaErr).Await(context.Background())
	return err
}

func (t *Txn) backfillIndex(spec *storeSpec, ib storageBucket, keyPath string, unique bool) error {
	dataB := t.dataBucket(spec)
	bcur := dataB.Cursor()
	for k, v := bcur.First(); k != nil; k, v = bcur.Next() {
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		val, ok := rec.extract(keyPath)
		if !ok {
			continue
		}
		encVal := val.encode(nil)
		if unique {
			if ib.Get(encVal) != nil {
				return storeErrf(spec.name, "", val, ErrConstraint,
					"existing records collide on unique index value")
			}
			if err := ib.Put(encVal, bytes.Clone(k)); err != nil {
				return err
			}
		} else {
			entry := append(encVal, k...)
			if err := ib.Put(entry, emptyIndexValue); err != nil {
				return err
			}
		}
	}
	return nil
}
