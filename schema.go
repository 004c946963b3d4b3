package odb

import (
	"golang.org/x/exp/maps"
	"slices"
	"time"
)

// Bucket layout. Store root buckets carry an "s_" prefix so they can never
// collide with the metadata bucket regardless of store names.
const (
	metaBucket      = "_meta"
	dataSub         = "data"
	indexSubPrefix  = "i_"
	dbStateKey      = "db"
	storeStateKey   = "_state"
	storeNamePrefix = "s_"
)

func storeBucketName(store string) string {
	return storeNamePrefix + store
}

func indexSubName(index string) string {
	return indexSubPrefix + index
}

// schema is the in-memory snapshot of the database layout. It is immutable
// once published on the DB; versionchange transactions mutate a clone and
// swap it in at commit.
type schema struct {
	stores map[string]*storeSpec
}

func newSchema() *schema {
	return &schema{stores: make(map[string]*storeSpec)}
}

func (scm *schema) clone() *schema {
	out := newSchema()
	for name, spec := range scm.stores {
		out.stores[name] = spec.clone()
	}
	return out
}

func (scm *schema) storeNames() []string {
	names := maps.Keys(scm.stores)
	slices.Sort(names)
	return names
}

type storeSpec struct {
	name          string
	keyPath       string
	autoIncrement bool
	indexes       map[string]*indexSpec
}

func (spec *storeSpec) clone() *storeSpec {
	out := &storeSpec{
		name:          spec.name,
		keyPath:       spec.keyPath,
		autoIncrement: spec.autoIncrement,
		indexes:       make(map[string]*indexSpec, len(spec.indexes)),
	}
	for name, idx := range spec.indexes {
		c := *idx
		out.indexes[name] = &c
	}
	return out
}

func (spec *storeSpec) indexNames() []string {
	names := maps.Keys(spec.indexes)
	slices.Sort(names)
	return names
}

type indexSpec struct {
	name    string
	keyPath string
	unique  bool
}

// dbState is the persisted database document, stored under _meta/db.
// The schema version and the store list change only inside a versionchange
// transaction, so they always commit together with the schema mutations.
type dbState struct {
	Name     string    `msgpack:"n"`
	Version  uint64    `msgpack:"v"`
	Stores   []string  `msgpack:"s"`
	LastOpen time.Time `msgpack:"t"`
}

// storeState is the persisted per-store document, stored under the store's
// root bucket at the _state key. Seed is the key generator: the next key to
// hand out, starting at 1. It lives inside the storage transaction, so an
// abort rolls it back along with everything else.
type storeState struct {
	KeyPath       string                 `msgpack:"kp,omitempty"`
	AutoIncrement bool                   `msgpack:"ai,omitempty"`
	Seed          uint64                 `msgpack:"g"`
	Indexes       map[string]*indexState `msgpack:"i"`
}

type indexState struct {
	KeyPath string `msgpack:"kp"`
	Unique  bool   `msgpack:"u,omitempty"`
}

func (st *storeState) spec(name string) *storeSpec {
	spec := &storeSpec{
		name:          name,
		keyPath:       st.KeyPath,
		autoIncrement: st.AutoIncrement,
		indexes:       make(map[string]*indexSpec, len(st.Indexes)),
	}
	for idxName, is := range st.Indexes {
		spec.indexes[idxName] = &indexSpec{name: idxName, keyPath: is.KeyPath, unique: is.Unique}
	}
	return spec
}

func stateOfSpec(spec *storeSpec, seed uint64) *storeState {
	st := &storeState{
		KeyPath:       spec.keyPath,
		AutoIncrement: spec.autoIncrement,
		Seed:          seed,
		Indexes:       make(map[string]*indexState, len(spec.indexes)),
	}
	for name, idx := range spec.indexes {
		st.Indexes[name] = &indexState{KeyPath: idx.keyPath, Unique: idx.unique}
	}
	return st
}
