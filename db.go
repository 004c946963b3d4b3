package odb

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

const trackTxns = true

// DB is the top-level database handle: it owns the set of object stores,
// the current schema version, and the routing of unhandled errors.
type DB struct {
	stor    storage
	name    string
	logf    func(format string, args ...any)
	verbose bool
	strict  bool
	maxIdle time.Duration
	onError func(err error) bool

	// gate serializes versionchange transactions against everything else:
	// ordinary transactions hold it shared, a versionchange transaction
	// holds it exclusively until commit or abort.
	gate sync.RWMutex

	mu         sync.Mutex
	schema     *schema
	version    uint64
	storeLocks map[string]*sync.Mutex
	closed     bool

	lastTxnID atomic.Uint64

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Txn
	txnsLock sync.Mutex
}

type Options struct {
	Logf      func(format string, args ...any)
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// InMemory selects the transient in-memory backend instead of Bolt;
	// the path argument to Open is ignored then.
	InMemory bool

	// MaxIdle is the activity window: how long a transaction with no
	// pending requests stays eligible for new ones. When it elapses, the
	// transaction deactivates and auto-commits if error-free. Zero means
	// transactions stay active until an explicit Commit or Abort.
	MaxIdle time.Duration

	// OnError is the database-level handler for errors left unhandled at
	// the request and transaction levels. Returning true marks the error
	// handled and prevents the default transaction abort.
	OnError func(err error) bool
}

// UpgradeFunc is the caller-supplied migration routine. It runs inside the
// versionchange transaction; if it returns an error, the upgrade and the
// version bump are rolled back together. A nil UpgradeFunc advances the
// version without schema changes.
type UpgradeFunc func(u *UpgradeTxn) error

// Open opens (creating if necessary) the database at path and brings it to
// the requested schema version. A stored version above the requested one
// fails with ErrVersion. A stored version below it runs upgrade inside an
// exclusive versionchange transaction; the new version is persisted
// atomically with the upgrade's effects.
func Open(path, name string, version uint64, upgrade UpgradeFunc, opt Options) (*DB, error) {
	if version == 0 {
		return nil, errors.Wrap(ErrVersion, "odb: schema versions start at 1")
	}
	var stor storage
	if opt.InMemory {
		stor = newMemStorage()
	} else {
		bopt := &bbolt.Options{}
		*bopt = *bbolt.DefaultOptions
		bopt.Timeout = 10 * time.Second
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}

		bdb, err := bbolt.Open(path, 0666, bopt)
		if err != nil {
			return nil, errors.Wrap(err, "odb")
		}
		stor = newBoltStorage(bdb)
	}

	db := &DB{
		stor:       stor,
		name:       name,
		logf:       opt.Logf,
		verbose:    opt.Verbose,
		strict:     opt.IsTesting,
		maxIdle:    opt.MaxIdle,
		onError:    opt.OnError,
		storeLocks: make(map[string]*sync.Mutex),
	}
	if db.logf == nil {
		db.logf = func(format string, args ...any) {}
	}

	stored, err := db.loadSchema()
	if err != nil {
		stor.Close()
		return nil, err
	}

	if stored > version {
		stor.Close()
		return nil, errors.Wrapf(ErrVersion,
			"odb: open %q at version %d, stored version is %d", name, version, stored)
	}
	if stored < version {
		if err := db.runUpgrade(stored, version, upgrade); err != nil {
			stor.Close()
			return nil, err
		}
	}
	return db, nil
}

// DeleteDatabase removes the database file at path.
func DeleteDatabase(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// loadSchema reads the persisted database document and per-store state
// documents into an in-memory schema snapshot. Returns the stored version.
func (db *DB) loadSchema() (uint64, error) {
	stx, err := db.stor.BeginTx(false)
	if err != nil {
		return 0, errors.Wrap(err, "odb: reading metadata")
	}
	defer stx.Rollback()

	scm := newSchema()
	var st dbState
	if mb := stx.Bucket(metaBucket, ""); mb != nil {
		if raw := mb.Get([]byte(dbStateKey)); raw != nil {
			if err := msgpack.Unmarshal(raw, &st); err != nil {
				return 0, dataErrf(raw, err, "failed to decode database state")
			}
		}
	}
	for _, storeName := range st.Stores {
		rootB := stx.Bucket(storeBucketName(storeName), "")
		if rootB == nil {
			return 0, errors.Wrapf(ErrNotFound, "odb: store %q listed in metadata has no bucket", storeName)
		}
		raw := rootB.Get([]byte(storeStateKey))
		if raw == nil {
			return 0, errors.Wrapf(ErrNotFound, "odb: store %q has no state document", storeName)
		}
		var ss storeState
		if err := msgpack.Unmarshal(raw, &ss); err != nil {
			return 0, dataErrf(raw, err, "failed to decode state of store %q", storeName)
		}
		scm.stores[storeName] = ss.spec(storeName)
	}

	db.mu.Lock()
	db.schema = scm
	db.version = st.Version
	for name := range scm.stores {
		db.storeLocks[name] = &sync.Mutex{}
	}
	db.mu.Unlock()
	return st.Version, nil
}

func (db *DB) runUpgrade(oldVersion, newVersion uint64, upgrade UpgradeFunc) error {
	txn, err := db.newTxn(nil, VersionChange)
	if err != nil {
		return err
	}
	utx := &UpgradeTxn{Txn: txn, oldVersion: oldVersion, newVersion: newVersion}
	txn.newVersion = newVersion

	if db.verbose {
		db.logf("db: UPGRADE %s v%d -> v%d", db.name, oldVersion, newVersion)
	}
	if upgrade != nil {
		if err := safelyUpgrade(upgrade, utx); err != nil {
			txn.Abort(err)
			return errors.Wrapf(err, "odb: upgrade %q to version %d", db.name, newVersion)
		}
	}
	if err := txn.Commit(); err != nil {
		return errors.Wrapf(err, "odb: upgrade %q to version %d", db.name, newVersion)
	}
	return nil
}

func safelyUpgrade(fn UpgradeFunc, utx *UpgradeTxn) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during upgrade: %v", p)
		}
	}()
	return fn(utx)
}

// Name returns the database name recorded in its metadata.
func (db *DB) Name() string { return db.name }

// Version returns the current schema version.
func (db *DB) Version() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.version
}

// StoreNames returns the names of all object stores, sorted.
func (db *DB) StoreNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.schema.storeNames()
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() {
	if db.strict && trackTxns {
		db.txnsLock.Lock()
		n := len(db.txns)
		db.txnsLock.Unlock()
		if n > 0 {
			panic("odb: closing with open transactions\n" + db.DescribeOpenTxns())
		}
	}
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()
	err := db.stor.Close()
	if err != nil {
		panic(fmt.Errorf("odb: closing: %w", err))
	}
}

// currentSchema returns the published schema snapshot.
func (db *DB) currentSchema() *schema {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.schema
}

// publishSchema swaps in the schema produced by a committed versionchange
// transaction, together with its version.
func (db *DB) publishSchema(scm *schema, version uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.schema = scm
	db.version = version
	for name := range scm.stores {
		if db.storeLocks[name] == nil {
			db.storeLocks[name] = &sync.Mutex{}
		}
	}
}

func (db *DB) storeLock(name string) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	m := db.storeLocks[name]
	if m == nil {
		m = &sync.Mutex{}
		db.storeLocks[name] = m
	}
	return m
}

// handleUnhandled gives the database-level handler a chance to suppress the
// default abort for an error that bubbled past the request and transaction
// levels.
func (db *DB) handleUnhandled(err error) bool {
	if db.onError == nil {
		return false
	}
	return db.onError(err)
}

func (db *DB) addTxn(txn *Txn) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, txn)
}

func (db *DB) removeTxn(txn *Txn) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == txn {
			found = i
			break
		}
	}
	if found < 0 {
		panic("txn not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TXN TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Txn) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, txn := range txns {
		ms := now.Sub(txn.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s txn open for %d ms\n", txn.mode, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s txn open for %d ms:\n%s", txn.mode, ms, txn.stack)
		}
	}

	return buf.String()
}
