package odb

import (
	"golang.org/x/exp/maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	VersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	default:
		return "unknown"
	}
}

type TxnState int32

const (
	TxnActive TxnState = iota
	TxnInactive
	TxnCommitting
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnActive:
		return "active"
	case TxnInactive:
		return "inactive"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type ctlKind int

const (
	ctlRequest ctlKind = iota
	ctlCommit
)

type txnMsg struct {
	req *Request
	ctl ctlKind
}

// Txn is a scoped, mode-tagged unit of work. All of its operations are
// queued as requests and executed, in submission order, by the
// transaction's own goroutine against a single storage transaction. The
// storage transaction doubles as the rollback log: an abort discards every
// buffered mutation, including key generator seeds and schema changes.
type Txn struct {
	db         *DB
	id         uint64
	mode       Mode
	scope      map[string]bool // nil for versionchange (whole database)
	schema     *schema         // snapshot; private clone for versionchange
	newVersion uint64          // versionchange only
	stx        storageTx

	mu          sync.Mutex
	state       TxnState
	queue       []txnMsg
	lastReq     *Request // most recently submitted, possibly unclaimed
	handler     func(req *Request, err error) bool
	abortReason error

	signal    chan struct{}
	abortCh   chan struct{}
	abortOnce sync.Once
	done      chan struct{}
	finalErr  error

	states map[string]*storeState // per-store state documents touched so far
	locks  []*sync.Mutex          // held store locks, unlocked on finish

	startTime time.Time
	stack     string
}

// Transaction opens an ordinary transaction over the given stores.
// Read-write transactions acquire the scope's store locks (in sorted order)
// and are serialized against other writers with overlapping scope;
// read-only transactions run on a storage snapshot and never block.
func (db *DB) Transaction(scope []string, mode Mode) (*Txn, error) {
	if mode != ReadOnly && mode != ReadWrite {
		return nil, errors.Wrapf(ErrInvalidAccess, "odb: cannot open a %s transaction directly", mode)
	}
	if len(scope) == 0 {
		return nil, errors.Wrap(ErrInvalidAccess, "odb: transaction scope is empty")
	}
	return db.newTxn(scope, mode)
}

func (db *DB) newTxn(scope []string, mode Mode) (*Txn, error) {
	if mode == VersionChange {
		db.gate.Lock()
	} else {
		db.gate.RLock()
	}
	releaseGate := func() {
		if mode == VersionChange {
			db.gate.Unlock()
		} else {
			db.gate.RUnlock()
		}
	}

	db.mu.Lock()
	closed := db.closed
	db.mu.Unlock()
	if closed {
		releaseGate()
		return nil, errors.Wrap(ErrInvalidState, "odb: database is closed")
	}

	scm := db.currentSchema()
	t := &Txn{
		db:        db,
		id:        db.lastTxnID.Add(1),
		mode:      mode,
		signal:    make(chan struct{}, 1),
		abortCh:   make(chan struct{}),
		done:      make(chan struct{}),
		states:    make(map[string]*storeState),
		startTime: time.Now(),
	}
	if mode == VersionChange {
		t.schema = scm.clone()
	} else {
		t.schema = scm
		t.scope = make(map[string]bool, len(scope))
		for _, name := range scope {
			if scm.stores[name] == nil {
				releaseGate()
				return nil, errors.Wrapf(ErrNotFound, "odb: no object store %q", name)
			}
			t.scope[name] = true
		}
	}

	if mode == ReadWrite {
		// t.scope is a set, so a store name repeated in the scope slice
		// yields one lock acquisition, not a self-deadlock.
		names := maps.Keys(t.scope)
		slices.Sort(names)
		db.PendingWriterCount.Add(1)
		for _, name := range names {
			l := db.storeLock(name)
			l.Lock()
			t.locks = append(t.locks, l)
		}
		db.PendingWriterCount.Add(-1)
	}
	if mode == ReadOnly {
		db.ReaderCount.Add(1)
	} else {
		db.WriterCount.Add(1)
	}
	if trackTxns {
		t.stack = string(debug.Stack())
	}
	db.addTxn(t)

	ready := make(chan error, 1)
	go t.run(ready)
	if err := <-ready; err != nil {
		t.releaseLocks()
		releaseGate()
		if mode == ReadOnly {
			db.ReaderCount.Add(-1)
		} else {
			db.WriterCount.Add(-1)
		}
		db.removeTxn(t)
		return nil, errors.Wrap(err, "odb: begin transaction")
	}

	if db.verbose {
		db.logf("db: TXN.BEGIN #%d %s %v", t.id, t.mode, scope)
	}
	return t, nil
}

func (t *Txn) ID() uint64 { return t.id }
func (t *Txn) Mode() Mode { return t.mode }
func (t *Txn) DB() *DB    { return t.db }

// Scope returns the names of the stores this transaction may access,
// sorted. A versionchange transaction spans the whole database.
func (t *Txn) Scope() []string {
	if t.scope == nil {
		return t.schema.storeNames()
	}
	names := maps.Keys(t.scope)
	slices.Sort(names)
	return names
}

func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnError registers the transaction-level error handler. It runs for
// request errors not handled at the request level; returning true
// suppresses further bubbling and the default abort.
func (t *Txn) OnError(h func(req *Request, err error) bool) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// ObjectStore returns a handle on a store in the transaction's scope.
func (t *Txn) ObjectStore(name string) (*ObjectStore, error) {
	spec := t.schema.stores[name]
	if spec == nil {
		return nil, errors.Wrapf(ErrNotFound, "odb: no object store %q", name)
	}
	if t.scope != nil && !t.scope[name] {
		return nil, errors.Wrapf(ErrInvalidAccess, "odb: store %q is outside the transaction scope", name)
	}
	return &ObjectStore{txn: t, spec: spec}, nil
}

// Commit waits for every queued request to complete, then durably applies
// all buffered mutations. If an unhandled request error aborted the
// transaction in the meantime, Commit returns the abort error instead.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.state != TxnActive {
		t.mu.Unlock()
		<-t.done
		return t.finalErr
	}
	t.state = TxnCommitting
	t.queue = append(t.queue, txnMsg{ctl: ctlCommit})
	last := t.lastReq
	t.mu.Unlock()

	if last != nil {
		last.releaseNow()
	}
	t.notify()
	<-t.done
	return t.finalErr
}

// Abort rolls the transaction back, restoring all stores, indexes and key
// generators to their state before the transaction started. Requests
// already issued but not yet applied are discarded. reason may be nil.
func (t *Txn) Abort(reason error) error {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "odb: transaction already finished")
	default:
	}
	if t.state != TxnActive {
		// Covers TxnInactive too: a transaction deactivated by the idle
		// timer is already on its way into finishCommit.
		st := t.state
		t.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "odb: transaction is %s", st)
	}
	if t.abortReason == nil {
		t.abortReason = reason
	}
	last := t.lastReq
	t.mu.Unlock()

	if last != nil {
		last.releaseNow()
	}
	t.requestAbort()
	<-t.done
	return nil
}

func (t *Txn) requestAbort() {
	t.abortOnce.Do(func() {
		close(t.abortCh)
	})
}

func (t *Txn) abortPending() bool {
	select {
	case <-t.abortCh:
		return true
	default:
		return false
	}
}

// enqueue submits an operation as a request. Fails immediately with
// ErrTxnInactive when the transaction no longer accepts requests.
func (t *Txn) enqueue(label string, op func(t *Txn) (any, error)) *Request {
	req := newRequest(t, label, op)
	t.mu.Lock()
	if t.state != TxnActive {
		st := t.state
		t.mu.Unlock()
		req.settle(nil, storeErrf("", "", Key{}, ErrTxnInactive, "%s: transaction is %s", label, st))
		return req
	}
	prev := t.lastReq
	t.lastReq = req
	t.queue = append(t.queue, txnMsg{req: req})
	t.mu.Unlock()

	if prev != nil {
		prev.releaseNow()
	}
	t.notify()
	return req
}

func (t *Txn) notify() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Txn) dequeue() (txnMsg, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return txnMsg{}, false
	}
	m := t.queue[0]
	t.queue = t.queue[1:]
	return m, true
}

// run is the transaction's request loop. The storage transaction is begun
// and finished here so it is only ever touched from this goroutine.
func (t *Txn) run(ready chan<- error) {
	stx, err := t.db.stor.BeginTx(t.mode != ReadOnly)
	if err != nil {
		ready <- err
		return
	}
	t.stx = stx
	ready <- nil

	for {
		if t.abortPending() {
			t.finishAbort()
			return
		}
		m, ok := t.dequeue()
		if !ok {
			var idleC <-chan time.Time
			var idleT *time.Timer
			if t.db.maxIdle > 0 {
				idleT = time.NewTimer(t.db.maxIdle)
				idleC = idleT.C
			}
			select {
			case <-t.signal:
				if idleT != nil {
					idleT.Stop()
				}
			case <-t.abortCh:
				if idleT != nil {
					idleT.Stop()
				}
				t.finishAbort()
				return
			case <-idleC:
				if t.deactivate() {
					t.finishCommit()
					return
				}
			}
			continue
		}
		if m.ctl == ctlCommit {
			t.finishCommit()
			return
		}
		t.exec(m.req)
	}
}

// deactivate closes the activity window: the idle timer fired with no new
// requests, so the transaction stops accepting them and auto-commits.
func (t *Txn) deactivate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnActive || len(t.queue) > 0 {
		return false
	}
	t.state = TxnInactive
	return true
}

func (t *Txn) exec(req *Request) {
	// The caller gets to attach a request-level handler before the request
	// runs; see Request. An unclaimed request stops holding things up once
	// the activity window closes.
	var idleC <-chan time.Time
	if t.db.maxIdle > 0 {
		idleT := time.NewTimer(t.db.maxIdle)
		defer idleT.Stop()
		idleC = idleT.C
	}
	select {
	case <-req.release:
	case <-idleC:
	case <-t.abortCh:
		req.settle(nil, abortedErr(t.currentAbortReason()))
		return
	}
	res, err := req.op(t)
	if err != nil {
		t.failRequest(req, err)
	} else {
		req.settle(res, nil)
	}
}

// failRequest bubbles a request error through the three handler levels
// (request, transaction, database); if none claims it, the transaction
// aborts.
func (t *Txn) failRequest(req *Request, err error) {
	handled := req.handle(err)
	if !handled {
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			handled = h(req, err)
		}
	}
	if !handled {
		handled = t.db.handleUnhandled(err)
	}
	req.settle(nil, err)
	if !handled {
		t.mu.Lock()
		if t.abortReason == nil {
			t.abortReason = err
		}
		t.mu.Unlock()
		t.requestAbort()
	}
}

func (t *Txn) currentAbortReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abortReason
}

func (t *Txn) finishAbort() {
	t.mu.Lock()
	t.state = TxnAborted
	reason := t.abortReason
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	aerr := abortedErr(reason)
	for _, m := range queue {
		if m.req != nil {
			m.req.settle(nil, aerr)
		}
	}
	if err := t.stx.Rollback(); err != nil {
		t.db.logf("db: TXN.ABORT #%d rollback failed: %v", t.id, err)
	}
	t.finalErr = aerr
	if t.db.verbose {
		t.db.logf("db: TXN.ABORT #%d %s: %v", t.id, t.mode, reason)
	}
	t.cleanup()
}

func (t *Txn) finishCommit() {
	t.mu.Lock()
	t.state = TxnCommitting
	t.mu.Unlock()

	var err error
	if t.mode == ReadOnly {
		err = t.stx.Rollback() // read snapshots close via rollback
	} else {
		if t.mode == VersionChange {
			err = t.writeDBState()
		}
		if err == nil {
			t.db.lastSize.Store(t.stx.Size())
			err = t.stx.Commit()
		} else {
			t.stx.Rollback()
		}
	}

	t.mu.Lock()
	if err != nil {
		t.state = TxnAborted
		t.finalErr = abortedErr(err)
	} else {
		t.state = TxnCommitted
	}
	t.mu.Unlock()

	if err == nil && t.mode == VersionChange {
		t.db.publishSchema(t.schema, t.newVersion)
	}
	if t.db.verbose {
		if err != nil {
			t.db.logf("db: TXN.COMMIT.FAIL #%d %s: %v", t.id, t.mode, err)
		} else {
			t.db.logf("db: TXN.COMMIT #%d %s", t.id, t.mode)
		}
	}
	t.cleanup()
}

func (t *Txn) writeDBState() error {
	mb, err := t.stx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(&dbState{
		Name:     t.db.name,
		Version:  t.newVersion,
		Stores:   t.schema.storeNames(),
		LastOpen: time.Now(),
	})
	if err != nil {
		return err
	}
	return mb.Put([]byte(dbStateKey), raw)
}

func (t *Txn) cleanup() {
	t.releaseLocks()
	if t.mode == VersionChange {
		t.db.gate.Unlock()
	} else {
		t.db.gate.RUnlock()
	}
	if t.mode == ReadOnly {
		t.db.ReaderCount.Add(-1)
	} else {
		t.db.WriterCount.Add(-1)
	}
	t.db.removeTxn(t)
	close(t.done)
}

func (t *Txn) releaseLocks() {
	for i := len(t.locks) - 1; i >= 0; i-- {
		t.locks[i].Unlock()
	}
	t.locks = nil
}

// storeState returns the transaction's working copy of a store's state
// document, loading it from storage on first use.
func (t *Txn) storeState(spec *storeSpec) (*storeState, error) {
	if st := t.states[spec.name]; st != nil {
		return st, nil
	}
	rootB := t.stx.Bucket(storeBucketName(spec.name), "")
	if rootB == nil {
		return nil, storeErrf(spec.name, "", Key{}, ErrNotFound, "store bucket missing")
	}
	st := new(storeState)
	if raw := rootB.Get([]byte(storeStateKey)); raw != nil {
		if err := msgpack.Unmarshal(raw, st); err != nil {
			return nil, dataErrf(raw, err, "failed to decode state of store %q", spec.name)
		}
	} else {
		st.Seed = 1
	}
	t.states[spec.name] = st
	return st, nil
}

func (t *Txn) saveStoreState(name string, st *storeState) error {
	rootB := t.stx.Bucket(storeBucketName(name), "")
	if rootB == nil {
		return storeErrf(name, "", Key{}, ErrNotFound, "store bucket missing")
	}
	raw, err := msgpack.Marshal(st)
	if err != nil {
		return err
	}
	return rootB.Put([]byte(storeStateKey), raw)
}

func (t *Txn) dataBucket(spec *storeSpec) storageBucket {
	return nonNilBucket(t.stx.Bucket(storeBucketName(spec.name), dataSub), spec.name, dataSub)
}

func (t *Txn) indexBucket(spec *storeSpec, idx *indexSpec) storageBucket {
	return nonNilBucket(t.stx.Bucket(storeBucketName(spec.name), indexSubName(idx.name)), spec.name, idx.name)
}
