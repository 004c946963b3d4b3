package odb

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes surfaced to callers. Operations wrap these in a StoreError
// carrying store/index/key context; match with errors.Is.
var (
	// ErrVersion means the stored schema version exceeds the requested one.
	ErrVersion = errors.New("version error")

	// ErrConstraint means a duplicate add key or a unique index collision.
	ErrConstraint = errors.New("constraint violation")

	// ErrInvalidState means an operation is not legal in the current state,
	// e.g. schema mutation outside a versionchange transaction.
	ErrInvalidState = errors.New("invalid state")

	// ErrTxnInactive means a request was submitted to a transaction that is
	// no longer accepting requests.
	ErrTxnInactive = errors.New("transaction is not active")

	// ErrInvalidAccess means an operation was given arguments it cannot
	// accept: a store outside the transaction's scope, a write in a
	// read-only transaction, an explicit key for an in-line-key store, or
	// a missing key for a store that cannot generate one.
	ErrInvalidAccess = errors.New("invalid access")

	// ErrAborted is the terminal error of an aborted transaction. It wraps
	// the abort reason when there is one.
	ErrAborted = errors.New("transaction aborted")

	// ErrNotFound means the named database object does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket
// doesn't exist.
var ErrBucketNotFound = errors.New("bucket not found")

// abortError is the terminal error of an aborted transaction. It matches
// ErrAborted with errors.Is and unwraps to the abort reason.
type abortError struct {
	reason error
}

func abortedErr(reason error) error {
	return &abortError{reason: reason}
}

func (e *abortError) Error() string {
	if e.reason != nil {
		return "transaction aborted: " + e.reason.Error()
	}
	return "transaction aborted"
}

func (e *abortError) Unwrap() error { return e.reason }

func (e *abortError) Is(target error) bool { return target == ErrAborted }

// StoreError is an operation failure bound to a store, and possibly an index
// and a key. Unwrap yields the error code sentinel.
type StoreError struct {
	Store string
	Index string
	Key   Key
	Code  error
	Msg   string
}

func storeErrf(store, index string, key Key, code error, format string, args ...any) error {
	return &StoreError{store, index, key, code, fmt.Sprintf(format, args...)}
}

func (e *StoreError) Unwrap() error {
	return e.Code
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Store)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if !e.Key.IsAbsent() {
		buf.WriteByte('/')
		buf.WriteString(e.Key.String())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Code != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Code.Error())
	}
	return buf.String()
}

// DataError is a failure to decode a stored byte string.
type DataError struct {
	Data []byte
	Err  error
	Msg  string
}

func dataErrf(data []byte, err error, format string, args ...any) error {
	return &DataError{data, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}
