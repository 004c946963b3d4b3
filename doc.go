/*
Package odb implements an embeddable transactional object database on top of
a sorted key-value store (in this case, on top of Bolt).

We implement:

1. Object stores, ordered collections of schemaless records (string-keyed
documents) addressed by a primary key, with optional in-line keys (key paths)
and optional auto-generated surrogate keys.

2. Indexes, derived ordered mappings from a record property to primary keys,
optionally unique, maintained synchronously with every store mutation.

3. Transactions with an asynchronous request/completion model: every
operation produces a request future, requests on one transaction complete
strictly in submission order, and the transaction either commits all buffered
mutations or rolls back to its starting state.

4. Versioned schema upgrades: the database carries a schema version, and
object stores and indexes may only be created or deleted inside an exclusive
versionchange transaction that persists the new version atomically with the
schema changes.

# Technical Details

**Buckets.**
We rely on scoped namespaces for keys called buckets. Bolt supports them
natively. Each object store owns a root bucket holding a nested “data” bucket
(key → record), one “i_<name>” bucket per index, and a “_state” document
(key path, auto-increment flag, key generator seed, index definitions).
A “_meta” root bucket holds the database document (name, schema version,
store list). All of these change together, atomically, at commit.

**Key encoding.**
Primary keys and indexed values are numbers, strings or byte strings. They
are encoded into order-preserving byte strings (a kind tag followed by the
cockroach ascending encoding of the value), so the byte order of a bucket is
exactly key order and range scans need no decoding.

**Index entries.**
A unique index stores encoded-value → encoded-primary-key. A non-unique index
stores encoded-value‖encoded-primary-key → empty, which keeps entries for
equal values adjacent and ordered by primary key.

**Values** are msgpack-encoded record documents. Which index entries a record
contributes is recomputed from the record itself; index definitions only
change inside versionchange transactions, which rebuild or drop whole index
buckets.
*/
package odb
