package shmdb

/*
shmdb is a multi-version object store whose data lives in shared memory. Client processes map the store directly and
read objects without copying; a single server process hands out timestamps, validates commits and publishes them to
the shared view. Readers never block writers and writers never block readers.

Building shmdb produces one executable, shmdb-server. Applications link the `db/client` package and connect to it over
a unix socket.

The `shmdb` module is organized into the following packages:

* `db/txnmeta`, `db/tso`: the packed per-timestamp transaction metadata and the timestamp authority over it.
* `db/commit`: conflict validation, the apply and garbage collection watermarks.
* `db/storage`, `db/typeindex`, `db/object`: the shared data segment, the per-type locator lists and the object
  operations a transaction performs.
* `db/shm`, `db/messages`: memfd segments, descriptor passing and the session control messages.
* `db/server`, `db/client`: the two ends of a session.
* `db/wal`: the word-stuffed, compressed redo log kept in badger.
*/
