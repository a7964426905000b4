/*
Package docstore implements an embedded, append-only document store for
read-heavy workloads on a single host.

Documents are opaque, caller-supplied payloads keyed by caller-supplied
ids. Durability is provided by a write-ahead log (package wal) that is
replayed on startup; the documents themselves live in an append-only data
file owned by package storage, fronted by an in-memory primary index, a
bloom filter admission test (package bloom), and a bounded FIFO cache.

# Architecture

	DB (this package)
	  owns a WAL and a storage.Engine
	  exposes Put/Get/Delete/Iterate/Commit/BeginBatch/EndBatch

	wal.WAL
	  segmented, checksummed, batched operation log

	storage.Engine
	  data.db (append-only records) + index.bin (bbolt offset index)
	  + access.log (cache warmup hint) + bloom.Filter + FIFO cache

A Put or Delete is first logged to the WAL, then queued in a pending batch;
crossing the batch threshold (or calling Commit/EndBatch) applies the
queued operations to the storage engine and flushes the WAL. A Get
consults the cache, then the bloom filter, then the primary index, then
the data file.

# Scope

This package implements the core described above. It does not implement
collection-prefixed ids, auto-id generation, or a secondary-index query
engine; those are meant to be built on top of DB by a thin wrapper (see the
package example).
*/
package docstore
