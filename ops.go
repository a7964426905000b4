package docstore

import (
	"fmt"
	"iter"

	"github.com/nbrauner/docstore/internal/record"
	"github.com/nbrauner/docstore/storage"
	"github.com/nbrauner/docstore/wal"
)

// Put logs and queues a write of doc under id. Depending on the current
// batch state, the operation may or may not be applied to storage before
// Put returns; Get always observes it immediately regardless.
func (db *DB) Put(id []byte, doc Document) error {
	if len(id) == 0 {
		return ErrEmptyID
	}
	if err := db.wal.Log(wal.PUT, id, doc); err != nil {
		return fmt.Errorf("docstore: put %s: %w", id, err)
	}

	idCopy := append([]byte(nil), id...)
	var needCommit bool
	if err := db.withLock(func() error {
		db.mu.Lock()
		db.pending = append(db.pending, pendingOp{op: wal.PUT, id: idCopy, doc: doc})
		db.Puts.Add(1)
		needCommit = db.state == stateAuto && db.opt.autoCommit() && len(db.pending) >= db.opt.MaxBatchSize
		db.mu.Unlock()
		return nil
	}); err != nil {
		return fmt.Errorf("docstore: put %s: %w", id, err)
	}

	if needCommit {
		return db.Commit()
	}
	return nil
}

// Delete logs and queues a deletion of id.
func (db *DB) Delete(id []byte) error {
	if len(id) == 0 {
		return ErrEmptyID
	}
	if err := db.wal.Log(wal.DELETE, id, nil); err != nil {
		return fmt.Errorf("docstore: delete %s: %w", id, err)
	}

	idCopy := append([]byte(nil), id...)
	var needCommit bool
	if err := db.withLock(func() error {
		db.mu.Lock()
		db.pending = append(db.pending, pendingOp{op: wal.DELETE, id: idCopy})
		db.Deletes.Add(1)
		needCommit = db.state == stateAuto && db.opt.autoCommit() && len(db.pending) >= db.opt.MaxBatchSize
		db.mu.Unlock()
		return nil
	}); err != nil {
		return fmt.Errorf("docstore: delete %s: %w", id, err)
	}

	if needCommit {
		return db.Commit()
	}
	return nil
}

// Get returns the document stored for id, checking the pending
// (uncommitted) batch before falling through to the storage engine, so a
// put is always visible to an immediately following get regardless of
// whether it has been committed yet.
func (db *DB) Get(id []byte) (Document, bool, error) {
	if len(id) == 0 {
		return nil, false, ErrEmptyID
	}
	db.Gets.Add(1)

	db.mu.Lock()
	for i := len(db.pending) - 1; i >= 0; i-- {
		op := db.pending[i]
		if string(op.id) != string(id) {
			continue
		}
		db.mu.Unlock()
		if op.op == wal.DELETE {
			return nil, false, nil
		}
		return op.doc, true, nil
	}
	db.mu.Unlock()

	var doc Document
	var ok bool
	err := db.withRLock(func() error {
		var gerr error
		doc, ok, gerr = db.storage.Get(id)
		return gerr
	})
	if err != nil {
		return nil, false, fmt.Errorf("docstore: get %s: %w", id, err)
	}
	return doc, ok, nil
}

// Iterate yields every live, committed document. Pending (uncommitted)
// operations are not reflected.
func (db *DB) Iterate() iter.Seq2[[]byte, Document] {
	return db.storage.Iterate()
}

// Commit applies every pending operation to the storage engine in
// submission order (per-id last-writer-wins falls out naturally from that
// order), clears the batch, and flushes the write-ahead log. An empty
// batch is a no-op. On storage failure the batch is still cleared and the
// error is surfaced; the DB remains usable for subsequent operations.
func (db *DB) Commit() error {
	db.mu.Lock()
	if len(db.pending) == 0 {
		db.mu.Unlock()
		return nil
	}
	db.mu.Unlock()

	var applyErr, flushErr error
	if err := db.withLock(func() error {
		db.mu.Lock()
		pending := db.pending
		db.pending = nil
		prevState := db.state
		db.state = stateCommitting
		db.mu.Unlock()

		for _, op := range pending {
			if err := db.applyPending(op); err != nil {
				applyErr = fmt.Errorf("docstore: commit %s %s: %w", op.op, op.id, err)
				break
			}
		}

		flushErr = db.wal.Flush()

		db.mu.Lock()
		db.state = prevState
		db.mu.Unlock()
		return nil
	}); err != nil {
		return fmt.Errorf("docstore: commit: %w", err)
	}

	if applyErr != nil {
		return applyErr
	}
	if flushErr != nil {
		return fmt.Errorf("docstore: commit flush: %w", flushErr)
	}
	db.Commits.Add(1)
	return nil
}

func (db *DB) applyPending(op pendingOp) error {
	switch op.op {
	case wal.PUT:
		_, err := db.storage.Write(op.id, op.doc)
		return err
	case wal.DELETE:
		return db.storage.Delete(op.id)
	default:
		return fmt.Errorf("unknown operation %q", op.op)
	}
}

// BeginBatch acquires the database's exclusive lock and disables
// autoCommit until EndBatch. While the batch is open, Put and Delete only
// queue work; nothing reaches storage until EndBatch (or an explicit
// Commit) runs.
func (db *DB) BeginBatch() error {
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("docstore: begin batch: %w", err)
	}
	db.mu.Lock()
	db.state = stateOpen
	db.mu.Unlock()
	return nil
}

// EndBatch commits the pending batch, turns autoCommit on, and releases
// the exclusive lock regardless of whether the commit succeeded.
func (db *DB) EndBatch() error {
	commitErr := db.Commit()

	db.mu.Lock()
	db.state = stateAuto
	autoCommit := true
	db.opt.AutoCommit = &autoCommit
	db.mu.Unlock()

	if err := db.lock.Unlock(); err != nil && commitErr == nil {
		commitErr = fmt.Errorf("docstore: end batch: %w", err)
	}
	return commitErr
}

// applyEntry reapplies one replayed write-ahead log entry to the storage
// engine. Idempotent: a replayed PUT writes a new (harmless) record at a
// new offset; a replayed DELETE of an absent id is a no-op.
func applyEntry(eng *storage.Engine, e wal.Entry) error {
	switch e.Operation {
	case wal.PUT:
		doc, err := record.DecodeDocument(e.Data)
		if err != nil {
			return err
		}
		_, err = eng.Write([]byte(e.ID), doc)
		return err
	case wal.DELETE:
		return eng.Delete([]byte(e.ID))
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}
