package storage

import (
	"bytes"
	"fmt"
	"iter"

	"github.com/nbrauner/docstore/internal/record"
)

// Write encodes and appends doc as a new Record for id, updating the
// primary index, bloom filter, and cache, then returns the byte offset
// the record was written at.
func (e *Engine) Write(id []byte, doc map[string]any) (int64, error) {
	if len(id) == 0 {
		return 0, ErrEmptyID
	}
	sid := string(id)

	rev, err := record.NewRevision()
	if err != nil {
		return 0, fmt.Errorf("storage: new revision: %w", err)
	}
	line, err := record.EncodeRecord(sid, rev, doc)
	if err != nil {
		return 0, fmt.Errorf("storage: encode record: %w", err)
	}
	if int64(len(line)) > e.opt.MaxRecordSize {
		return 0, ErrRecordTooLarge
	}

	if err := e.lock.Lock(); err != nil {
		return 0, fmt.Errorf("storage: lock: %w", err)
	}
	defer e.lock.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	off := e.dataSize
	n, err := e.dataFile.Write(line)
	if err != nil {
		return 0, fmt.Errorf("storage: append: %w", err)
	}
	e.dataSize += int64(n)

	e.index[sid] = off
	delete(e.tombstones, sid)
	e.bloom.Add(id)
	e.cache.put(sid, doc)

	return off, e.maybeSnapshotLocked()
}

// Delete removes id from the primary index and cache and marks it
// tombstoned, immediately snapshotting the index.
func (e *Engine) Delete(id []byte) error {
	if len(id) == 0 {
		return ErrEmptyID
	}
	sid := string(id)

	if err := e.lock.Lock(); err != nil {
		return fmt.Errorf("storage: lock: %w", err)
	}
	defer e.lock.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.index[sid]; !ok {
		return nil
	}
	delete(e.index, sid)
	e.tombstones[sid] = struct{}{}
	e.cache.delete(sid)

	return saveIndex(e.idxDB, e.index)
}

// Get returns the document stored for id, or (nil, false, nil) if id is
// not present or has been deleted.
func (e *Engine) Get(id []byte) (map[string]any, bool, error) {
	if len(id) == 0 {
		return nil, false, ErrEmptyID
	}
	sid := string(id)

	if err := e.lock.RLock(); err != nil {
		return nil, false, fmt.Errorf("storage: lock: %w", err)
	}
	defer e.lock.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if doc, ok := e.cache.get(sid); ok {
		e.recordAccessLocked(sid)
		return doc, true, nil
	}

	if _, tombstoned := e.tombstones[sid]; tombstoned {
		return nil, false, nil
	}
	if !e.bloom.MightContain(id) {
		e.bloomRejections.Add(1)
		return nil, false, nil
	}

	off, ok := e.index[sid]
	if !ok {
		return nil, false, nil
	}

	doc, err := e.readAt(off, sid)
	if err != nil {
		return nil, false, err
	}
	if doc == nil {
		return nil, false, nil
	}

	e.cache.put(sid, doc)
	e.recordAccessLocked(sid)
	return doc, true, nil
}

func (e *Engine) recordAccessLocked(id string) {
	if _, err := e.accessLog.WriteString(id + "\n"); err != nil {
		e.opt.Logger.Warn("storage: access log write failed", "err", err)
	}
}

func (e *Engine) maybeSnapshotLocked() error {
	e.mutationsSinceSnapshot++
	if e.mutationsSinceSnapshot < e.opt.IndexSnapshotInterval {
		return nil
	}
	e.mutationsSinceSnapshot = 0
	return saveIndex(e.idxDB, e.index)
}

// readAt decodes the Record stored at off, growing the read block by
// doubling until the trailing newline is found or MaxRecordSize is
// exceeded. id is used only to validate the decoded record matches the
// caller's expectations; a mismatch (stale offset) is treated as a
// decode failure, not an error.
func (e *Engine) readAt(off int64, id string) (map[string]any, error) {
	size := int64(e.opt.ReadBlockSize)
	if size <= 0 {
		size = DefaultReadBlockSize
	}

	for {
		if size > e.opt.MaxRecordSize {
			size = e.opt.MaxRecordSize
		}

		buf := make([]byte, size)
		n, err := e.dataFile.ReadAt(buf, off)
		if n == 0 && err != nil {
			return nil, fmt.Errorf("storage: read at %d: %w", off, err)
		}
		buf = buf[:n]

		if nl := bytes.IndexByte(buf, '\n'); nl >= 0 {
			gotID, _, doc, derr := record.DecodeRecord(buf[:nl+1])
			if derr != nil {
				e.opt.Logger.Warn("storage: decode failed, treating as not found", "offset", off, "err", derr)
				return nil, nil
			}
			if gotID != id {
				e.opt.Logger.Warn("storage: stale offset, id mismatch", "offset", off, "want", id, "got", gotID)
				return nil, nil
			}
			return doc, nil
		}

		if size >= e.opt.MaxRecordSize {
			return nil, fmt.Errorf("storage: record at offset %d exceeds max record size without terminator", off)
		}
		size *= 2
	}
}

// Iterate lazily streams every live (non-deleted, non-superseded)
// document in the data file. It snapshots the primary index at the start
// of iteration; writes made after Iterate is called are not guaranteed to
// be observed.
func (e *Engine) Iterate() iter.Seq2[[]byte, map[string]any] {
	e.mu.Lock()
	indexSnapshot := make(map[string]int64, len(e.index))
	for id, off := range e.index {
		indexSnapshot[id] = off
	}
	e.mu.Unlock()

	return func(yield func([]byte, map[string]any) bool) {
		for id, off := range indexSnapshot {
			doc, err := e.readAt(off, id)
			if err != nil || doc == nil {
				continue
			}
			if !yield([]byte(id), doc) {
				return
			}
		}
	}
}

// Len returns the number of live documents in the index.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.index)
}
