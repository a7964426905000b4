package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"sort"
)

// Replay returns a lazy, single-use sequence of every entry in every live
// segment, oldest segment first, oldest entry within a segment first.
// Decode failures (a corrupt batch line) and checksum mismatches (a torn
// entry) are logged and skipped rather than aborting the walk, so a crash
// mid-write never loses the valid prefix of the log.
//
// Replay does not hold the WAL's cross-process lock: it is meant to be
// called during recovery, before the WAL is handed to concurrent writers,
// with locking (if any) the caller's responsibility.
func (w *WAL) Replay() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		nums, err := scanSegments(w.dir, w.base)
		if err != nil {
			yield(Entry{}, fmt.Errorf("wal: scan %s: %w", w.dir, err))
			return
		}
		sort.Ints(nums)

		for _, num := range nums {
			if !w.replaySegment(num, yield) {
				return
			}
		}
	}
}

// replaySegment reports whether the caller should keep iterating (false
// means the consumer asked to stop).
func (w *WAL) replaySegment(num int, yield func(Entry, error) bool) bool {
	path := segmentPath(w.dir, w.base, num)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		return yield(Entry{}, fmt.Errorf("wal: open segment %d: %w", num, err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var batch []Entry
		if err := json.Unmarshal(line, &batch); err != nil {
			w.opt.Logger.Warn("wal: skipping corrupt batch", "segment", num, "err", err)
			continue
		}

		for _, e := range batch {
			if !verifyChecksum(e) {
				err := &ChecksumError{Segment: num, ID: e.ID}
				w.opt.Logger.Warn("wal: skipping entry with bad checksum", "err", err)
				continue
			}
			if !yield(e, nil) {
				return false
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return yield(Entry{}, fmt.Errorf("wal: read segment %d: %w", num, err))
	}
	return true
}
