// Package wal implements a batched, segmented, checksummed write-ahead
// log: operations are logged into an in-memory pending list, flushed as
// line-delimited JSON batches to a segment file, and rotated once the
// total log size crosses a threshold. Replay yields every entry from every
// live segment, oldest first, tolerating torn writes and decode failures
// so a crash never loses the valid prefix of the log.
package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nbrauner/docstore/internal/filelock"
	"github.com/nbrauner/docstore/internal/record"
)

const (
	DefaultMaxBatchSize    = 1000
	DefaultMaxLogSizeMB    = 100
	DefaultOptimalFileSize = 64 * 1024 * 1024
)

// Options configures a WAL. Zero values are replaced with the defaults
// documented on each field.
type Options struct {
	// MaxBatchSize is the pending-entry count at which a caller should
	// flush (the WAL itself does not auto-flush; that policy lives in
	// the Database façade). Default 1000.
	MaxBatchSize int
	// MaxLogSizeMB is the total-size-across-segments threshold, in
	// megabytes, that triggers Rotate at the end of a Flush. Default 100.
	MaxLogSizeMB int
	// OptimalFileSize is the per-segment size cap in bytes; a Flush that
	// would cross it starts a new segment first. Default 64 MiB.
	OptimalFileSize int64

	Logger *slog.Logger
	// Now returns the current time; overridable for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.MaxLogSizeMB <= 0 {
		o.MaxLogSizeMB = DefaultMaxLogSizeMB
	}
	if o.OptimalFileSize <= 0 {
		o.OptimalFileSize = DefaultOptimalFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// WAL is a segmented, checksummed write-ahead log rooted at a base path;
// segments are named "<path>.<counter>".
type WAL struct {
	dir  string
	base string
	opt  Options

	lock *filelock.Lock

	mu         sync.Mutex
	pending    []Entry
	activeNum  int
	active     *os.File
	activeSize int64
	closed     bool
}

// Open opens (or creates) the WAL rooted at path, resuming the highest
// existing segment counter found among path's siblings, or starting a
// fresh segment 1 if none exist. If the highest-numbered segment fails to
// open (e.g. a torn final write left it unopenable), Open falls back to
// progressively earlier segments, logging each skip; it only fails if
// every existing segment is unusable.
func Open(path string, opt Options) (*WAL, error) {
	opt.setDefaults()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}

	lock, err := filelock.Open(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("wal: open lock %s.lock: %w", path, err)
	}

	w := &WAL{dir: dir, base: base, opt: opt, lock: lock}

	if err := lock.Lock(); err != nil {
		lock.Close()
		return nil, fmt.Errorf("wal: lock %s.lock: %w", path, err)
	}
	defer lock.Unlock()

	nums, err := scanSegments(dir, base)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("wal: scan %s: %w", dir, err)
	}

	if len(nums) == 0 {
		f, size, err := openOrCreateSegment(dir, base, 1)
		if err != nil {
			lock.Close()
			return nil, fmt.Errorf("wal: open segment 1: %w", err)
		}
		w.activeNum, w.active, w.activeSize = 1, f, size
		return w, nil
	}

	sort.Sort(sort.Reverse(sort.IntSlice(nums)))

	var lastErr error
	for _, num := range nums {
		f, size, err := openOrCreateSegment(dir, base, num)
		if err != nil {
			opt.Logger.Warn("wal: segment unopenable, falling back to an earlier one", "segment", num, "err", err)
			lastErr = err
			continue
		}
		w.activeNum, w.active, w.activeSize = num, f, size
		return w, nil
	}

	lock.Close()
	return nil, fmt.Errorf("wal: no usable segment among %v: %w", nums, lastErr)
}

// Log appends an entry to the in-memory pending list. No disk I/O occurs;
// the entry is durable only after Flush.
func (w *WAL) Log(op Operation, id []byte, doc map[string]any) error {
	data, err := record.EncodeDocument(doc)
	if err != nil {
		return fmt.Errorf("wal: log %s: %w", id, err)
	}

	e := Entry{
		Timestamp: float64(w.opt.Now().UnixNano()) / 1e9,
		Operation: op,
		ID:        string(id),
		Data:      data,
	}
	e.Checksum = checksum(e)

	w.mu.Lock()
	w.pending = append(w.pending, e)
	w.mu.Unlock()
	return nil
}

// PendingLen returns the number of entries logged since the last Flush.
func (w *WAL) PendingLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush serializes the pending list as a single newline-terminated batch,
// appends it to the active segment, and forces it to disk. Segments are
// rolled (a new one started) if the batch would cross OptimalFileSize, and
// the whole log is rotated if, after the write, the total size of all
// segments exceeds MaxLogSizeMB.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("wal: flush: already closed")
	}
	if len(w.pending) == 0 {
		return nil
	}

	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("wal: lock: %w", err)
	}
	defer w.lock.Unlock()

	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	batch, err := json.Marshal(w.pending)
	if err != nil {
		return fmt.Errorf("wal: encode batch: %w", err)
	}
	batch = append(batch, '\n')

	if w.activeSize+int64(len(batch)) > w.opt.OptimalFileSize {
		if err := w.rollSegmentLocked(); err != nil {
			return err
		}
	}

	n, err := w.active.Write(batch)
	if err != nil {
		return fmt.Errorf("wal: write segment %d: %w", w.activeNum, err)
	}
	if err := w.active.Sync(); err != nil {
		return fmt.Errorf("wal: sync segment %d: %w", w.activeNum, err)
	}
	w.activeSize += int64(n)
	w.pending = w.pending[:0]

	total, err := w.totalSizeLocked()
	if err != nil {
		return err
	}
	if total > int64(w.opt.MaxLogSizeMB)*1024*1024 {
		return w.rotateLocked()
	}
	return nil
}

// rollSegmentLocked closes the active segment and opens the next-numbered
// one, without archiving anything. Used when a single segment would
// otherwise exceed OptimalFileSize.
func (w *WAL) rollSegmentLocked() error {
	if err := w.active.Close(); err != nil {
		return fmt.Errorf("wal: close segment %d: %w", w.activeNum, err)
	}
	next := w.activeNum + 1
	f, _, err := openOrCreateSegment(w.dir, w.base, next)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", next, err)
	}
	w.activeNum = next
	w.active = f
	w.activeSize = 0
	return nil
}

// Rotate closes the active segment, archives every existing segment by
// renaming it to "<original>.<epoch>.old", and starts a fresh segment 1.
// Archived files are left on disk; the live WAL forgets about them.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lock.Lock(); err != nil {
		return fmt.Errorf("wal: lock: %w", err)
	}
	defer w.lock.Unlock()

	return w.rotateLocked()
}

func (w *WAL) rotateLocked() error {
	if err := w.active.Close(); err != nil {
		return fmt.Errorf("wal: close segment %d: %w", w.activeNum, err)
	}

	nums, err := scanSegments(w.dir, w.base)
	if err != nil {
		return fmt.Errorf("wal: scan %s: %w", w.dir, err)
	}

	epoch := w.opt.Now().Unix()
	for _, n := range nums {
		oldPath := segmentPath(w.dir, w.base, n)
		newPath := fmt.Sprintf("%s.%d.old", oldPath, epoch)
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("wal: archive segment %d: %w", n, err)
		}
	}

	f, _, err := openOrCreateSegment(w.dir, w.base, 1)
	if err != nil {
		return fmt.Errorf("wal: open segment 1: %w", err)
	}
	w.activeNum = 1
	w.active = f
	w.activeSize = 0

	w.opt.Logger.Debug("wal: rotated", "dir", w.dir, "base", w.base, "archived", len(nums))
	return nil
}

func (w *WAL) totalSizeLocked() (int64, error) {
	nums, err := scanSegments(w.dir, w.base)
	if err != nil {
		return 0, fmt.Errorf("wal: scan %s: %w", w.dir, err)
	}
	var total int64
	for _, n := range nums {
		if n == w.activeNum {
			total += w.activeSize
			continue
		}
		info, err := os.Stat(segmentPath(w.dir, w.base, n))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("wal: stat segment %d: %w", n, err)
		}
		total += info.Size()
	}
	return total, nil
}

// Close flushes nothing (callers must Flush explicitly) but closes the
// active segment and the lock file descriptor.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.active.Close()
	if lockErr := w.lock.Close(); err == nil {
		err = lockErr
	}
	return err
}

func scanSegments(dir, base string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := base + "."
	var nums []int
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := name[len(prefix):]
		if strings.Contains(suffix, ".") {
			continue // archived "<base>.<n>.<epoch>.old"
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	return nums, nil
}

func segmentPath(dir, base string, num int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d", base, num))
}

func openOrCreateSegment(dir, base string, num int) (*os.File, int64, error) {
	path := segmentPath(dir, base, num)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
