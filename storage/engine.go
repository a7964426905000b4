// Package storage implements the append-only data file, in-memory primary
// index, tombstone set, bloom-filter admission test, and bounded document
// cache that back a single collection of documents.
package storage

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nbrauner/docstore/bloom"
	"github.com/nbrauner/docstore/internal/filelock"
	"go.etcd.io/bbolt"
)

const (
	DefaultMaxCacheSize           = 10_000
	DefaultReadBlockSize          = 8 * 1024
	DefaultMaxRecordSize          = 1 << 20
	DefaultIndexSnapshotInterval  = 1000
	DefaultBloomExpectedItems     = 1_000_000
	DefaultBloomFalsePositiveRate = 0.01
)

// Options configures an Engine. Zero values are replaced with the
// defaults documented on each field.
type Options struct {
	// MaxCacheSize bounds the in-memory FIFO document cache. Default 10000.
	MaxCacheSize int
	// ReadBlockSize is the initial fixed-size block read for a point
	// lookup; reads grow by doubling (capped at MaxRecordSize) if no
	// record terminator is found. Default 8 KiB.
	ReadBlockSize int
	// MaxRecordSize bounds both a single encoded Record on write (Write
	// rejects anything larger with ErrRecordTooLarge) and the read-block
	// growth ceiling. Default 1 MiB.
	MaxRecordSize int64
	// IndexSnapshotInterval is the number of index mutations between
	// automatic snapshots of index.bin. Default 1000.
	IndexSnapshotInterval int
	// BloomExpectedItems and BloomFalsePositiveRate size the admission
	// filter rebuilt at Open from the primary index. Defaults
	// 1,000,000 and 0.01.
	BloomExpectedItems     int
	BloomFalsePositiveRate float64

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxCacheSize <= 0 {
		o.MaxCacheSize = DefaultMaxCacheSize
	}
	if o.ReadBlockSize <= 0 {
		o.ReadBlockSize = DefaultReadBlockSize
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = DefaultMaxRecordSize
	}
	if o.IndexSnapshotInterval <= 0 {
		o.IndexSnapshotInterval = DefaultIndexSnapshotInterval
	}
	if o.BloomExpectedItems <= 0 {
		o.BloomExpectedItems = DefaultBloomExpectedItems
	}
	if o.BloomFalsePositiveRate <= 0 {
		o.BloomFalsePositiveRate = DefaultBloomFalsePositiveRate
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine owns a single collection's data file, primary index, tombstone
// set, bloom filter, and document cache.
type Engine struct {
	dir           string
	dataPath      string
	indexPath     string
	accessLogPath string

	opt Options

	lock *filelock.Lock

	mu                     sync.Mutex
	dataFile               *os.File
	dataSize               int64
	accessLog              *os.File
	index                  map[string]int64
	tombstones             map[string]struct{}
	bloom                  *bloom.Filter
	cache                  *fifoCache
	idxDB                  *bbolt.DB
	mutationsSinceSnapshot int
	closed                 bool

	bloomRejections atomic.Uint64
}

// Dir returns the root directory the engine was opened against.
func (e *Engine) Dir() string { return e.dir }

// BloomRejections returns the number of Get calls answered "not found"
// purely on the bloom filter's say-so, without ever consulting the
// primary index.
func (e *Engine) BloomRejections() uint64 {
	return e.bloomRejections.Load()
}

// Open opens (creating if necessary) the storage engine rooted at dataDir.
func Open(dataDir string, opt Options) (*Engine, error) {
	opt.setDefaults()

	if err := os.MkdirAll(dataDir, 0o777); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dataDir, err)
	}

	lockPath := filepath.Join(dataDir, "storage.lock")
	lock, err := filelock.Open(lockPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open lock %s: %w", lockPath, err)
	}

	e := &Engine{
		dir:           dataDir,
		dataPath:      filepath.Join(dataDir, "data.db"),
		indexPath:     filepath.Join(dataDir, "index.bin"),
		accessLogPath: filepath.Join(dataDir, "access.log"),
		opt:           opt,
		lock:          lock,
		tombstones:    make(map[string]struct{}),
	}

	if err := e.openLocked(); err != nil {
		lock.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) openLocked() error {
	if err := e.lock.Lock(); err != nil {
		return fmt.Errorf("storage: lock: %w", err)
	}
	defer e.lock.Unlock()

	idxDB, err := openIndexDB(e.indexPath)
	if err != nil {
		return err
	}
	e.idxDB = idxDB

	index, err := loadIndex(idxDB)
	if err != nil {
		idxDB.Close()
		return err
	}
	e.index = index

	dataFile, err := os.OpenFile(e.dataPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o666)
	if err != nil {
		idxDB.Close()
		return fmt.Errorf("storage: open %s: %w", e.dataPath, err)
	}
	info, err := dataFile.Stat()
	if err != nil {
		dataFile.Close()
		idxDB.Close()
		return fmt.Errorf("storage: stat %s: %w", e.dataPath, err)
	}
	e.dataFile = dataFile
	e.dataSize = info.Size()

	accessLog, err := os.OpenFile(e.accessLogPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o666)
	if err != nil {
		dataFile.Close()
		idxDB.Close()
		return fmt.Errorf("storage: open %s: %w", e.accessLogPath, err)
	}
	e.accessLog = accessLog

	e.bloom = bloom.New(e.opt.BloomExpectedItems, e.opt.BloomFalsePositiveRate)
	for id := range e.index {
		e.bloom.Add([]byte(id))
	}

	e.cache = newFIFOCache(e.opt.MaxCacheSize)
	if err := e.warmCacheLocked(); err != nil {
		e.opt.Logger.Warn("storage: cache warmup failed", "err", err)
	}

	return nil
}

// warmCacheLocked reads the access.log trace and resolves up to
// MaxCacheSize of the most recently looked-up ids into the cache.
func (e *Engine) warmCacheLocked() error {
	f, err := os.Open(e.accessLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := scanner.Text(); id != "" {
			lines = append(lines, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Walk backwards collecting distinct ids, most-recent first, then
	// reverse so the cache is warmed oldest-of-the-selected first (the
	// most recently accessed id ends up nearest the tail, and so survives
	// longest under FIFO eviction).
	seen := make(map[string]bool, e.opt.MaxCacheSize)
	var selected []string
	for i := len(lines) - 1; i >= 0 && len(selected) < e.opt.MaxCacheSize; i-- {
		id := lines[i]
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, id)
	}
	for i := len(selected) - 1; i >= 0; i-- {
		id := selected[i]
		off, ok := e.index[id]
		if !ok {
			continue
		}
		doc, err := e.readAt(off, id)
		if err != nil || doc == nil {
			continue
		}
		e.cache.put(id, doc)
	}
	return nil
}

// Close closes the data file, index snapshot, access log, and lock file.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if err := saveIndex(e.idxDB, e.index); err != nil {
		e.opt.Logger.Warn("storage: final index snapshot failed", "err", err)
	}

	var firstErr error
	for _, err := range []error{
		e.dataFile.Close(),
		e.accessLog.Close(),
		e.idxDB.Close(),
		e.lock.Close(),
	} {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
