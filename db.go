package docstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nbrauner/docstore/internal/filelock"
	"github.com/nbrauner/docstore/storage"
	"github.com/nbrauner/docstore/wal"
)

// Options configures a DB. Zero values are replaced with the defaults
// documented on each field.
type Options struct {
	// MaxBatchSize is the number of pending operations at which an
	// autoCommit DB commits automatically. Default 1000.
	MaxBatchSize int
	// AutoCommit, when true (the default), commits whenever the pending
	// batch reaches MaxBatchSize. BeginBatch/EndBatch toggle this at
	// runtime regardless of the initial value.
	AutoCommit *bool

	WAL     wal.Options
	Storage storage.Options

	Logger *slog.Logger
}

const defaultMaxBatchSize = 1000

func (o *Options) setDefaults() {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = defaultMaxBatchSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WAL.Logger == nil {
		o.WAL.Logger = o.Logger
	}
	if o.Storage.Logger == nil {
		o.Storage.Logger = o.Logger
	}
}

func (o *Options) autoCommit() bool {
	return o.AutoCommit == nil || *o.AutoCommit
}

// batchState is the state machine described for beginBatch/endBatch: AUTO
// (each mutating op may trigger a commit), OPEN (commits only at endBatch
// or an explicit Commit), COMMITTING (transient, entered only while commit
// is in flight).
type batchState int

const (
	stateAuto batchState = iota
	stateOpen
	stateCommitting
)

// pendingOp is one queued mutation awaiting commit.
type pendingOp struct {
	op  wal.Operation
	id  []byte
	doc Document
}

// DB is the embedded document store façade: a write-ahead log, a storage
// engine, and a pending batch of operations awaiting commit.
type DB struct {
	dir  string
	opt  Options
	lock *filelock.Lock

	wal     *wal.WAL
	storage *storage.Engine

	mu      sync.Mutex
	pending []pendingOp
	state   batchState

	Gets    atomic.Uint64
	Puts    atomic.Uint64
	Deletes atomic.Uint64
	Commits atomic.Uint64

	closed bool
}

// Dir returns the root directory the database was opened against.
func (db *DB) Dir() string { return db.dir }

// BloomRejections returns the number of Get calls answered "not found"
// purely on the bloom filter's say-so, without ever consulting storage's
// primary index.
func (db *DB) BloomRejections() uint64 {
	return db.storage.BloomRejections()
}

// Open opens (creating if necessary) the database rooted at dbPath,
// replaying any write-ahead log entries not yet reflected in storage
// before returning.
func Open(dbPath string, opt Options) (*DB, error) {
	opt.setDefaults()

	if err := os.MkdirAll(dbPath, 0o777); err != nil {
		return nil, pathErrf("mkdir", dbPath, err)
	}

	lockPath := filepath.Join(dbPath, "db.lock")
	lock, err := filelock.Open(lockPath)
	if err != nil {
		return nil, pathErrf("open", lockPath, err)
	}

	w, err := wal.Open(filepath.Join(dbPath, "wal.log"), opt.WAL)
	if err != nil {
		lock.Close()
		return nil, pathErrf("open", dbPath, err)
	}

	eng, err := storage.Open(filepath.Join(dbPath, "data"), opt.Storage)
	if err != nil {
		w.Close()
		lock.Close()
		return nil, pathErrf("open", dbPath, err)
	}

	db := &DB{
		dir:     dbPath,
		opt:     opt,
		lock:    lock,
		wal:     w,
		storage: eng,
	}

	if err := db.recover(); err != nil {
		eng.Close()
		w.Close()
		lock.Close()
		return nil, &RecoveryError{Path: dbPath, Err: err}
	}

	return db, nil
}

// recover replays the write-ahead log under the exclusive database lock,
// reapplying every entry to the storage engine. Replay is idempotent: a
// PUT re-creates a (harmless) new record, a DELETE of an absent id is a
// no-op.
func (db *DB) recover() error {
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer db.lock.Unlock()

	for e, err := range db.wal.Replay() {
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if err := applyEntry(db.storage, e); err != nil {
			return fmt.Errorf("apply %s %s: %w", e.Operation, e.ID, err)
		}
	}
	return nil
}

// withLock runs fn holding the database's exclusive lock file, unless a
// batch is already open (BeginBatch holds the same lock for the whole
// batch span, and flock re-acquisition from the same process is a no-op,
// but releasing it early here would let another process in mid-batch).
func (db *DB) withLock(fn func() error) error {
	db.mu.Lock()
	inBatch := db.state != stateAuto
	db.mu.Unlock()

	if inBatch {
		return fn()
	}
	if err := db.lock.Lock(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer db.lock.Unlock()
	return fn()
}

// withRLock is withLock's read-only counterpart; skipped the same way
// while a batch holds the (stronger) exclusive lock.
func (db *DB) withRLock(fn func() error) error {
	db.mu.Lock()
	inBatch := db.state != stateAuto
	db.mu.Unlock()

	if inBatch {
		return fn()
	}
	if err := db.lock.RLock(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer db.lock.Unlock()
	return fn()
}

// Close releases any pending uncommitted batch state and closes the
// storage engine, write-ahead log, and database lock file. Pending
// operations that were logged to the WAL but never committed survive and
// are reapplied on the next Open.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	if err := db.wal.Flush(); err != nil {
		firstErr = err
	}
	for _, err := range []error{db.storage.Close(), db.wal.Close(), db.lock.Close()} {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
