// Package filelock implements advisory exclusive/shared whole-file locks
// (flock(2) on unix) for the store's concurrency model: each owning component
// (Database, WAL, StorageEngine) holds one dedicated lock file for the
// lifetime of the component, and acquires/releases it around critical
// sections.
//
// Locking is advisory and cooperative: it only excludes other processes
// that also use this package (or flock(2) directly) against the same
// file. It does not protect against concurrent writers within a single
// process; that is the caller's responsibility.
package filelock

import "os"

// Lock is a dedicated advisory lock file, held open for the lifetime of
// its owning component.
type Lock struct {
	f    *os.File
	path string
}

// Open creates (if necessary) and opens the lock file at path, without
// acquiring any lock on it.
func Open(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	return &Lock{f: f, path: path}, nil
}

// Lock blocks until an exclusive lock is acquired.
func (l *Lock) Lock() error {
	return lockExclusive(l.f)
}

// RLock blocks until a shared lock is acquired, permitting other
// concurrent readers but blocking writers.
func (l *Lock) RLock() error {
	return lockShared(l.f)
}

// Unlock releases whichever lock is currently held.
func (l *Lock) Unlock() error {
	return unlock(l.f)
}

// Close releases any held lock and closes the underlying file descriptor.
func (l *Lock) Close() error {
	_ = unlock(l.f)
	return l.f.Close()
}

// Path returns the path of the lock file.
func (l *Lock) Path() string { return l.path }
