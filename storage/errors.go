package storage

import "fmt"

// ErrRecordTooLarge is returned by Write when the encoded Record would
// exceed MaxRecordSize, rejecting oversized documents explicitly rather
// than silently truncating them on read.
var ErrRecordTooLarge = fmt.Errorf("storage: record exceeds max record size")

// ErrEmptyID is returned by Write, Get, and Delete for an empty id.
var ErrEmptyID = fmt.Errorf("storage: document id must not be empty")
