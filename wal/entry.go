package wal

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ChecksumError reports a WAL entry whose stored checksum does not match
// its recomputed one, e.g. a write torn by a crash mid-fsync. Replay logs
// and skips entries that fail this way rather than returning the error,
// since a torn tail entry is an expected crash artifact, not a fatal one.
type ChecksumError struct {
	Segment int
	ID      string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch for entry %q in segment %d", e.ID, e.Segment)
}

// Operation identifies the kind of mutation a WAL Entry records.
type Operation string

const (
	PUT    Operation = "PUT"
	DELETE Operation = "DELETE"
)

// Entry is one logged mutation: {timestamp, operation, id, data,
// checksum}. Data is the base64 msgpack encoding of the document (see
// package record), empty for a DELETE.
type Entry struct {
	Timestamp float64   `json:"timestamp"`
	Operation Operation `json:"operation"`
	ID        string    `json:"id"`
	Data      string    `json:"data,omitempty"`
	Checksum  string    `json:"checksum"`
}

// checksum computes the checksum over timestamp||operation||id||data,
// exactly the fields that identify the entry; Checksum itself is excluded.
func checksum(e Entry) string {
	sum := xxhash.Sum64(checksumPayload(e))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sum)
	return hex.EncodeToString(buf[:])
}

func checksumPayload(e Entry) []byte {
	buf := make([]byte, 0, 8+len(e.Operation)+len(e.ID)+len(e.Data))
	var tbuf [8]byte
	binary.LittleEndian.PutUint64(tbuf[:], math.Float64bits(e.Timestamp))
	buf = append(buf, tbuf[:]...)
	buf = append(buf, e.Operation...)
	buf = append(buf, e.ID...)
	buf = append(buf, e.Data...)
	return buf
}

func verifyChecksum(e Entry) bool {
	want := e.Checksum
	e.Checksum = ""
	return checksum(e) == want
}
