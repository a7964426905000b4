// Package record implements the on-disk encoding shared by the data file
// and the write-ahead log: an outer line-delimited JSON envelope (so the
// record separator, '\n', can never appear inside an encoded record)
// wrapping an inner msgpack encoding of the caller's opaque document.
package record

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Stored is the on-disk shape of a Record: {_id, _rev, data}. Data holds
// the base64 encoding of the msgpack-encoded document, or "" for a nil
// document.
type Stored struct {
	ID   string `json:"_id"`
	Rev  string `json:"_rev"`
	Data string `json:"data,omitempty"`
}

// EncodeDocument packs doc with msgpack and returns it base64-encoded, so
// it can be embedded as a JSON string without any risk of raw newline
// bytes leaking into a line-delimited file.
func EncodeDocument(doc map[string]any) (string, error) {
	if doc == nil {
		return "", nil
	}
	packed, err := msgpack.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("record: encode document: %w", err)
	}
	return base64.StdEncoding.EncodeToString(packed), nil
}

// DecodeDocument reverses EncodeDocument. An empty string decodes to nil.
func DecodeDocument(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	packed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("record: decode document: %w", err)
	}
	var doc map[string]any
	if err := msgpack.Unmarshal(packed, &doc); err != nil {
		return nil, fmt.Errorf("record: decode document: %w", err)
	}
	return doc, nil
}

// EncodeRecord renders the Record for id/rev/doc as a single line,
// newline-terminated, ready to append to the data file.
func EncodeRecord(id, rev string, doc map[string]any) ([]byte, error) {
	data, err := EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(Stored{ID: id, Rev: rev, Data: data})
	if err != nil {
		return nil, fmt.Errorf("record: encode record: %w", err)
	}
	line = append(line, '\n')
	return line, nil
}

// DecodeRecord parses a single line (without its trailing newline, though
// a trailing newline is tolerated) back into id, rev, and document.
func DecodeRecord(line []byte) (id, rev string, doc map[string]any, err error) {
	var s Stored
	if err := json.Unmarshal(line, &s); err != nil {
		return "", "", nil, fmt.Errorf("record: decode record: %w", err)
	}
	doc, err = DecodeDocument(s.Data)
	if err != nil {
		return "", "", nil, err
	}
	return s.ID, s.Rev, doc, nil
}

// NewRevision returns a short opaque revision tag derived from the current
// time and a random seed. Uniqueness is best-effort: it is not relied upon
// for correctness, only used to give each write of a document a distinct
// marker.
func NewRevision() (string, error) {
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("record: generate revision: %w", err)
	}
	var buf [16]byte
	// time.Now is fine here: revisions are a diagnostic tag, not a
	// correctness-bearing clock read (unlike the WAL entry timestamp).
	binary.LittleEndian.PutUint64(buf[:8], uint64(time.Now().UnixNano()))
	copy(buf[8:], seed[:])
	sum := xxhash.Sum64(buf[:])
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], sum)
	return hex.EncodeToString(out[:]), nil
}
