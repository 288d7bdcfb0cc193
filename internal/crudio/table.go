package crudio

import (
	"encoding/binary"
	"fmt"

	"github.com/rfratto/crudfs/internal/crud"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is a slot in the file table. A slot with an empty Name is unused.
type Entry struct {
	_msgpack struct{} `msgpack:",as_array"`

	Name     string   // Path bound to the slot.
	OID      crud.OID // Object holding the file contents. 0 until the first write.
	Position uint32   // Cursor offset, never past Length.
	Length   uint32   // Size of the file in bytes.
	Open     bool     // Whether a handle is open on the slot.
}

// used reports whether the slot is bound to a path.
func (e *Entry) used() bool { return e.Name != "" }

// table is the fixed-capacity file table. Handles index into it.
type table []Entry

func newTable(n int) table { return make(table, n) }

// lookup returns the handle of the slot bound to name.
func (t table) lookup(name string) (Handle, bool) {
	for i := range t {
		if t[i].Name == name {
			return Handle(i), true
		}
	}
	return -1, false
}

// free returns the first unused slot.
func (t table) free() (Handle, bool) {
	for i := range t {
		if !t[i].used() {
			return Handle(i), true
		}
	}
	return -1, false
}

// get returns the slot for h if h refers to a used slot.
func (t table) get(h Handle) (*Entry, error) {
	if h < 0 || int(h) >= len(t) || !t[h].used() {
		return nil, fmt.Errorf("handle %d: %w", h, ErrorBadHandle)
	}
	return &t[h], nil
}

// Table encoding
//
// The table is stored in the priority object as a 4-byte big-endian length
// followed by a msgpack array of every slot, zero padded to a size which
// depends only on the table capacity and path bound. The priority object can
// then be rewritten in place with an update, which requires the size to
// never change.

const (
	tablePrefixSize = 4

	// Worst-case msgpack overhead: array32 header for the table, and per entry
	// a fixarray header, a str32 header, three uint32s and a bool.
	tableHeaderOverhead = 5
	entryOverhead       = 1 + 5 + 3*5 + 1
)

// tableSize returns the encoded size of a table with the given capacity and
// maximum path length.
func tableSize(files, pathLength int) int {
	return tablePrefixSize + tableHeaderOverhead + files*(entryOverhead+pathLength)
}

// encodeTable encodes t into a buffer of exactly size bytes.
func encodeTable(t table, size int) ([]byte, error) {
	enc, err := msgpack.Marshal([]Entry(t))
	if err != nil {
		return nil, fmt.Errorf("encoding file table: %w", err)
	}
	if tablePrefixSize+len(enc) > size {
		return nil, fmt.Errorf("encoded file table is %d bytes, limit %d: %w", len(enc), size-tablePrefixSize, ErrorTooLarge)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(len(enc)))
	copy(buf[tablePrefixSize:], enc)
	return buf, nil
}

// decodeTable decodes a table written by encodeTable. The result always has
// files slots; a persisted table with more used slots than that is rejected.
func decodeTable(b []byte, files int) (table, error) {
	if len(b) < tablePrefixSize {
		return nil, fmt.Errorf("file table is %d bytes: %w", len(b), ErrorCorruptTable)
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-tablePrefixSize) {
		return nil, fmt.Errorf("file table claims %d bytes, have %d: %w", n, len(b)-tablePrefixSize, ErrorCorruptTable)
	}

	var entries []Entry
	if err := msgpack.Unmarshal(b[tablePrefixSize:tablePrefixSize+int(n)], &entries); err != nil {
		return nil, fmt.Errorf("decoding file table: %s: %w", err, ErrorCorruptTable)
	}

	t := newTable(files)
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if !e.used() {
			continue
		}
		if i >= files {
			return nil, fmt.Errorf("slot %d in use beyond capacity %d: %w", i, files, ErrorCorruptTable)
		}
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("path %q bound to multiple slots: %w", e.Name, ErrorCorruptTable)
		}
		if e.Position > e.Length {
			return nil, fmt.Errorf("path %q has position %d past length %d: %w", e.Name, e.Position, e.Length, ErrorCorruptTable)
		}
		seen[e.Name] = struct{}{}
		t[i] = e
	}
	return t, nil
}
