// Package crudio implements files on top of a CRUD object store.
//
// A Volume keeps a fixed-capacity table of files, each backed by at most one
// object in the store. The store has no partial-write primitive, so every
// write which touches existing content reads the whole object, modifies it
// locally and writes the whole object back. Writes which grow a file create a
// new object and delete the old one.
//
// The file table itself is persisted as the store's priority object: Format
// creates it, Mount loads it and Unmount writes it back.
package crudio

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/rfratto/crudfs/internal/crud"
)

// Session sends requests to an object store. It is implemented by
// *client.Client.
type Session interface {
	// SessionOpen reports whether the store accepted a session-open request
	// on the current connection.
	SessionOpen() bool

	// Do sends a request and waits for its response. A response with the
	// failure bit set must be returned along with a non-nil error.
	Do(ctx context.Context, req crud.Request) (crud.Response, error)
}

// Handle identifies a file in a Volume's file table.
type Handle int

type Options struct {
	// MaxFiles is the capacity of the file table.
	MaxFiles int

	// MaxPathLength is the maximum length of a path in bytes.
	MaxPathLength int
}

// DefaultOptions provides defaults for Volume.
var DefaultOptions = Options{
	MaxFiles:      1024,
	MaxPathLength: 128,
}

// FileInfo describes a file in the table.
type FileInfo struct {
	Handle   Handle
	Name     string
	OID      crud.OID
	Size     uint32
	Position uint32
	Open     bool
}

// Volume is a set of files stored in a CRUD object store.
//
// Volume is not safe for concurrent use; callers must serialize calls.
type Volume struct {
	log  log.Logger
	s    Session
	o    Options
	size int // Encoded size of the table.

	files table
}

// New creates a new Volume which sends requests through s. The file table
// starts out empty; call Format or Mount before using it.
func New(l log.Logger, s Session, o Options) (*Volume, error) {
	if s == nil {
		return nil, fmt.Errorf("session must not be nil")
	}
	if o.MaxFiles <= 0 {
		return nil, fmt.Errorf("MaxFiles must be positive")
	}
	if o.MaxPathLength <= 0 {
		return nil, fmt.Errorf("MaxPathLength must be positive")
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	size := tableSize(o.MaxFiles, o.MaxPathLength)
	if size > crud.MaxLength {
		return nil, fmt.Errorf("file table of %d files with %d byte paths needs %d bytes, more than the %d byte object limit", o.MaxFiles, o.MaxPathLength, size, crud.MaxLength)
	}

	return &Volume{
		log:   l,
		s:     s,
		o:     o,
		size:  size,
		files: newTable(o.MaxFiles),
	}, nil
}

// init opens a session with the store if one isn't open.
func (v *Volume) init(ctx context.Context) error {
	if v.s.SessionOpen() {
		return nil
	}
	if _, err := v.s.Do(ctx, &crud.InitRequest{}); err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	return nil
}

// Format erases the object store and writes an empty file table to it.
// Existing handles become invalid.
func (v *Volume) Format(ctx context.Context) error {
	if err := v.init(ctx); err != nil {
		return err
	}
	if _, err := v.s.Do(ctx, &crud.FormatRequest{}); err != nil {
		return fmt.Errorf("formatting store: %w", err)
	}
	v.files = newTable(v.o.MaxFiles)

	buf, err := encodeTable(v.files, v.size)
	if err != nil {
		return err
	}
	req := &crud.CreateRequest{Flags: crud.FlagPriorityObject, Data: buf}
	if _, err := v.s.Do(ctx, req); err != nil {
		return fmt.Errorf("creating file table: %w", err)
	}

	level.Info(v.log).Log("msg", "formatted volume", "max_files", v.o.MaxFiles)
	return nil
}

// Mount loads the file table from the object store. Files which were open
// when the table was saved are loaded as closed.
func (v *Volume) Mount(ctx context.Context) error {
	if err := v.init(ctx); err != nil {
		return err
	}

	req := &crud.ReadRequest{Flags: crud.FlagPriorityObject, Length: uint32(v.size)}
	resp, err := v.s.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("reading file table: %w", err)
	}
	// The table can only be saved back with a same-size update, so a volume
	// formatted with other options can't be mounted.
	if len(resp.Data) != v.size {
		return fmt.Errorf("file table is %d bytes, expected %d for %d files with %d byte paths: %w",
			len(resp.Data), v.size, v.o.MaxFiles, v.o.MaxPathLength, ErrorCorruptTable)
	}
	files, err := decodeTable(resp.Data, v.o.MaxFiles)
	if err != nil {
		return err
	}
	for i := range files {
		files[i].Open = false
		files[i].Position = 0
	}
	v.files = files

	level.Info(v.log).Log("msg", "mounted volume", "files", len(v.Files()))
	return nil
}

// Unmount saves the file table to the object store and closes the session.
// The session is left open if the table couldn't be saved.
func (v *Volume) Unmount(ctx context.Context) error {
	if !v.s.SessionOpen() {
		return ErrorNotMounted
	}

	buf, err := encodeTable(v.files, v.size)
	if err != nil {
		return err
	}
	req := &crud.UpdateRequest{Flags: crud.FlagPriorityObject, Data: buf}
	if _, err := v.s.Do(ctx, req); err != nil {
		return fmt.Errorf("saving file table: %w", err)
	}
	if _, err := v.s.Do(ctx, &crud.CloseRequest{}); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}

	level.Info(v.log).Log("msg", "unmounted volume")
	return nil
}

// Open opens the file at path, creating it if it doesn't exist. The cursor
// of the returned handle starts at the beginning of the file. A file may only
// be opened once at a time.
func (v *Volume) Open(ctx context.Context, path string) (Handle, error) {
	if len(path) == 0 || len(path) > v.o.MaxPathLength {
		return -1, fmt.Errorf("path %q: %w", path, ErrorBadPath)
	}
	if err := v.init(ctx); err != nil {
		return -1, err
	}

	if h, ok := v.files.lookup(path); ok {
		e := &v.files[h]
		if e.Open {
			return -1, fmt.Errorf("%s: %w", path, ErrorAlreadyOpen)
		}
		e.Open = true
		e.Position = 0
		return h, nil
	}

	h, ok := v.files.free()
	if !ok {
		return -1, fmt.Errorf("%s: %w", path, ErrorTableFull)
	}
	v.files[h] = Entry{Name: path, Open: true}
	level.Debug(v.log).Log("msg", "created file", "path", path, "handle", h)
	return h, nil
}

// Close closes an open handle. The file keeps its slot in the table and may
// be opened again.
func (v *Volume) Close(h Handle) error {
	e, err := v.open(h)
	if err != nil {
		return err
	}
	e.Open = false
	return nil
}

// Seek moves the cursor of h to offset, which may not be past the end of the
// file.
func (v *Volume) Seek(h Handle, offset uint32) error {
	e, err := v.open(h)
	if err != nil {
		return err
	}
	if offset > e.Length {
		return fmt.Errorf("seek to %d in %d byte file: %w", offset, e.Length, ErrorBadOffset)
	}
	e.Position = offset
	return nil
}

// Read reads up to len(p) bytes from the cursor of h into p and advances the
// cursor. Fewer bytes are read when the cursor is near the end of the file; 0
// bytes at the end of the file is not an error.
func (v *Volume) Read(ctx context.Context, h Handle, p []byte) (int, error) {
	e, err := v.open(h)
	if err != nil {
		return 0, err
	}
	if e.OID == 0 {
		return 0, nil
	}

	data, err := v.readObject(ctx, e)
	if err != nil {
		return 0, err
	}
	n := copy(p, data[e.Position:])
	e.Position += uint32(n)
	return n, nil
}

// Write writes p at the cursor of h and advances the cursor by len(p),
// growing the file if needed. Write either writes all of p or fails without
// changing the file table.
func (v *Volume) Write(ctx context.Context, h Handle, p []byte) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("nil buffer: %w", ErrorInvalid)
	}
	e, err := v.open(h)
	if err != nil {
		return 0, err
	}

	end := uint64(e.Position) + uint64(len(p))
	if end > crud.MaxLength {
		return 0, fmt.Errorf("writing %d bytes at offset %d: %w", len(p), e.Position, ErrorTooLarge)
	}

	switch {
	case e.OID == 0:
		oid, err := v.createObject(ctx, p)
		if err != nil {
			return 0, err
		}
		e.OID = oid
		e.Length = uint32(len(p))
		e.Position = uint32(len(p))

	case end > uint64(e.Length):
		old, err := v.readObject(ctx, e)
		if err != nil {
			return 0, err
		}
		buf := make([]byte, end)
		copy(buf, old)
		copy(buf[e.Position:], p)

		oid, err := v.createObject(ctx, buf)
		if err != nil {
			return 0, err
		}
		if err := v.replaceObject(ctx, e.OID, oid); err != nil {
			return 0, err
		}
		e.OID = oid
		e.Length = uint32(end)
		e.Position = uint32(end)

	default:
		buf, err := v.readObject(ctx, e)
		if err != nil {
			return 0, err
		}
		copy(buf[e.Position:], p)

		if _, err := v.s.Do(ctx, &crud.UpdateRequest{OID: e.OID, Data: buf}); err != nil {
			return 0, fmt.Errorf("updating %s: %w", e.Name, err)
		}
		e.Position = uint32(end)
	}

	return len(p), nil
}

// Stat returns information about the file referred to by h. h doesn't need
// to be open.
func (v *Volume) Stat(h Handle) (FileInfo, error) {
	e, err := v.files.get(h)
	if err != nil {
		return FileInfo{}, err
	}
	return fileInfo(h, e), nil
}

// Files returns every file in the table, ordered by handle.
func (v *Volume) Files() []FileInfo {
	var res []FileInfo
	for i := range v.files {
		if e := &v.files[i]; e.used() {
			res = append(res, fileInfo(Handle(i), e))
		}
	}
	return res
}

// Remove deletes a closed file and its object, freeing its slot in the table.
func (v *Volume) Remove(ctx context.Context, path string) error {
	h, ok := v.files.lookup(path)
	if len(path) == 0 || !ok {
		return fmt.Errorf("%s: %w", path, ErrorNotFound)
	}
	e := &v.files[h]
	if e.Open {
		return fmt.Errorf("%s: %w", path, ErrorAlreadyOpen)
	}

	if e.OID != 0 {
		if _, err := v.s.Do(ctx, &crud.DeleteRequest{OID: e.OID}); err != nil {
			return fmt.Errorf("deleting %s: %w", path, err)
		}
	}
	v.files[h] = Entry{}
	level.Debug(v.log).Log("msg", "removed file", "path", path, "handle", h)
	return nil
}

func fileInfo(h Handle, e *Entry) FileInfo {
	return FileInfo{
		Handle:   h,
		Name:     e.Name,
		OID:      e.OID,
		Size:     e.Length,
		Position: e.Position,
		Open:     e.Open,
	}
}

// open returns the entry for h if h is open.
func (v *Volume) open(h Handle) (*Entry, error) {
	if h < 0 || int(h) >= len(v.files) {
		return nil, fmt.Errorf("handle %d: %w", h, ErrorBadHandle)
	}
	e := &v.files[h]
	if !e.Open {
		return nil, fmt.Errorf("handle %d: %w", h, ErrorNotOpen)
	}
	return e, nil
}

// readObject reads the whole object backing e.
func (v *Volume) readObject(ctx context.Context, e *Entry) ([]byte, error) {
	resp, err := v.s.Do(ctx, &crud.ReadRequest{OID: e.OID, Length: e.Length})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", e.Name, err)
	}
	if uint32(len(resp.Data)) != e.Length {
		return nil, fmt.Errorf("reading %s: got %d bytes, expected %d: %w", e.Name, len(resp.Data), e.Length, crud.ErrorMalformed)
	}
	return resp.Data, nil
}

func (v *Volume) createObject(ctx context.Context, data []byte) (crud.OID, error) {
	resp, err := v.s.Do(ctx, &crud.CreateRequest{Data: data})
	if err != nil {
		return 0, fmt.Errorf("creating object: %w", err)
	}
	return resp.Header.OID, nil
}

// replaceObject deletes the object old which was superseded by replacement. If old
// can't be deleted, replacement is deleted instead so the caller can keep using old.
func (v *Volume) replaceObject(ctx context.Context, old, replacement crud.OID) error {
	_, err := v.s.Do(ctx, &crud.DeleteRequest{OID: old})
	if err == nil {
		return nil
	}

	errs := multierror.Append(nil, fmt.Errorf("deleting superseded %s: %w", old, err))
	if _, cleanupErr := v.s.Do(ctx, &crud.DeleteRequest{OID: replacement}); cleanupErr != nil {
		level.Warn(v.log).Log("msg", "failed to clean up replacement object", "oid", uint32(replacement), "err", cleanupErr)
		errs = multierror.Append(errs, fmt.Errorf("cleaning up %s: %w", replacement, cleanupErr))
	}
	return errs.ErrorOrNil()
}
