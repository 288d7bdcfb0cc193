// Package crudtest provides an in-memory CRUD object store for tests.
package crudtest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/crudfs/internal/crud"
	"go.uber.org/atomic"
)

// Server is an object store which speaks the CRUD protocol over TCP. Objects
// survive across connections until the Server is formatted or closed.
type Server struct {
	log log.Logger
	lis net.Listener

	chunkSize atomic.Int64

	mut      sync.Mutex
	objects  map[crud.OID][]byte
	priority []byte
	nextOID  crud.OID
	requests []crud.Header
	faults   map[crud.Op]int

	connMut sync.Mutex
	active  map[net.Conn]struct{}
	conns   sync.WaitGroup
	closed  atomic.Bool
}

// NewServer starts a Server listening on a random local port.
func NewServer(l log.Logger) (*Server, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s := &Server{
		log:     l,
		lis:     lis,
		objects: make(map[crud.OID][]byte),
		nextOID: 1,
		faults:  make(map[crud.Op]int),
		active:  make(map[net.Conn]struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string { return s.lis.Addr().String() }

// Close stops the server and waits for open connections to terminate.
func (s *Server) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	err := s.lis.Close()

	// Unblock handlers waiting on reads.
	s.connMut.Lock()
	for conn := range s.active {
		_ = conn.Close()
	}
	s.connMut.Unlock()

	s.conns.Wait()
	return err
}

// SetChunkSize limits how many bytes of a response are written per call to
// the connection. 0 writes each message in one call.
func (s *Server) SetChunkSize(n int) { s.chunkSize.Store(int64(n)) }

// FailNext makes the next request for op fail with the result bit set.
// Calling FailNext multiple times queues multiple failures.
func (s *Server) FailNext(op crud.Op) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.faults[op]++
}

// Requests returns the headers of every request received so far.
func (s *Server) Requests() []crud.Header {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]crud.Header(nil), s.requests...)
}

// ResetRequests clears the list returned by Requests.
func (s *Server) ResetRequests() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.requests = nil
}

// Object returns a copy of an object's contents.
func (s *Server) Object(oid crud.OID) ([]byte, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	data, ok := s.objects[oid]
	return append([]byte(nil), data...), ok
}

// NumObjects returns the number of objects in the store, not counting the
// priority object.
func (s *Server) NumObjects() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.objects)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if !s.closed.Load() {
				level.Error(s.log).Log("msg", "failed to accept connection", "err", err)
			}
			return
		}

		s.connMut.Lock()
		if s.closed.Load() {
			s.connMut.Unlock()
			_ = conn.Close()
			return
		}
		s.active[conn] = struct{}{}
		s.conns.Add(1)
		s.connMut.Unlock()

		go func() {
			defer s.conns.Done()
			defer func() {
				s.connMut.Lock()
				delete(s.active, conn)
				s.connMut.Unlock()
			}()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var hdr [crud.HeaderSize]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				level.Warn(s.log).Log("msg", "failed to read request", "err", err)
			}
			return
		}
		h := crud.ReadRecord(hdr[:]).Header()

		var payload []byte
		if crud.RequestHasPayload(h.Op) {
			payload = make([]byte, h.Length)
			if _, err := io.ReadFull(conn, payload); err != nil {
				level.Warn(s.log).Log("msg", "failed to read payload", "op", h.Op, "err", err)
				return
			}
		}

		resp := s.apply(h, payload)
		if err := s.writeResponse(conn, resp); err != nil {
			level.Warn(s.log).Log("msg", "failed to write response", "op", h.Op, "err", err)
			return
		}
		if h.Op == crud.OpClose {
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp crud.Response) error {
	msg := make([]byte, crud.HeaderSize, crud.HeaderSize+len(resp.Data))
	crud.PutRecord(msg, resp.Header.Record())
	if crud.ResponseHasPayload(resp.Header.Op) {
		msg = append(msg, resp.Data...)
	}

	chunk := int(s.chunkSize.Load())
	if chunk <= 0 {
		chunk = len(msg)
	}
	for len(msg) > 0 {
		n := chunk
		if n > len(msg) {
			n = len(msg)
		}
		if _, err := conn.Write(msg[:n]); err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}

// apply runs a request against the store and builds its response.
func (s *Server) apply(h crud.Header, payload []byte) crud.Response {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.requests = append(s.requests, h)

	fail := crud.Response{Header: crud.Header{OID: h.OID, Op: h.Op, Flags: h.Flags, Result: crud.ResultFailure}}
	if s.faults[h.Op] > 0 {
		s.faults[h.Op]--
		return fail
	}

	req, err := crud.DecodeRequest(h, payload)
	if err != nil {
		level.Warn(s.log).Log("msg", "rejecting request", "err", err)
		return fail
	}

	ok := crud.Header{OID: h.OID, Op: h.Op, Flags: h.Flags}

	switch req := req.(type) {
	case *crud.InitRequest, *crud.CloseRequest:
		return crud.Response{Header: ok}

	case *crud.FormatRequest:
		s.objects = make(map[crud.OID][]byte)
		s.priority = nil
		s.nextOID = 1
		return crud.Response{Header: ok}

	case *crud.CreateRequest:
		data := append([]byte{}, req.Data...)
		if req.Flags == crud.FlagPriorityObject {
			if s.priority != nil {
				return fail
			}
			s.priority = data
			ok.Length = uint32(len(data))
			return crud.Response{Header: ok}
		}

		oid := s.nextOID
		s.nextOID++
		s.objects[oid] = data
		ok.OID = oid
		ok.Length = uint32(len(data))
		return crud.Response{Header: ok}

	case *crud.ReadRequest:
		data, found := s.lookup(req.OID, req.Flags)
		if !found {
			return fail
		}
		ok.Length = uint32(len(data))
		return crud.Response{Header: ok, Data: append([]byte(nil), data...)}

	case *crud.UpdateRequest:
		data, found := s.lookup(req.OID, req.Flags)
		if !found || len(data) != len(req.Data) {
			return fail
		}
		copy(data, req.Data)
		ok.Length = uint32(len(data))
		return crud.Response{Header: ok}

	case *crud.DeleteRequest:
		if _, found := s.objects[req.OID]; !found {
			return fail
		}
		delete(s.objects, req.OID)
		return crud.Response{Header: ok}

	default:
		return fail
	}
}

func (s *Server) lookup(oid crud.OID, flags crud.Flags) ([]byte, bool) {
	if flags == crud.FlagPriorityObject {
		return s.priority, s.priority != nil
	}
	data, ok := s.objects[oid]
	return data, ok
}
