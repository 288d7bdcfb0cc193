package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rfratto/crudfs/internal/crud"
)

// exchange sends one request and receives its response over c.conn. c.mut
// must be held.
func (c *Client) exchange(ctx context.Context, h crud.Header, payload []byte) (resp crud.Response, err error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return resp, fmt.Errorf("setting deadline: %w", err)
		}
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	var hdr [crud.HeaderSize]byte
	crud.PutRecord(hdr[:], h.Record())

	n, err := writeFull(c.conn, hdr[:])
	c.metrics.sentBytes.Add(float64(n))
	if err != nil {
		return resp, fmt.Errorf("sending header: %w", err)
	}
	if crud.RequestHasPayload(h.Op) {
		n, err := writeFull(c.conn, payload[:h.Length])
		c.metrics.sentBytes.Add(float64(n))
		if err != nil {
			return resp, fmt.Errorf("sending %d byte payload: %w", h.Length, err)
		}
	}

	n, err = io.ReadFull(c.conn, hdr[:])
	c.metrics.receivedBytes.Add(float64(n))
	if err != nil {
		return resp, fmt.Errorf("receiving header: %w", err)
	}
	resp.Header = crud.ReadRecord(hdr[:]).Header()

	if crud.ResponseHasPayload(resp.Header.Op) {
		resp.Data = make([]byte, resp.Header.Length)
		n, err := io.ReadFull(c.conn, resp.Data)
		c.metrics.receivedBytes.Add(float64(n))
		if err != nil {
			return resp, fmt.Errorf("receiving %d byte payload: %w", resp.Header.Length, err)
		}
	}
	return resp, nil
}

// writeFull writes all of p to w. A single Write may accept fewer bytes than
// requested; writeFull keeps writing the remainder until everything is sent or
// an error occurs. Reads use io.ReadFull for the same guarantee.
func writeFull(w io.Writer, p []byte) (int, error) {
	var off int
	for off < len(p) {
		n, err := w.Write(p[off:])
		off += n
		if err != nil {
			return off, err
		}
		if n == 0 {
			return off, io.ErrShortWrite
		}
	}
	return off, nil
}
