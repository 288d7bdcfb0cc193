package crudtest

import (
	"context"
	"net"
)

// ChunkConn wraps a connection so that every Read and Write transfers at most
// n bytes, simulating a socket which delivers data in small pieces.
//
// Writes report the short count without an error, the way a single write(2)
// call on a socket can.
func ChunkConn(c net.Conn, n int) net.Conn {
	if n <= 0 {
		n = 1
	}
	return &chunkConn{Conn: c, n: n}
}

type chunkConn struct {
	net.Conn
	n int
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.Conn.Read(p)
}

func (c *chunkConn) Write(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.Conn.Write(p)
}

// ChunkDialer returns a dialer whose connections are wrapped with ChunkConn.
// It can be used as a client.Dialer.
func ChunkDialer(n int) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return ChunkConn(conn, n), nil
	}
}
