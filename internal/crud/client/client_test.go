package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rfratto/crudfs/internal/crud"
	"github.com/rfratto/crudfs/internal/crud/crudtest"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *crudtest.Server {
	t.Helper()

	srv, err := crudtest.NewServer(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newTestClient(t *testing.T, o Options) *Client {
	t.Helper()

	c, err := New(nil, o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestClient_Session(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})
	ctx := context.Background()

	require.Equal(t, StateDisconnected, c.State())

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)
	require.Equal(t, StateSession, c.State())
	require.True(t, c.SessionOpen())

	resp, err := c.Do(ctx, &crud.CreateRequest{Data: []byte("hello, world")})
	require.NoError(t, err)
	require.Equal(t, crud.OpCreate, resp.Header.Op)
	require.Equal(t, uint32(12), resp.Header.Length)
	oid := resp.Header.OID
	require.NotZero(t, oid)

	resp, err = c.Do(ctx, &crud.UpdateRequest{OID: oid, Data: []byte("HELLO, WORLD")})
	require.NoError(t, err)
	require.Nil(t, resp.Data)

	resp, err = c.Do(ctx, &crud.ReadRequest{OID: oid, Length: 12})
	require.NoError(t, err)
	require.Equal(t, []byte("HELLO, WORLD"), resp.Data)

	_, err = c.Do(ctx, &crud.DeleteRequest{OID: oid})
	require.NoError(t, err)
	require.Equal(t, 0, srv.NumObjects())

	_, err = c.Do(ctx, &crud.CloseRequest{})
	require.NoError(t, err)
	require.Equal(t, StateDisconnected, c.State())

	ops := make([]crud.Op, 0, 6)
	for _, h := range srv.Requests() {
		ops = append(ops, h.Op)
	}
	require.Equal(t, []crud.Op{
		crud.OpInit,
		crud.OpCreate,
		crud.OpUpdate,
		crud.OpRead,
		crud.OpDelete,
		crud.OpClose,
	}, ops)
}

func TestClient_PriorityObject(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})
	ctx := context.Background()

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)

	_, err = c.Do(ctx, &crud.CreateRequest{Flags: crud.FlagPriorityObject, Data: []byte("table")})
	require.NoError(t, err)

	// Only one priority object may exist.
	_, err = c.Do(ctx, &crud.CreateRequest{Flags: crud.FlagPriorityObject, Data: []byte("again")})
	require.True(t, errors.Is(err, crud.ErrorFailed))

	resp, err := c.Do(ctx, &crud.ReadRequest{Flags: crud.FlagPriorityObject, Length: 5})
	require.NoError(t, err)
	require.Equal(t, []byte("table"), resp.Data)
	require.Equal(t, 0, srv.NumObjects())
}

func TestClient_ConnectDoesNotOpenSession(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.Equal(t, StateConnected, c.State())
	require.True(t, c.Connected())
	require.False(t, c.SessionOpen())
	require.Empty(t, srv.Requests(), "Connect must not send anything")

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)
	require.True(t, c.SessionOpen())

	_, err = c.Do(ctx, &crud.CloseRequest{})
	require.NoError(t, err)
	require.False(t, c.SessionOpen())
	require.False(t, c.Connected())
}

func TestClient_NotConnected(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})

	_, err := c.Do(context.Background(), &crud.ReadRequest{OID: 1, Length: 1})
	require.True(t, errors.Is(err, crud.ErrorNotConnected))
	require.Empty(t, srv.Requests(), "nothing should have been sent")
}

func TestClient_FailureResult(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})
	ctx := context.Background()

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)

	resp, err := c.Do(ctx, &crud.DeleteRequest{OID: 42})
	require.True(t, errors.Is(err, crud.ErrorFailed))
	require.Equal(t, crud.ResultFailure, resp.Header.Result)

	var opErr *crud.OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, crud.OpDelete, opErr.Op)

	// A reported failure isn't a transport failure: the session survives.
	require.True(t, c.Connected())
	_, err = c.Do(ctx, &crud.CreateRequest{Data: []byte("x")})
	require.NoError(t, err)
}

func TestClient_InitFailureDisconnects(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})

	srv.FailNext(crud.OpInit)
	_, err := c.Do(context.Background(), &crud.InitRequest{})
	require.True(t, errors.Is(err, crud.ErrorFailed))
	require.False(t, c.Connected())
	require.False(t, c.SessionOpen())

	_, err = c.Do(context.Background(), &crud.InitRequest{})
	require.NoError(t, err)
	require.True(t, c.SessionOpen())
}

func TestClient_Chunked(t *testing.T) {
	srv := newTestServer(t)
	srv.SetChunkSize(1)

	c := newTestClient(t, Options{
		Addr:   srv.Addr(),
		Dialer: crudtest.ChunkDialer(1),
	})
	ctx := context.Background()

	data := bytes.Repeat([]byte("abcdefghij"), 1000)

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)

	resp, err := c.Do(ctx, &crud.CreateRequest{Data: data})
	require.NoError(t, err)
	oid := resp.Header.OID

	stored, ok := srv.Object(oid)
	require.True(t, ok)
	require.Equal(t, data, stored)

	resp, err = c.Do(ctx, &crud.ReadRequest{OID: oid, Length: uint32(len(data))})
	require.NoError(t, err)
	require.Equal(t, data, resp.Data)
}

func TestClient_ConnectFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c := newTestClient(t, Options{Addr: addr, DialTimeout: time.Second})
	_, err = c.Do(context.Background(), &crud.InitRequest{})
	require.Error(t, err)
	require.Equal(t, StateDisconnected, c.State())
}

func TestClient_TransportFailureDisconnects(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})
	ctx := context.Background()

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	_, err = c.Do(ctx, &crud.ReadRequest{OID: 1, Length: 4})
	require.Error(t, err)
	require.False(t, errors.Is(err, crud.ErrorFailed))
	require.Equal(t, StateDisconnected, c.State())

	_, err = c.Do(ctx, &crud.ReadRequest{OID: 1, Length: 4})
	require.True(t, errors.Is(err, crud.ErrorNotConnected))
}

func TestClient_Deadline(t *testing.T) {
	// A store which accepts connections but never answers.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	defer func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	}()

	c := newTestClient(t, Options{Addr: lis.Addr().String()})
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Do(ctx, &crud.ReadRequest{OID: 1, Length: 4})
	require.True(t, errors.Is(err, os.ErrDeadlineExceeded), "unexpected error %v", err)
	require.Equal(t, StateDisconnected, c.State())
}

func TestClient_CanceledContext(t *testing.T) {
	srv := newTestServer(t)
	c := newTestClient(t, Options{Addr: srv.Addr()})

	_, err := c.Do(context.Background(), &crud.InitRequest{})
	require.NoError(t, err)
	srv.ResetRequests()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Do(ctx, &crud.ReadRequest{OID: 1, Length: 1})
	require.True(t, errors.Is(err, context.Canceled))
	require.True(t, c.Connected())
	require.Empty(t, srv.Requests())
}

func TestClient_Middleware(t *testing.T) {
	srv := newTestServer(t)

	var seen []crud.Op
	c := newTestClient(t, Options{
		Addr: srv.Addr(),
		Middleware: []Middleware{
			NewLoggingMiddleware(nil),
			FuncMiddleware(func(ctx context.Context, req crud.Request, i Invoker) (crud.Response, error) {
				op, err := crud.GetOp(req)
				require.NoError(t, err)
				seen = append(seen, op)
				return i(ctx, req)
			}),
		},
	})
	ctx := context.Background()

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)
	_, err = c.Do(ctx, &crud.FormatRequest{})
	require.NoError(t, err)
	_, err = c.Do(ctx, &crud.CloseRequest{})
	require.NoError(t, err)

	require.Equal(t, []crud.Op{crud.OpInit, crud.OpFormat, crud.OpClose}, seen)
}

func TestClient_Metrics(t *testing.T) {
	srv := newTestServer(t)
	reg := prometheus.NewRegistry()

	c := newTestClient(t, Options{Addr: srv.Addr(), Registerer: reg})
	ctx := context.Background()

	_, err := c.Do(ctx, &crud.InitRequest{})
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.connected))

	_, err = c.Do(ctx, &crud.CreateRequest{Data: []byte("hello")})
	require.NoError(t, err)
	_, err = c.Do(ctx, &crud.DeleteRequest{OID: 1234})
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues("INIT", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues("CREATE", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues("DELETE", "failure")))

	// Three headers plus the create payload.
	require.Equal(t, float64(3*crud.HeaderSize+5), testutil.ToFloat64(c.metrics.sentBytes))
	require.Equal(t, float64(3*crud.HeaderSize), testutil.ToFloat64(c.metrics.receivedBytes))

	require.NoError(t, c.Close())
	require.Equal(t, 0.0, testutil.ToFloat64(c.metrics.connected))

	// Metrics can't be registered twice.
	_, err = New(nil, Options{Addr: srv.Addr(), Registerer: reg})
	require.Error(t, err)
}
