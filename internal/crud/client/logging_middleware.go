package client

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/crudfs/internal/crud"
)

// NewLoggingMiddleware returns a middleware which logs every request at debug
// level.
func NewLoggingMiddleware(l log.Logger) Middleware {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &loggingMiddleware{l: l}
}

type loggingMiddleware struct {
	l log.Logger
}

func (lm *loggingMiddleware) HandleRequest(ctx context.Context, req crud.Request, invoker Invoker) (crud.Response, error) {
	op, _ := crud.GetOp(req)
	level.Debug(lm.l).Log("msg", "starting request", "op", op)

	start := time.Now()
	resp, err := invoker(ctx, req)
	level.Debug(lm.l).Log(
		"msg", "finished request",
		"op", op,
		"oid", uint32(resp.Header.OID),
		"length", resp.Header.Length,
		"duration", time.Since(start),
		"err", err,
	)
	return resp, err
}
