package client

import (
	"context"

	"github.com/rfratto/crudfs/internal/crud"
)

// Middleware hooks into requests sent by a Client.
type Middleware interface {
	// HandleRequest handles an individual request.
	HandleRequest(ctx context.Context, req crud.Request, invoker Invoker) (crud.Response, error)
}

// Invoker is called by Middleware to complete requests.
type Invoker func(ctx context.Context, req crud.Request) (crud.Response, error)

// FuncMiddleware is a function that implements Middleware.
type FuncMiddleware func(ctx context.Context, req crud.Request, i Invoker) (crud.Response, error)

func (f FuncMiddleware) HandleRequest(ctx context.Context, req crud.Request, i Invoker) (crud.Response, error) {
	return f(ctx, req, i)
}

type chainMiddleware []Middleware

func (c chainMiddleware) HandleRequest(ctx context.Context, req crud.Request, invoker Invoker) (crud.Response, error) {
	if len(c) == 0 {
		return invoker(ctx, req)
	}

	var (
		index        int
		chainInvoker Invoker
	)

	chainInvoker = func(ctx context.Context, req crud.Request) (crud.Response, error) {
		mw := c[index]
		index++

		var next Invoker
		if index == len(c) {
			next = invoker
		} else {
			next = chainInvoker
		}

		return mw.HandleRequest(ctx, req, next)
	}
	return chainInvoker(ctx, req)
}
