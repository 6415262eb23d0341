// Package kit holds transport-agnostic plumbing shared by the HTTP and MCP
// surfaces: request-scoped context values and the Endpoint abstraction.
package kit

import "context"

// Endpoint is a transport-independent request handler.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one is the outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}
