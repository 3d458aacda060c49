// Package noop is the gateway's default Dispatcher: every call resolves to
// JSON-RPC "method not found", since this gateway's job is authentication,
// not hosting tools. A deployment wires a real Dispatcher over this when it
// has a resource server to front.
package noop

import (
	"context"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/jsonrpc"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
)

type Dispatcher struct{}

func New() *Dispatcher { return &Dispatcher{} }

func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, req jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.MethodNotFound(req.ID, req.Method), nil
}
