// Package dispatcher decouples the gateway from whatever resource server it
// is fronting: the orchestrator hands every authenticated JSON-RPC call to a
// Dispatcher and forwards the response verbatim, never inspecting the
// method namespace itself.
package dispatcher

import (
	"context"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/jsonrpc"
	"github.com/Abraxas-365/authcore/pkg/mcpauth/session"
)

// Dispatcher forwards one JSON-RPC call to the resource server on behalf of
// an authenticated session.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess *session.Session, req jsonrpc.Request) (*jsonrpc.Response, error)
}
