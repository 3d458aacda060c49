package orchestrator

import (
	"bufio"
	"encoding/json"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/jsonrpc"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

// SSEConnect upgrades an authenticated request to a long-lived Server-Sent
// Events stream, admitting it through the connection manager's per-user and
// global caps before handing it the heartbeat loop.
func (h *Handlers) SSEConnect(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}
	userEmail := rc.UserEmail

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		conn, err := h.SSE.Connect(userEmail, w)
		if err != nil {
			return
		}
		defer h.SSE.Disconnect(conn.ID)

		// MCP SSE handshake: the first frame tells the client where to POST
		// its JSON-RPC requests for this connection.
		_ = conn.Send("endpoint", `{"uri":"`+h.BaseURL+`/mcp/`+conn.ID+`"}`)

		// Block until the client disconnects or the connection is evicted;
		// actual frames (including heartbeats) are pushed by Manager from
		// its own goroutines via Connection.Send.
		<-conn.Done()
	}))

	return nil
}

// SSEStats reports the caller's own live SSE connections, for clients that
// want to confirm which of their connections survived an eviction.
func (h *Handlers) SSEStats(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}

	return c.JSON(fiber.Map{
		"connection_ids": h.SSE.ConnectionIDsForUser(rc.UserEmail),
		"total":          h.SSE.Count(),
	})
}

// MCPMessage implements the companion POST /mcp/:connectionId endpoint for
// the SSE transport: a JSON-RPC request arrives over plain POST,
// but its response is written back as a "message" event on the caller's own
// open SSE stream rather than in the HTTP response body. A client that
// already tore down its SSE connection (or whose write fails) still gets its
// answer — the fallback is an ordinary HTTP JSON response.
func (h *Handlers) MCPMessage(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		return writeErr(c, ErrUnauthorized())
	}

	connID := c.Params("connectionId")
	owner, ok := h.SSE.OwnerOf(connID)
	if !ok || owner != rc.UserEmail {
		return writeErr(c, ErrForbidden())
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "invalid JSON-RPC envelope"))
	}
	if req.JSONRPC != jsonrpc.Version {
		return c.JSON(jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "jsonrpc must be \"2.0\""))
	}

	sess, err := h.Sessions.Get(c.Context(), rc.SessionID.String())
	if err != nil {
		return writeErr(c, err)
	}
	if sess == nil {
		return writeErr(c, ErrUnauthorized())
	}

	resp, err := h.Dispatcher.Dispatch(c.Context(), sess, req)
	if err != nil {
		resp = jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error())
	}

	payload, marshalErr := json.Marshal(resp)
	if marshalErr == nil {
		if sendErr := h.SSE.SendToConnection(connID, "message", string(payload)); sendErr == nil {
			return c.SendStatus(fiber.StatusAccepted)
		}
	}

	// SSE write failed (or the response couldn't be framed): fall back to an
	// ordinary HTTP response so the client's request is never silently lost.
	return c.JSON(resp)
}

// StreamableHTTP implements the MCP "Streamable HTTP" transport: a plain
// JSON-RPC request/response cycle over POST, with GET/DELETE reserved for
// session lifecycle per the MCP transport spec. Every call is forwarded to
// the configured Dispatcher rather than handled here directly.
func (h *Handlers) StreamableHTTP(c *fiber.Ctx) error {
	rc := requestContext(c)
	if rc == nil {
		// The GET negotiation leg runs through OptionalAuth so an
		// unauthenticated probe gets a WWW-Authenticate challenge pointing at
		// this gateway's own authorization server, rather than a bare 401.
		c.Set("WWW-Authenticate", `Bearer realm="`+h.BaseURL+`", resource_metadata="`+h.BaseURL+`/.well-known/oauth-protected-resource/mcp"`)
		return writeErr(c, ErrUnauthorized())
	}

	if c.Method() != fiber.MethodPost {
		return c.SendStatus(fiber.StatusNoContent)
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(jsonrpc.NewError(nil, jsonrpc.CodeParseError, "invalid JSON-RPC envelope"))
	}
	if req.JSONRPC != jsonrpc.Version {
		return c.JSON(jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "jsonrpc must be \"2.0\""))
	}

	sess, err := h.Sessions.Get(c.Context(), rc.SessionID.String())
	if err != nil {
		return writeErr(c, err)
	}
	if sess == nil {
		return writeErr(c, ErrUnauthorized())
	}

	resp, err := h.Dispatcher.Dispatch(c.Context(), sess, req)
	if err != nil {
		return c.JSON(jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, err.Error()))
	}

	return c.JSON(resp)
}
