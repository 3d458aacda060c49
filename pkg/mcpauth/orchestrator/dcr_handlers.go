package orchestrator

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode"
	"github.com/Abraxas-365/authcore/pkg/ptrx"
	"github.com/gofiber/fiber/v2"
)

// randomHex returns n bytes of randomness, hex-encoded (so a 16-byte call
// yields a 32-character string).
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type registerClientRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// RegisterClient implements RFC 7591 Dynamic Client Registration: any caller
// may mint itself a client_id, scoped to the redirect_uris it declares up
// front and checked against on every later /auth/login and /token call.
func (h *Handlers) RegisterClient(c *fiber.Ctx) error {
	ctx := c.Context()

	var req registerClientRequest
	if err := c.BodyParser(&req); err != nil {
		return writeOAuthError(c, fiber.StatusBadRequest, "invalid_client_metadata", "malformed registration request")
	}
	if len(req.RedirectURIs) == 0 {
		return writeOAuthError(c, fiber.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "none"
	}

	idHex, err := randomHex(16)
	if err != nil {
		return writeErr(c, err)
	}
	clientID := "mcp_" + idHex

	var clientSecret *string
	if req.TokenEndpointAuthMethod != "none" {
		secret, err := randomHex(32)
		if err != nil {
			return writeErr(c, err)
		}
		clientSecret = ptrx.String(secret)
	}

	client := oauthcode.RegisteredClient{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}

	stored, err := h.Clients.Register(ctx, client)
	if err != nil {
		return writeErr(c, err)
	}
	client = *stored

	resp := fiber.Map{
		"client_id":                  client.ClientID,
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"registration_client_uri":    h.BaseURL + "/oauth/register/" + client.ClientID,
	}
	if secret := ptrx.StringValue(client.ClientSecret); secret != "" {
		resp["client_secret"] = secret
		resp["client_secret_expires_at"] = 0
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

// GetClient returns the metadata of a previously-registered client. RFC 7591
// does not mandate bearer-protected read access for this gateway's
// no-client-secret registration model, so any caller holding the client_id
// can fetch it back.
func (h *Handlers) GetClient(c *fiber.Ctx) error {
	client, err := h.Clients.Get(c.Context(), c.Params("clientId"))
	if err != nil {
		return writeErr(c, err)
	}
	if client == nil {
		return writeOAuthError(c, fiber.StatusNotFound, "invalid_client_id", "client not found")
	}

	return c.JSON(fiber.Map{
		"client_id":                  client.ClientID,
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
	})
}

// DeleteClient unregisters a client, ending the ability to start new flows
// against it. Authorization codes and bearer tokens already issued to it are
// unaffected and expire on their own schedule.
func (h *Handlers) DeleteClient(c *fiber.Ctx) error {
	if err := h.Clients.Delete(c.Context(), c.Params("clientId")); err != nil {
		return writeErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
