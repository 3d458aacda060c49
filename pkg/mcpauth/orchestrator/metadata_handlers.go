package orchestrator

import "github.com/gofiber/fiber/v2"

// AuthorizationServerMetadata implements RFC 8414 discovery so MCP clients
// can locate every endpoint this gateway exposes as its own authorization
// server without hardcoding paths.
func (h *Handlers) AuthorizationServerMetadata(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"issuer":                                h.BaseURL,
		"authorization_endpoint":                h.BaseURL + "/auth/login",
		"token_endpoint":                        h.BaseURL + "/api/generate-token",
		"registration_endpoint":                 h.BaseURL + "/oauth/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

// ProtectedResourceMetadata implements RFC 9728 so clients calling /mcp
// learn which authorization server protects it.
func (h *Handlers) ProtectedResourceMetadata(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"resource":              h.BaseURL + "/mcp",
		"authorization_servers": []string{h.BaseURL},
		"bearer_methods_supported": []string{"header"},
	})
}

// OpenIDConfiguration is an alias of the authorization server metadata
// document for clients that only know to probe the OIDC discovery path.
func (h *Handlers) OpenIDConfiguration(c *fiber.Ctx) error {
	return h.AuthorizationServerMetadata(c)
}
