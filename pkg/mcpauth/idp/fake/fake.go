// Package fake is a deterministic idp.Provider stand-in for tests: no
// network calls, canned responses keyed off the input code/token.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/idp"
)

type Provider struct {
	mu    sync.Mutex
	users map[string]idp.UserInfo // keyed by authorization code
}

func New() *Provider {
	return &Provider{users: make(map[string]idp.UserInfo)}
}

// Seed registers the user profile that Exchange+UserInfo will return for a
// given authorization code.
func (p *Provider) Seed(code string, user idp.UserInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[code] = user
}

func (p *Provider) AuthURL(state string) string {
	return fmt.Sprintf("https://fake-idp.test/authorize?state=%s", state)
}

func (p *Provider) Exchange(ctx context.Context, code string) (*idp.Tokens, error) {
	p.mu.Lock()
	_, ok := p.users[code]
	p.mu.Unlock()
	if !ok {
		return nil, idp.ErrExchangeFailed(fmt.Errorf("fake idp: unknown code %q", code))
	}
	return &idp.Tokens{
		AccessToken:  "fake-access-" + code,
		RefreshToken: "fake-refresh-" + code,
		Scope:        "openid email profile",
		TokenType:    "Bearer",
		ExpiryUnixMs: time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*idp.UserInfo, error) {
	code := accessToken
	const prefix = "fake-access-"
	if len(code) > len(prefix) && code[:len(prefix)] == prefix {
		code = code[len(prefix):]
	}

	p.mu.Lock()
	user, ok := p.users[code]
	p.mu.Unlock()
	if !ok {
		return nil, idp.ErrUserInfoFailed(fmt.Errorf("fake idp: unknown access token %q", accessToken))
	}
	u := user
	return &u, nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*idp.Tokens, error) {
	return &idp.Tokens{
		AccessToken:  "fake-access-refreshed",
		RefreshToken: refreshToken,
		Scope:        "openid email profile",
		TokenType:    "Bearer",
		ExpiryUnixMs: time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}
