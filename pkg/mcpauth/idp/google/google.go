// Package google implements idp.Provider against Google's OAuth2 endpoints
// via golang.org/x/oauth2's client-config/exchange/token-source pattern.
package google

import (
	"context"
	"strings"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/idp"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// DefaultScopes requests the minimum profile claims the gateway persists.
var DefaultScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

type Provider struct {
	config *oauth2.Config
}

func New(clientID, clientSecret, redirectURL string, scopes []string) *Provider {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Provider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     googleoauth.Endpoint,
		},
	}
}

func (p *Provider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (p *Provider) Exchange(ctx context.Context, code string) (*idp.Tokens, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, idp.ErrExchangeFailed(err)
	}
	return toTokens(token), nil
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*idp.Tokens, error) {
	src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, idp.ErrRefreshFailed(err)
	}
	return toTokens(token), nil
}

func (p *Provider) UserInfo(ctx context.Context, accessToken string) (*idp.UserInfo, error) {
	httpClient := p.config.Client(ctx, &oauth2.Token{AccessToken: accessToken})

	svc, err := oauth2api.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, idp.ErrUserInfoFailed(err)
	}

	info, err := svc.Userinfo.Get().Do()
	if err != nil {
		return nil, idp.ErrUserInfoFailed(err)
	}

	return &idp.UserInfo{
		Email:         strings.ToLower(info.Email),
		EmailVerified: info.VerifiedEmail != nil && *info.VerifiedEmail,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}

func toTokens(token *oauth2.Token) *idp.Tokens {
	var expiryMs int64
	if !token.Expiry.IsZero() {
		expiryMs = token.Expiry.UnixMilli()
	}
	scope, _ := token.Extra("scope").(string)
	return &idp.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
		TokenType:    token.TokenType,
		ExpiryUnixMs: expiryMs,
	}
}
