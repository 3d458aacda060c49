// Package audit logs the gateway's security-relevant events as structured
// logx records, one method per event type so call sites can't misspell an
// event name.
package audit

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/logx"
)

type Service struct{}

func New() *Service { return &Service{} }

func (s *Service) AuthenticationFailed(_ context.Context, sessionID, reason, ip string) {
	logx.WithFields(logx.Fields{
		"audit_event": "authentication_failed",
		"session_id":  sessionID,
		"reason":      reason,
		"ip":          ip,
		"timestamp":   time.Now(),
	}).Warn("Audit: authentication failed")
}

func (s *Service) AuthorizationCodeGenerated(_ context.Context, sessionID, clientID string) {
	logx.WithFields(logx.Fields{
		"audit_event": "authorization_code_generated",
		"session_id":  sessionID,
		"client_id":   clientID,
		"timestamp":   time.Now(),
	}).Info("Audit: authorization code generated")
}

func (s *Service) TokenRevoked(_ context.Context, sessionID, reason string) {
	logx.WithFields(logx.Fields{
		"audit_event": "token_revoked",
		"session_id":  sessionID,
		"reason":      reason,
		"timestamp":   time.Now(),
	}).Info("Audit: token revoked")
}

func (s *Service) EncryptionKeyAccessed(_ context.Context, source string, success bool) {
	logx.WithFields(logx.Fields{
		"audit_event": "encryption_key_accessed",
		"source":      source,
		"success":     success,
		"timestamp":   time.Now(),
	}).Info("Audit: encryption key accessed")
}

func (s *Service) RateLimitExceeded(_ context.Context, policy, scopeKey string) {
	logx.WithFields(logx.Fields{
		"audit_event": "rate_limit_exceeded",
		"policy":      policy,
		"scope_key":   scopeKey,
		"timestamp":   time.Now(),
	}).Warn("Audit: rate limit exceeded")
}
