package oauthcode

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// MethodS256 is the only code_challenge_method this gateway accepts. "plain"
// is rejected at ingest (RFC 7636 §7.2 recommends S256-only for confidential
// intermediaries, which is what this gateway is relative to the upstream IdP).
const MethodS256 = "S256"

// VerifyPKCE reports whether verifier produces challenge under S256:
// challenge == base64url_nopad(SHA256(verifier)).
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
