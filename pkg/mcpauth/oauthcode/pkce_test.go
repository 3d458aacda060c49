package oauthcode_test

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/Abraxas-365/authcore/pkg/mcpauth/oauthcode"
)

// The literal S1 verifier/challenge pair from the end-to-end scenario.
const (
	s1Verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	s1Challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestVerifyPKCE_KnownVector(t *testing.T) {
	if !oauthcode.VerifyPKCE(s1Verifier, s1Challenge) {
		t.Fatal("expected the documented verifier/challenge pair to verify")
	}
}

func TestVerifyPKCE_MatchingPairsAlwaysVerify(t *testing.T) {
	for i := 0; i < 32; i++ {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
		verifier := base64.RawURLEncoding.EncodeToString(buf)
		sum := sha256.Sum256([]byte(verifier))
		challenge := base64.RawURLEncoding.EncodeToString(sum[:])

		if !oauthcode.VerifyPKCE(verifier, challenge) {
			t.Fatalf("verifier %q should verify against its own SHA256 challenge", verifier)
		}
	}
}

func TestVerifyPKCE_MismatchFails(t *testing.T) {
	if oauthcode.VerifyPKCE("wrong-verifier", s1Challenge) {
		t.Fatal("expected mismatched verifier to fail")
	}
	if oauthcode.VerifyPKCE(s1Verifier, "wrong-challenge") {
		t.Fatal("expected mismatched challenge to fail")
	}
}

func TestVerifyPKCE_EmptyInputsFail(t *testing.T) {
	if oauthcode.VerifyPKCE("", s1Challenge) {
		t.Fatal("empty verifier must not verify")
	}
	if oauthcode.VerifyPKCE(s1Verifier, "") {
		t.Fatal("empty challenge must not verify")
	}
	if oauthcode.VerifyPKCE("", "") {
		t.Fatal("two empty strings must not verify")
	}
}
