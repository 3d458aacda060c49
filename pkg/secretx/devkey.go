package secretx

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ResolveDevKey produces the 32-byte dev-mode data-encryption key from either
// an already-hex-encoded 32-byte key, or (if that is absent) an arbitrary
// passphrase expanded via HKDF-SHA256. Returns nil if neither is set.
func ResolveDevKey(hexKey, passphrase string) []byte {
	if hexKey != "" {
		if key, err := hex.DecodeString(hexKey); err == nil && len(key) == KeySize {
			return key
		}
	}
	if passphrase == "" {
		return nil
	}

	salt := []byte("authcore-dev-data-key")
	kdf := hkdf.New(sha256.New, []byte(passphrase), salt, []byte("mcpauth-dek"))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil
	}
	return key
}
