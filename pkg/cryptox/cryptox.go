// Package cryptox provides AES-256-GCM encryption for OAuth token payloads
// at rest.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Abraxas-365/authcore/pkg/errx"
)

const nonceSize = 12 // 96-bit GCM nonce, the size the standard library recommends

var ErrRegistry = errx.NewRegistry("CRYPTO")

var (
	CodeInvalidKeySize = ErrRegistry.Register("INVALID_KEY_SIZE", errx.TypeInternal, http.StatusInternalServerError, "Encryption key must be 32 bytes")
	CodeDecryptFailed  = ErrRegistry.Register("DECRYPT_FAILED", errx.TypeInternal, http.StatusInternalServerError, "Failed to decrypt payload")
	CodeMalformed      = ErrRegistry.Register("MALFORMED_CIPHERTEXT", errx.TypeInternal, http.StatusInternalServerError, "Ciphertext is malformed or truncated")
)

func ErrInvalidKeySize() *errx.Error { return ErrRegistry.New(CodeInvalidKeySize) }
func ErrDecryptFailed(cause error) *errx.Error {
	return ErrRegistry.NewWithCause(CodeDecryptFailed, cause)
}
func ErrMalformed() *errx.Error { return ErrRegistry.New(CodeMalformed) }

// Cipher encrypts/decrypts byte payloads with AES-256-GCM under a fixed
// 32-byte key. The wire layout is base64(IV ‖ CIPHERTEXT+TAG) — Go's
// cipher.AEAD.Seal already appends the authentication tag to the
// ciphertext, so there is no separate tag field to track.
type Cipher struct {
	gcm cipher.AEAD
}

// New builds a Cipher from a 32-byte AES-256 key.
func New(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize()
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrRegistry.NewWithCause(CodeInvalidKeySize, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrRegistry.NewWithCause(CodeInvalidKeySize, err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext under a random per-call nonce and returns
// base64-encoded nonce‖ciphertext+tag.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrRegistry.NewWithCause(CodeDecryptFailed, err)
	}

	sealed := c.gcm.Seal(nil, nonce, plaintext, nil)
	out := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any tag mismatch (including truncation or
// tampering) surfaces as CryptoError — never the underlying AES/GCM detail.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed()
	}
	if len(raw) < nonceSize {
		return nil, ErrMalformed()
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed(err)
	}
	return plaintext, nil
}

// EncryptJSON marshals v as canonical JSON then encrypts it. Go's
// encoding/json already emits struct fields in declaration order for a
// fixed struct shape, which is all the "canonical" requirement needs here.
func EncryptJSON(c *Cipher, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errx.Wrap(err, "failed to marshal payload for encryption", errx.TypeInternal)
	}
	return c.Encrypt(data)
}

// DecryptJSON reverses EncryptJSON into dst.
func DecryptJSON(c *Cipher, encoded string, dst interface{}) error {
	plaintext, err := c.Decrypt(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, dst); err != nil {
		return errx.Wrap(err, "failed to unmarshal decrypted payload", errx.TypeInternal)
	}
	return nil
}
