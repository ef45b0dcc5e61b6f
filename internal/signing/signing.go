// Package signing computes and verifies the HMAC-SHA256 signature carried
// on every outbound webhook request.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Scheme prefixes the hex digest in the signature header.
const Scheme = "sha256="

// SecretBytes is the size of generated secrets (256 bits).
const SecretBytes = 32

// Sign returns "sha256=<hex>" over body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return Scheme + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under any candidate secret.
// Empty candidates are skipped. Every candidate is checked so timing does
// not reveal which secret matched.
func Verify(body []byte, signature string, candidates ...string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(signature, Scheme))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	ok := false
	for _, secret := range candidates {
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(got, mac.Sum(nil)) {
			ok = true
		}
	}
	return ok
}

// GenerateSecret returns a random URL-safe secret of SecretBytes entropy.
func GenerateSecret() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
