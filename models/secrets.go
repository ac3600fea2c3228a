package models

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

const (
	credIDLength     = 10 // lookup id of api keys and sessions
	credSecretLength = 16
	csrfTokenLength  = 24
)

// randomToken returns n characters of url-safe random material.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure is not recoverable
	}
	return base64.RawURLEncoding.EncodeToString(b)[:n]
}

func digestSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

func checkSecret(digest, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(digest), []byte(digestSecret(secret))) == 1
}
