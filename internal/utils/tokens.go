package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// GenerateSecureToken creates a cryptographically secure random token. Used
// to mint an admin token at startup when none is configured.
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// VerifyAdminToken checks a presented token against the configured secret.
// When a bcrypt hash is configured it is preferred; otherwise the plain
// token is compared in constant time. An empty configuration never matches.
func VerifyAdminToken(presented, plain, bcryptHash string) bool {
	if presented == "" {
		return false
	}
	if bcryptHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(bcryptHash), []byte(presented)) == nil
	}
	if plain == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(plain)) == 1
}
