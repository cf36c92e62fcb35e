// Package hasher creates and checks the API bearer token.
package hasher

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/crypto/bcrypt"
)

const cost = 10

// HashToken returns the bcrypt hash stored in API_TOKEN_HASH.
func HashToken(token []byte) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword(token, cost)
	return string(bytes), err
}

func TokenMatches(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// GenerateToken returns length random bytes, URL safe base64 encoded.
func GenerateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
