package repository

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns the salted bcrypt hash stored for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash reports whether secret matches a hash from [HashAPIKey].
func APIKeyMatchesHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
