package tenant

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BootstrapCost is the bcrypt work factor for the operator bootstrap
// password, the one password-based credential in an otherwise API-key
// system (used only to mint the first admin API key on a fresh node).
const BootstrapCost = bcrypt.DefaultCost

// HashBootstrapPassword bcrypt-hashes the operator's bootstrap password
// for storage in the node's config/data directory.
func HashBootstrapPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BootstrapCost)
	if err != nil {
		return "", fmt.Errorf("tenant: hash bootstrap password: %w", err)
	}
	return string(hash), nil
}

// VerifyBootstrapPassword checks password against a hash produced by
// HashBootstrapPassword.
func VerifyBootstrapPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
