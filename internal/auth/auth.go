// Package auth stores API credentials for the cloud providers benchctl
// talks to. Tokens live in the OS keychain.
package auth

import (
	"errors"

	"nathanbeddoewebdev/benchctl/internal/util"
)

// ServiceName is the keychain service under which tokens are stored.
const ServiceName = "benchctl"

// Hetzner is the credential name of the Hetzner Cloud API token.
const Hetzner = "hetzner"

var ErrTokenNotFound = errors.New("auth token not found")

// Store reads and writes provider tokens.
type Store interface {
	SetToken(provider string, token string) error
	GetToken(provider string) (string, error)
	DeleteToken(provider string) error
}

// DefaultStore returns the standard auth store backed by the OS keychain.
func DefaultStore() Store {
	return NewKeyringStore(ServiceName)
}

// NormalizeProvider normalizes a provider name for consistent key lookup.
func NormalizeProvider(provider string) string {
	return util.NormalizeKey(provider)
}

// Mask hides all but the last four characters of a token.
func Mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
