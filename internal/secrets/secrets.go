// Package secrets resolves named credentials from the OS keyring, falling
// back to environment variables. Values are never logged.
package secrets

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// service is the keyring namespace for all stored secrets.
const service = "yodoca"

// Store looks up secrets by name. The zero value is ready to use.
type Store struct{}

// New returns a keyring-backed store.
func New() *Store { return &Store{} }

// Get resolves a secret: keyring first, then the environment variable named
// by uppercasing the secret name (anthropic_api_key -> ANTHROPIC_API_KEY).
// Keyring failures are treated as misses so a headless host still works.
func (s *Store) Get(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if v, err := keyring.Get(service, name); err == nil && v != "" {
		return v, true
	}
	if v := os.Getenv(strings.ToUpper(name)); v != "" {
		return v, true
	}
	return "", false
}

// Set stores a secret in the OS keyring.
func (s *Store) Set(name, value string) error {
	return keyring.Set(service, name, value)
}

// Delete removes a secret from the OS keyring. Deleting an absent secret is
// not an error.
func (s *Store) Delete(name string) error {
	err := keyring.Delete(service, name)
	if err == keyring.ErrNotFound {
		return nil
	}
	return err
}
