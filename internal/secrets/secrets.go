// Package secrets stores login passwords in the platform secret store.
// On macOS passwords live in the system Keychain. On other platforms a no-op
// store is used and the password must come from config or the prompt.
package secrets

import "errors"

// ServiceName identifies supalab credentials in the system keychain. The
// account is the login email.
const ServiceName = "supalab"

// ErrNotFound is returned when a credential is not found in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the secret store is not supported on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore provides an interface for secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get retrieves a password for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)

	// Set stores a password for the given service and account.
	// If a credential already exists, it is updated.
	Set(service, account, password string) error

	// Delete removes a credential for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error

	// IsSupported returns true if this store is functional on the current platform.
	IsSupported() bool
}

// store is set by the platform-specific init() function.
var store SecretStore

// Default returns the SecretStore for the current platform. It never
// returns nil.
func Default() SecretStore {
	if store == nil {
		store = &NoopStore{}
	}
	return store
}

// IsSupported returns true if secure credential storage is available on this platform.
func IsSupported() bool {
	return Default().IsSupported()
}

// LoginPassword returns the stored password for email.
func LoginPassword(s SecretStore, email string) (string, error) {
	if email == "" {
		return "", ErrNotFound
	}
	return s.Get(ServiceName, email)
}

// SetLoginPassword stores the password for email.
func SetLoginPassword(s SecretStore, email, password string) error {
	return s.Set(ServiceName, email, password)
}

// DeleteLoginPassword removes the stored password for email.
func DeleteLoginPassword(s SecretStore, email string) error {
	return s.Delete(ServiceName, email)
}
