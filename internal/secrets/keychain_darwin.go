//go:build darwin

package secrets

import (
	"errors"

	"github.com/keybase/go-keychain"
)

func init() {
	store = &KeychainStore{}
}

// KeychainStore implements SecretStore using the macOS Keychain.
type KeychainStore struct{}

// item returns a generic password item addressing service and account.
func item(service, account string) keychain.Item {
	it := keychain.NewItem()
	it.SetSecClass(keychain.SecClassGenericPassword)
	it.SetService(service)
	it.SetAccount(account)
	return it
}

// Get retrieves a password from the Keychain.
func (k *KeychainStore) Get(service, account string) (string, error) {
	query := item(service, account)
	query.SetMatchLimit(keychain.MatchLimitOne)
	query.SetReturnData(true)

	results, err := keychain.QueryItem(query)
	if errors.Is(err, keychain.ErrorItemNotFound) || (err == nil && len(results) == 0) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(results[0].Data), nil
}

// Set stores a password in the Keychain, replacing an existing one.
func (k *KeychainStore) Set(service, account, password string) error {
	it := item(service, account)
	it.SetLabel("supalab login (" + account + ")")
	it.SetData([]byte(password))
	it.SetSynchronizable(keychain.SynchronizableNo)
	it.SetAccessible(keychain.AccessibleWhenUnlocked)

	err := keychain.AddItem(it)
	if !errors.Is(err, keychain.ErrorDuplicateItem) {
		return err
	}

	update := keychain.NewItem()
	update.SetData([]byte(password))
	return keychain.UpdateItem(item(service, account), update)
}

// Delete removes a credential from the Keychain.
func (k *KeychainStore) Delete(service, account string) error {
	err := keychain.DeleteItem(item(service, account))
	if errors.Is(err, keychain.ErrorItemNotFound) {
		return ErrNotFound
	}
	return err
}

func (k *KeychainStore) IsSupported() bool {
	return true
}
