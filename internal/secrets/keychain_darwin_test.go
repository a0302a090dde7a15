//go:build darwin

package secrets

import (
	"errors"
	"testing"
)

const testServiceName = "supalab-test"

func TestKeychainStore_SetGetDelete(t *testing.T) {
	s := &KeychainStore{}
	account := "test@example.com"
	_ = s.Delete(testServiceName, account)

	if err := s.Set(testServiceName, account, "first"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Overwriting an existing item updates it.
	if err := s.Set(testServiceName, account, "second"); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}
	got, err := s.Get(testServiceName, account)
	if err != nil || got != "second" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	if err := s.Delete(testServiceName, account); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if _, err := s.Get(testServiceName, account); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete() error = %v, want %v", err, ErrNotFound)
	}
	if err := s.Delete(testServiceName, account); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want %v", err, ErrNotFound)
	}
}

func TestDefaultIsKeychainStore(t *testing.T) {
	if _, ok := Default().(*KeychainStore); !ok {
		t.Errorf("Default() returned %T, want *KeychainStore on macOS", Default())
	}
	if !IsSupported() {
		t.Error("IsSupported() = false on macOS")
	}
}
