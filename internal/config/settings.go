package config

import (
	"strings"
	"unicode/utf8"
)

// Well-known configuration keys.
const (
	KeyURL            = "url"
	KeyAPIKey         = "api_key"
	KeyEmail          = "email"
	KeyPassword       = "password"
	KeyVerbose        = "verbose"
	KeySuppressHeader = "suppress_header"
	KeyPrompt         = "prompt"
	KeyAuthPrompt     = "auth_prompt"
	KeyKeychain       = "keychain"
	KeyBroadcastSelf  = "broadcast_self"
	KeyPresenceKey    = "presence_key"
)

// Defaults used when the corresponding key is not configured.
const (
	DefaultURL        = "http://127.0.0.1:54321"
	DefaultPrompt     = ">> "
	DefaultAuthPrompt = "> "
	DefaultFile       = "default.cfg"
)

// Settings is the typed view of the keys the session itself understands.
type Settings struct {
	URL            string
	APIKey         string
	Email          string
	Password       string
	Verbose        bool
	SuppressHeader bool
	// Prompt is shown once the user is authenticated.
	Prompt string
	// AuthPrompt is shown before login.
	AuthPrompt string
	// Keychain enables reading and saving the login password in the
	// platform secret store.
	Keychain      bool
	BroadcastSelf bool
	PresenceKey   string
}

// Settings derives the typed settings from the store, applying defaults.
func (s *Store) Settings() Settings {
	st := Settings{
		URL:            DefaultURL,
		APIKey:         s.GetString(KeyAPIKey),
		Email:          s.GetString(KeyEmail),
		Password:       s.GetString(KeyPassword),
		Verbose:        s.GetBool(KeyVerbose),
		SuppressHeader: s.GetBool(KeySuppressHeader),
		Prompt:         DefaultPrompt,
		AuthPrompt:     DefaultAuthPrompt,
		Keychain:       s.GetBool(KeyKeychain),
		BroadcastSelf:  s.GetBool(KeyBroadcastSelf),
		PresenceKey:    s.GetString(KeyPresenceKey),
	}
	if v := s.GetString(KeyURL); v != "" {
		st.URL = strings.TrimRight(v, "/")
	}
	if v, ok := s.Get(KeyPrompt); ok && !v.IsBool() && v.String() != "" {
		st.Prompt = RestoreSpaces(v.String())
	}
	if v, ok := s.Get(KeyAuthPrompt); ok && !v.IsBool() && v.String() != "" {
		st.AuthPrompt = RestoreSpaces(v.String())
	}
	return st
}

// IsSecretKey reports whether values under key must never be shown in clear text.
func IsSecretKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "password")
}

// Mask returns one asterisk per character of s.
func Mask(s string) string {
	return strings.Repeat("*", utf8.RuneCountInString(s))
}

// MaskN is Mask limited to the first n characters of s.
func MaskN(s string, n int) string {
	return strings.Repeat("*", min(utf8.RuneCountInString(s), n))
}
