// Package config loads the line-oriented session configuration files used by supalab.
//
// A configuration file is a sequence of "key = value" lines. Blank lines and
// lines starting with '#' are ignored. Values that spell a boolean are
// normalized at load time, and spaces inside braced values ({...}) are
// replaced with SpaceSentinel so that the value survives whitespace
// tokenization after it has been substituted into an input line.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
)

// SpaceSentinel stands in for a literal space inside a braced value.
const SpaceSentinel = "\x00"

// ErrParse is returned (wrapped) for a line that is not a valid key/value pair.
var ErrParse = errors.New("malformed config line")

var (
	entryPattern  = regexp.MustCompile(`^(\S*)\s*=\s*(.*)$`)
	bracedPattern = regexp.MustCompile(`\{([^}]*)\}`)
)

// Value is a configuration scalar: either a bool or a string.
type Value struct {
	str    string
	b      bool
	isBool bool
}

// String returns a string value.
func String(s string) Value {
	return Value{str: s}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{b: b, isBool: true}
}

// IsBool reports whether v holds a boolean.
func (v Value) IsBool() bool {
	return v.isBool
}

// Bool returns the boolean held by v. ok is false for string values.
func (v Value) Bool() (value, ok bool) {
	return v.b, v.isBool
}

// String returns the string form of v. Booleans render as "true" or "false".
func (v Value) String() string {
	if v.isBool {
		if v.b {
			return "true"
		}
		return "false"
	}
	return v.str
}

// ParseValue normalizes a raw value as read from a config file.
func ParseValue(raw string) Value {
	raw = bracedPattern.ReplaceAllStringFunc(raw, func(m string) string {
		return strings.ReplaceAll(m, " ", SpaceSentinel)
	})
	switch strings.ToLower(raw) {
	case "t", "true", "y", "1":
		return Bool(true)
	case "f", "false", "n", "0":
		return Bool(false)
	}
	return String(raw)
}

// RestoreSpaces turns sentinel characters back into spaces.
func RestoreSpaces(s string) string {
	return strings.ReplaceAll(s, SpaceSentinel, " ")
}

// Store is the flat key/value configuration of a session.
// It is not safe for concurrent use; the session owns it.
type Store struct {
	values map[string]Value
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]Value)}
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the string form of key, or "" if absent.
func (s *Store) GetString(key string) string {
	if v, ok := s.values[key]; ok {
		return v.String()
	}
	return ""
}

// GetBool returns the boolean under key. Absent keys and string values yield false.
func (s *Store) GetBool(key string) bool {
	v, ok := s.values[key]
	if !ok {
		return false
	}
	b, _ := v.Bool()
	return b
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Set stores v under key, replacing any previous value.
func (s *Store) Set(key string, v Value) {
	s.values[key] = v
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return len(s.values)
}

// LoadResult describes the outcome of loading one or more files.
type LoadResult struct {
	// Files lists the files that were read successfully, in order.
	Files []string
	// Errors holds one entry per malformed line or unreadable file.
	Errors []error
}

// Load reads the given files in order. Later files override earlier keys.
// Malformed lines and unreadable files are collected in the result and do not
// stop the load.
func (s *Store) Load(logger *slog.Logger, paths ...string) LoadResult {
	var result LoadResult
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		errs, err := s.Parse(f)
		f.Close()
		result.Errors = append(result.Errors, errs...)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		result.Files = append(result.Files, path)
		if logger != nil {
			logger.Debug("Loaded config file", "path", path, "keys", s.Len())
		}
	}
	return result
}

// Parse reads key/value lines from r into the store. It returns the parse
// errors for malformed lines, plus a read error if r failed.
func (s *Store) Parse(r io.Reader) ([]error, error) {
	var errs []error
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := parseLine(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.values[key] = value
	}
	return errs, scanner.Err()
}

func parseLine(line string) (string, Value, error) {
	m := entryPattern.FindStringSubmatch(line)
	if m == nil || m[1] == "" {
		return "", Value{}, &ParseError{Line: line}
	}
	return m[1], ParseValue(m[2]), nil
}

// ParseError reports a malformed configuration line.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return e.Line + "?"
}

// Unwrap lets errors.Is match ErrParse.
func (e *ParseError) Unwrap() error {
	return ErrParse
}
