// Package line turns raw console input into a command and its arguments.
package line

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/google/shlex"

	"github.com/awarmack/supalab/internal/config"
)

// dotRefPattern matches ".word" references. Word characters include Unicode
// letters and digits.
var dotRefPattern = regexp.MustCompile(`\.[\p{L}\p{N}_]+`)

// Lookup resolves a configuration key.
type Lookup func(key string) (config.Value, bool)

// Substitute replaces every ".key" reference in raw with the value of key.
// References to unknown keys are left verbatim, so file extensions and
// decimal fractions pass through. Values of secret keys are replaced by
// asterisks of the same length.
func Substitute(raw string, lookup Lookup) string {
	if lookup == nil {
		return raw
	}
	return dotRefPattern.ReplaceAllStringFunc(raw, func(ref string) string {
		key := ref[1:]
		v, ok := lookup(key)
		if !ok {
			return ref
		}
		s := v.String()
		if config.IsSecretKey(key) {
			return config.Mask(s)
		}
		return s
	})
}

// Parse splits a line into its command and argument string. The command is
// everything up to the first whitespace run; args is the remainder. A line
// without whitespace is all command.
func Parse(raw string) (command, args string) {
	raw = strings.TrimSpace(raw)
	i := strings.IndexFunc(raw, unicode.IsSpace)
	if i < 0 {
		return raw, ""
	}
	return raw[:i], strings.TrimLeftFunc(raw[i:], unicode.IsSpace)
}

// Split tokenizes an argument string. Single- and double-quoted spans form one
// token with the quotes removed. Sentinel characters from braced config values
// are kept as-is; callers restore them with config.RestoreSpaces at the point
// where the original text is needed.
func Split(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	tokens, err := shlex.Split(args)
	if err != nil {
		// Unbalanced quotes: fall back to a plain whitespace split.
		return strings.Fields(args)
	}
	return tokens
}

