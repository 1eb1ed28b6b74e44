// Package header implements the case-insensitive, order-preserving header
// multimap shared by requests and responses.
package header

import (
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/ashgrove-dev/pipehttp/pkg/errors"
)

// entry is one (original-case key, value) pair in insertion order.
type entry struct {
	key   string
	value string
}

// Map is a case-insensitive, order-preserving multimap of HTTP headers.
// Lookups and membership tests normalize to lower-case; emission uses the
// original case supplied by the caller. Duplicate keys are allowed except
// for the singleton headers listed in singletons.
type Map struct {
	entries []entry
}

// singletons lists headers that may appear at most once; a second
// occurrence makes the message malformed per the wire protocol.
var singletons = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"expect":            true,
	"host":              true,
}

// latin1Encoder validates that a header value round-trips through latin-1,
// the wire encoding mandated for HTTP/1.1 header fields.
var latin1Encoder = charmap.ISO8859_1.NewEncoder()

// New returns an empty header map.
func New() *Map {
	return &Map{}
}

func canonicalLower(key string) string {
	return strings.ToLower(key)
}

// validateValue rejects CR, LF, and NUL in a header value, and enforces the
// latin-1 wire encoding.
func validateValue(value string) error {
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '\r', '\n', 0:
			return errors.NewValidationError("header value contains CR, LF, or NUL")
		}
	}
	if _, err := latin1Encoder.String(value); err != nil {
		return errors.NewValidationError("header value is not latin-1")
	}
	return nil
}

// validateKey rejects whitespace inside a header key.
func validateKey(key string) error {
	if key == "" {
		return errors.NewValidationError("header key cannot be empty")
	}
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case ' ', '\t', '\r', '\n':
			return errors.NewValidationError("header key contains whitespace")
		}
	}
	return nil
}

// Add appends a (key, value) pair, preserving insertion order. It returns a
// validation error for malformed keys/values, or an InvalidResponse error if
// key is a singleton header that is already present.
func (m *Map) Add(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	lower := canonicalLower(key)
	if singletons[lower] && m.Has(key) {
		return errors.NewInvalidResponse("duplicate singleton header: "+key, nil)
	}
	m.entries = append(m.entries, entry{key: key, value: value})
	return nil
}

// Set replaces all existing values for key with a single value.
func (m *Map) Set(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	m.Del(key)
	m.entries = append(m.entries, entry{key: key, value: value})
	return nil
}

// Del removes every occurrence of key.
func (m *Map) Del(key string) {
	lower := canonicalLower(key)
	kept := m.entries[:0]
	for _, e := range m.entries {
		if canonicalLower(e.key) != lower {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

// Has reports whether key has at least one value.
func (m *Map) Has(key string) bool {
	lower := canonicalLower(key)
	for _, e := range m.entries {
		if canonicalLower(e.key) == lower {
			return true
		}
	}
	return false
}

// Get returns the last value stored for key, which is the conventional
// single-value getter when duplicates are permitted, and ok reports whether
// key was present at all.
func (m *Map) Get(key string) (value string, ok bool) {
	lower := canonicalLower(key)
	for i := len(m.entries) - 1; i >= 0; i-- {
		if canonicalLower(m.entries[i].key) == lower {
			return m.entries[i].value, true
		}
	}
	return "", false
}

// Values returns every value stored for key, in insertion order.
func (m *Map) Values(key string) []string {
	lower := canonicalLower(key)
	var out []string
	for _, e := range m.entries {
		if canonicalLower(e.key) == lower {
			out = append(out, e.value)
		}
	}
	return out
}

// Items returns every (original-case key, value) pair in insertion order.
func (m *Map) Items() []struct{ Key, Value string } {
	out := make([]struct{ Key, Value string }, len(m.entries))
	for i, e := range m.entries {
		out[i] = struct{ Key, Value string }{e.key, e.value}
	}
	return out
}

// Len returns the number of (key, value) pairs, counting duplicates.
func (m *Map) Len() int { return len(m.entries) }

// IsSingleton reports whether key must appear at most once on the wire.
func IsSingleton(key string) bool {
	return singletons[canonicalLower(key)]
}
