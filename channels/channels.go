package channels

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	PublicPrefix  = "public-"
	PrivatePrefix = "private-"

	// MaxNameLength is the longest wire channel name the relay accepts.
	MaxNameLength = 200

	// hex characters of the hash appended to truncated names
	hashSuffixLength = 16
)

// Public maps a logical topic to its public wire channel.
func Public(topic string) string {
	return build(PublicPrefix, topic)
}

// Private maps an identifier to its private wire channel.
func Private(id string) string {
	return build(PrivatePrefix, id)
}

/*
Sanitize replaces every rune outside [A-Za-z0-9_.-] with '_'.

Inputs that differ only in disallowed characters collapse to the same
name ("app updates!" and "app_updates!" are both "app_updates_"). Callers
that need distinct channels for such inputs must pick distinct topics.
*/
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if isAllowed(r) {
			return r
		}
		return '_'
	}, s)
}

// Valid reports whether name is a well formed wire channel name.
func Valid(name string) bool {
	if len(name) > MaxNameLength {
		return false
	}
	var body string
	switch {
	case strings.HasPrefix(name, PublicPrefix):
		body = name[len(PublicPrefix):]
	case strings.HasPrefix(name, PrivatePrefix):
		body = name[len(PrivatePrefix):]
	default:
		return false
	}
	if body == "" {
		return false
	}
	for _, r := range body {
		if !isAllowed(r) {
			return false
		}
	}
	return true
}

// IsPrivate reports whether name carries the private prefix.
func IsPrivate(name string) bool {
	return strings.HasPrefix(name, PrivatePrefix)
}

func build(prefix, input string) string {
	name := prefix + Sanitize(input)
	if len(name) <= MaxNameLength {
		return name
	}

	// Truncated names keep a hash of the original input so that long
	// inputs sharing a prefix still land on distinct channels.
	sum := blake3.Sum256([]byte(input))
	suffix := "-" + hex.EncodeToString(sum[:])[:hashSuffixLength]
	return name[:MaxNameLength-len(suffix)] + suffix
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z',
		r >= 'A' && r <= 'Z',
		r >= '0' && r <= '9',
		r == '_', r == '.', r == '-':
		return true
	}
	return false
}
