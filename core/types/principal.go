package types

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinPrincipalLength is the shortest accepted principal identifier.
	MinPrincipalLength = 2
	// MaxPrincipalLength is the longest accepted principal identifier.
	MaxPrincipalLength = 64
)

// principalPattern accepts dot separated segments of lowercase alphanumerics
// joined by single '-' or '_' characters, e.g. "alice", "escrow.testnet",
// "market_maker-01.assets".
var principalPattern = regexp.MustCompile(`^(([a-z\d]+[\-_])*[a-z\d]+\.)*([a-z\d]+[\-_])*[a-z\d]+$`)

// Principal identifies an actor that can invoke operations and hold value.
type Principal string

// ParsePrincipal normalises the supplied identifier and validates it against
// the account naming rules.
func ParsePrincipal(raw string) (Principal, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	p := Principal(normalized)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// MustPrincipal is ParsePrincipal for constants and tests. It panics on
// malformed input.
func MustPrincipal(raw string) Principal {
	p, err := ParsePrincipal(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate reports whether the principal is well formed.
func (p Principal) Validate() error {
	s := string(p)
	if len(s) < MinPrincipalLength || len(s) > MaxPrincipalLength {
		return fmt.Errorf("principal %q: length must be between %d and %d", s, MinPrincipalLength, MaxPrincipalLength)
	}
	if !principalPattern.MatchString(s) {
		return fmt.Errorf("principal %q: invalid characters", s)
	}
	return nil
}

// IsZero reports whether the principal is unset.
func (p Principal) IsZero() bool { return p == "" }

func (p Principal) String() string { return string(p) }
