package types

import (
	"fmt"
	"strings"
)

// Scope identifies one of the two daemon contexts tracked in parallel.
type Scope int

const (
	// ScopeSystem is the privileged, system-wide daemon.
	ScopeSystem Scope = iota
	// ScopeUser is the per-user (rootless) daemon.
	ScopeUser
)

// Scopes returns every scope in a fixed order.
func Scopes() []Scope {
	return []Scope{ScopeSystem, ScopeUser}
}

// String returns the lowercase scope name.
func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopeUser:
		return "user"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeSystem || s == ScopeUser
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid scope %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseScope parses "system"/"root" or "user".
func ParseScope(v string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "system", "root":
		return ScopeSystem, nil
	case "user":
		return ScopeUser, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", v)
	}
}

// Key is the composite identity of an entity: natural ids are only unique
// within a scope, so an id is never used without its scope.
type Key struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

// NewKey builds a composite key.
func NewKey(scope Scope, id string) Key {
	return Key{Scope: scope, ID: id}
}

// Less orders keys by scope, then id.
func (k Key) Less(other Key) bool {
	if k.Scope != other.Scope {
		return k.Scope < other.Scope
	}
	return k.ID < other.ID
}

// IsZero reports whether the key carries no id.
func (k Key) IsZero() bool {
	return k.ID == ""
}

// String renders the key for logs. Not an identity.
func (k Key) String() string {
	return k.Scope.String() + "/" + k.ID
}

// ShortID returns the 12 character prefix daemons print for ids.
func (k Key) ShortID() string {
	if len(k.ID) > 12 {
		return k.ID[:12]
	}
	return k.ID
}
