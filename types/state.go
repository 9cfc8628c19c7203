package types

// ScopeState is the connection state of one scope.
type ScopeState int

// Scope states. A scope moves Unknown -> Probing -> Available or Unavailable
// and back to Probing on an explicit re-probe.
const (
	ScopeUnknown ScopeState = iota
	ScopeProbing
	ScopeAvailable
	ScopeUnavailable
)

func (s ScopeState) String() string {
	switch s {
	case ScopeProbing:
		return "probing"
	case ScopeAvailable:
		return "available"
	case ScopeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name
func (s ScopeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settled reports whether the state is terminal until the next probe
func (s ScopeState) Settled() bool {
	return s == ScopeAvailable || s == ScopeUnavailable
}

// Busy reports whether a probe should be ignored in this state
func (s ScopeState) Busy() bool {
	return s == ScopeProbing || s == ScopeAvailable
}
