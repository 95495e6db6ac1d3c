// Package contracts defines the shared types of the Self Session runtime:
// session states, capabilities, reversibility classes, challenge kinds, and
// the transport-agnostic protocol messages.
//
// Types here are closed sets. Adding a state, challenge kind, or
// reversibility class is a compile-time-visible change, never a runtime
// string lookup.
package contracts

import "time"

// SessionState is the canonical session state (S0–S7).
type SessionState string

const (
	StateInactive          SessionState = "INACTIVE"
	StateRequested         SessionState = "REQUESTED"
	StateConsentGranted    SessionState = "CONSENT_GRANTED"
	StateExecuting         SessionState = "EXECUTING"
	StateCheckpointPending SessionState = "CHECKPOINT_PENDING"
	StatePaused            SessionState = "PAUSED"
	StateHalted            SessionState = "HALTED"
	StateCompleted         SessionState = "COMPLETED"
)

// AllStates enumerates every session state. Used by exhaustive tests.
func AllStates() []SessionState {
	return []SessionState{
		StateInactive,
		StateRequested,
		StateConsentGranted,
		StateExecuting,
		StateCheckpointPending,
		StatePaused,
		StateHalted,
		StateCompleted,
	}
}

// Terminal reports whether the state ends the session's useful life.
// Terminal states may only transition to Inactive for cleanup.
func (s SessionState) Terminal() bool {
	return s == StateHalted || s == StateCompleted
}

// ExecutionContext is the canonical reference to what a session is allowed
// to touch: the host application, the target file or document, and the
// operator identity. It is frozen at consent time; any later mismatch is a
// boundary crossing.
type ExecutionContext struct {
	Application string `json:"application"`
	Target      string `json:"target"`
	Identity    string `json:"identity"`
}

// Equal reports whether two contexts refer to the same boundary.
func (c ExecutionContext) Equal(other ExecutionContext) bool {
	return c.Application == other.Application &&
		c.Target == other.Target &&
		c.Identity == other.Identity
}

// AuthorityToken is proof that a session may currently execute. Revocation
// is monotonic: once Revoked is true it never becomes false, and a revoked
// token is never valid again.
type AuthorityToken struct {
	TokenID   string    `json:"token_id"`
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	RevokedAt time.Time `json:"revoked_at,omitempty"`
}

// Expired reports whether the token's absolute TTL has elapsed. TTL is
// wall-clock absolute, never relative-and-extendable.
func (t *AuthorityToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Valid reports whether the token is currently usable: not revoked and not
// past its absolute TTL.
func (t *AuthorityToken) Valid(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}
