// Package authority manages the lifecycle of authority tokens: issuance,
// validation, revocation, and time-based decay. An authority token is the
// only proof that a session may currently execute. When authority expires
// or is revoked, execution must stop; a new token requires a brand-new
// session.
package authority

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/contracts"
)

var (
	// ErrTokenExists is returned when a session already holds a live token.
	ErrTokenExists = errors.New("authority: session already holds a live token")
	// ErrUnknownToken is returned when the token id is not known.
	ErrUnknownToken = errors.New("authority: unknown token")
)

// Clock provides time for the manager. Injected so tests are deterministic.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Manager owns all authority tokens. Every issue, validate, and revoke is
// recorded in the audit chain.
type Manager struct {
	mu            sync.Mutex
	tokens        map[string]*contracts.AuthorityToken
	sessionTokens map[string][]string
	chain         *audit.Chain
	clock         Clock
}

// NewManager creates a manager writing to the given audit chain.
func NewManager(chain *audit.Chain) *Manager {
	return &Manager{
		tokens:        make(map[string]*contracts.AuthorityToken),
		sessionTokens: make(map[string][]string),
		chain:         chain,
		clock:         wallClock{},
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(c Clock) *Manager {
	if c != nil {
		m.clock = c
	}
	return m
}

// Issue mints a new token for a session. It fails if the session already
// holds a token that is neither revoked nor expired. The TTL is fixed at
// issue time and never extended.
func (m *Manager) Issue(sessionID string, ttl time.Duration) (*contracts.AuthorityToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, id := range m.sessionTokens[sessionID] {
		if existing := m.tokens[id]; existing != nil && existing.Valid(now) {
			return nil, fmt.Errorf("%w: %s", ErrTokenExists, sessionID)
		}
	}

	token := &contracts.AuthorityToken{
		TokenID:   uuid.New().String(),
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	m.tokens[token.TokenID] = token
	m.sessionTokens[sessionID] = append(m.sessionTokens[sessionID], token.TokenID)

	_, err := m.chain.Append(audit.Record{
		Kind:           audit.KindAuthorityIssued,
		SessionID:      sessionID,
		Reason:         fmt.Sprintf("authority token issued, ttl %s", ttl),
		AuthorityValid: audit.BoolPtr(true),
		Detail:         map[string]interface{}{"token_id": token.TokenID, "expires_at": token.ExpiresAt},
	})
	if err != nil {
		delete(m.tokens, token.TokenID)
		ids := m.sessionTokens[sessionID]
		m.sessionTokens[sessionID] = ids[:len(ids)-1]
		return nil, err
	}
	return copyToken(token), nil
}

// Validate reports whether the token is currently usable: known, not
// revoked, and inside its absolute TTL. Every check is recorded.
func (m *Manager) Validate(tokenID string, now time.Time) bool {
	m.mu.Lock()
	token, ok := m.tokens[tokenID]
	var valid bool
	var sessionID string
	if ok {
		valid = token.Valid(now)
		sessionID = token.SessionID
	}
	m.mu.Unlock()

	reason := "authority check: valid"
	if !ok {
		reason = "authority check: unknown token"
	} else if token.Revoked {
		reason = "authority check: token revoked"
	} else if !valid {
		reason = "authority check: ttl elapsed"
	}
	_, _ = m.chain.Append(audit.Record{
		Kind:           audit.KindAuthorityCheck,
		SessionID:      sessionID,
		Reason:         reason,
		AuthorityValid: audit.BoolPtr(valid),
		Detail:         map[string]interface{}{"token_id": tokenID},
	})
	return valid
}

// Revoke marks a token revoked. Idempotent and monotonic: a revoked token
// never becomes valid again.
func (m *Manager) Revoke(tokenID string) error {
	m.mu.Lock()
	token, ok := m.tokens[tokenID]
	if ok && !token.Revoked {
		token.Revoked = true
		token.RevokedAt = m.clock.Now()
	}
	var sessionID string
	if ok {
		sessionID = token.SessionID
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tokenID)
	}
	_, err := m.chain.Append(audit.Record{
		Kind:           audit.KindAuthorityRevoked,
		SessionID:      sessionID,
		Reason:         "authority token revoked",
		AuthorityValid: audit.BoolPtr(false),
		Detail:         map[string]interface{}{"token_id": tokenID},
	})
	return err
}

// RevokeSession revokes every token the session holds.
func (m *Manager) RevokeSession(sessionID string) {
	m.mu.Lock()
	ids := append([]string(nil), m.sessionTokens[sessionID]...)
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Revoke(id)
	}
}

// Token returns a copy of a token, or nil if unknown.
func (m *Manager) Token(tokenID string) *contracts.AuthorityToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenID]
	if !ok {
		return nil
	}
	return copyToken(token)
}

// SessionTokens returns copies of every token issued to a session.
func (m *Manager) SessionTokens(sessionID string) []*contracts.AuthorityToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*contracts.AuthorityToken, 0, len(m.sessionTokens[sessionID]))
	for _, id := range m.sessionTokens[sessionID] {
		out = append(out, copyToken(m.tokens[id]))
	}
	return out
}

func copyToken(t *contracts.AuthorityToken) *contracts.AuthorityToken {
	c := *t
	return &c
}
