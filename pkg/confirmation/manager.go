package confirmation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/contracts"
)

// Token is a single-use confirmation challenge. Used flips false→true
// exactly once, on the first validation attempt, regardless of outcome.
// The expected response is stored only as a one-way fingerprint.
type Token struct {
	TokenID     string
	SessionID   string
	EventID     string
	Kind        contracts.ChallengeKind
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Prompt      string
	Fingerprint string
	MinHold     time.Duration
	Used        bool
	UsedAt      time.Time
	WasValid    bool
}

// canValidate reports whether the token is still open for its one attempt.
func (t *Token) canValidate(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// Clock provides time for the manager.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// IssueSpec carries per-issuance parameters.
type IssueSpec struct {
	// TTL bounds the token lifetime. Zero means the manager default.
	TTL time.Duration
	// Consequence is the plain statement of what the next step will do.
	// Required for comprehension challenges, ignored otherwise.
	Consequence string
	// MinHold overrides the manager's minimum hold for gesture challenges
	// when > 0.
	MinHold time.Duration
}

// Manager owns confirmation tokens: issue, validate, revoke. Every attempt,
// including attempts on unknown or consumed tokens, is audit-logged.
type Manager struct {
	mu      sync.Mutex
	tokens  map[string]*Token
	byEvent map[string][]string
	chain   *audit.Chain
	clock   Clock
	logger  *slog.Logger

	defaultTTL time.Duration
	minHold    time.Duration
}

// NewManager creates a manager writing to the given audit chain.
// defaultTTL bounds token lifetime; minHold is the minimum gesture hold.
func NewManager(chain *audit.Chain, defaultTTL, minHold time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Manager{
		tokens:     make(map[string]*Token),
		byEvent:    make(map[string][]string),
		chain:      chain,
		clock:      wallClock{},
		logger:     slog.Default(),
		defaultTTL: defaultTTL,
		minHold:    minHold,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(c Clock) *Manager {
	if c != nil {
		m.clock = c
	}
	return m
}

// WithLogger overrides the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if l != nil {
		m.logger = l
	}
	return m
}

// Issue generates a fresh challenge of the given kind for one checkpoint
// event. The expected response is fingerprinted, never stored in plaintext.
func (m *Manager) Issue(sessionID, eventID string, kind contracts.ChallengeKind, spec IssueSpec) (*Token, error) {
	var (
		prompt   string
		expected string
		err      error
	)
	switch kind {
	case contracts.ChallengeTypedCode:
		prompt, expected, err = generateTypedCode()
	case contracts.ChallengeSpokenPhrase:
		prompt, expected, err = generateSpokenPhrase()
	case contracts.ChallengeGesture:
		prompt, expected, err = generateGesture()
	case contracts.ChallengeComprehension:
		prompt, expected, err = generateComprehension(spec.Consequence)
	default:
		return nil, fmt.Errorf("confirmation: unknown challenge kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	ttl := spec.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	minHold := m.minHold
	if spec.MinHold > 0 {
		minHold = spec.MinHold
	}
	if kind != contracts.ChallengeGesture {
		minHold = 0
	}

	now := m.clock.Now()
	token := &Token{
		TokenID:   uuid.New().String(),
		SessionID: sessionID,
		EventID:   eventID,
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Prompt:    prompt,
		MinHold:   minHold,
	}
	token.Fingerprint = fingerprint(token.TokenID, kind, expected)

	m.mu.Lock()
	m.tokens[token.TokenID] = token
	m.byEvent[eventID] = append(m.byEvent[eventID], token.TokenID)
	m.mu.Unlock()

	_, err = m.chain.Append(audit.Record{
		Kind:      audit.KindConfirmationIssued,
		SessionID: sessionID,
		Reason:    fmt.Sprintf("confirmation challenge issued (%s)", kind),
		Detail: map[string]interface{}{
			"token_id": token.TokenID,
			"event_id": eventID,
			"kind":     string(kind),
		},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.tokens, token.TokenID)
		ids := m.byEvent[eventID]
		m.byEvent[eventID] = ids[:len(ids)-1]
		m.mu.Unlock()
		return nil, err
	}
	issued := *token
	return &issued, nil
}

// Validate checks an operator response against its token.
//
// An unknown, expired, or already-used token fails, and the attempt is
// still audit-logged. Otherwise the response fingerprint is compared and
// the token is consumed regardless of outcome: a token can never be
// validated twice, even with the correct response the second time.
//
// holdMs is the client-reported hold duration. A gesture response arriving
// faster than the minimum hold is rejected as reflexive and logged as
// EARLY_CONFIRM_REJECTED.
func (m *Manager) Validate(tokenID, response string, holdMs int64, now time.Time) bool {
	m.mu.Lock()
	token, known := m.tokens[tokenID]
	m.mu.Unlock()

	if !known {
		if _, err := m.chain.Append(audit.Record{
			Kind:   audit.KindConfirmationChecked,
			Reason: "confirmation attempt on unknown token",
			Detail: map[string]interface{}{"token_id": tokenID, "valid": false},
		}); err != nil {
			m.logger.Error("confirmation attempt not recorded", "token_id", tokenID, "error", err)
		}
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !token.canValidate(now) {
		reason := "confirmation attempt on expired token"
		if token.Used {
			reason = "confirmation replay attempt on consumed token"
		}
		m.consumeLocked(token, false, now)
		if _, err := m.chain.Append(audit.Record{
			Kind:      audit.KindConfirmationChecked,
			SessionID: token.SessionID,
			Reason:    reason,
			Detail:    map[string]interface{}{"token_id": tokenID, "kind": string(token.Kind), "valid": false},
		}); err != nil {
			m.logger.Error("confirmation attempt not recorded", "token_id", tokenID, "error", err)
		}
		return false
	}

	if token.MinHold > 0 && time.Duration(holdMs)*time.Millisecond < token.MinHold {
		m.consumeLocked(token, false, now)
		if _, err := m.chain.Append(audit.Record{
			Kind:      audit.KindEarlyConfirmRejected,
			SessionID: token.SessionID,
			Reason:    fmt.Sprintf("confirmation arrived before minimum hold of %s", token.MinHold),
			Detail: map[string]interface{}{
				"token_id":    tokenID,
				"kind":        string(token.Kind),
				"hold_ms":     holdMs,
				"min_hold_ms": token.MinHold.Milliseconds(),
			},
		}); err != nil {
			m.logger.Error("confirmation attempt not recorded", "token_id", tokenID, "error", err)
		}
		return false
	}

	valid := fingerprint(token.TokenID, token.Kind, response) == token.Fingerprint
	if _, err := m.chain.Append(audit.Record{
		Kind:      audit.KindConfirmationChecked,
		SessionID: token.SessionID,
		Reason:    fmt.Sprintf("confirmation validated (%s): %t", token.Kind, valid),
		Detail:    map[string]interface{}{"token_id": tokenID, "kind": string(token.Kind), "valid": valid},
	}); err != nil {
		// An unrecorded validation must not count as validated. The token
		// is still consumed.
		m.logger.Error("confirmation attempt not recorded", "token_id", tokenID, "error", err)
		m.consumeLocked(token, false, now)
		return false
	}
	m.consumeLocked(token, valid, now)
	return valid
}

// consumeLocked marks a token used. Irreversible. Callers hold m.mu.
func (m *Manager) consumeLocked(token *Token, valid bool, now time.Time) {
	if token.Used {
		return
	}
	token.Used = true
	token.UsedAt = now
	token.WasValid = valid
}

// Revoke consumes a token without an attempt (session halted, checkpoint
// superseded).
func (m *Manager) Revoke(tokenID string, now time.Time) {
	m.mu.Lock()
	token, ok := m.tokens[tokenID]
	if ok {
		m.consumeLocked(token, false, now)
	}
	m.mu.Unlock()
}

// Token returns a copy of a token, or nil if unknown.
func (m *Manager) Token(tokenID string) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenID]
	if !ok {
		return nil
	}
	c := *token
	return &c
}

// TokensForEvent returns copies of every token issued for a checkpoint
// event.
func (m *Manager) TokensForEvent(eventID string) []*Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Token, 0, len(m.byEvent[eventID]))
	for _, id := range m.byEvent[eventID] {
		c := *m.tokens[id]
		out = append(out, &c)
	}
	return out
}

// HasValidatedFor reports whether some token for the event was consumed
// with a successful validation. The execution guard uses this for
// partially- and non-reversible steps.
func (m *Manager) HasValidatedFor(eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byEvent[eventID] {
		if t := m.tokens[id]; t.Used && t.WasValid {
			return true
		}
	}
	return false
}
