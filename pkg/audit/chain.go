// Package audit implements the append-only, hash-chained record of every
// state transition, authority event, and confirmation outcome. Nothing in
// the runtime may report success without a corresponding entry here.
//
// Entries are linked by content hash: removing or mutating any entry breaks
// the chain, and VerifyChain detects the break. A log with a broken chain
// is treated as equivalent to a missing log.
package audit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aural-labs/selfsession/pkg/canonicalize"
	"github.com/aural-labs/selfsession/pkg/contracts"
)

// Kind categorizes an audit event.
type Kind string

const (
	KindSessionCreated       Kind = "SESSION_CREATED"
	KindStateTransition      Kind = "STATE_TRANSITION"
	KindAuthorityIssued      Kind = "AUTHORITY_ISSUED"
	KindAuthorityCheck       Kind = "AUTHORITY_CHECK"
	KindAuthorityRevoked     Kind = "AUTHORITY_REVOKED"
	KindConfirmationIssued   Kind = "CONFIRMATION_ISSUED"
	KindConfirmationChecked  Kind = "CONFIRMATION_VALIDATED"
	KindEarlyConfirmRejected Kind = "EARLY_CONFIRM_REJECTED"
	KindGuardFailed          Kind = "EXECUTION_GUARD_FAILED"
	KindCapabilityViolation  Kind = "CAPABILITY_VIOLATION"
	KindStepExecuted         Kind = "EXECUTION_STEP"
	KindSilencePause         Kind = "SILENCE_PAUSE"
	KindTTLExpired           Kind = "TTL_EXPIRED"
	KindContextLost          Kind = "CONTEXT_LOST"
	KindExport               Kind = "AUDIT_EXPORT"
)

// Entry is an immutable audit record. PrevHash links the entry to its
// predecessor; Hash covers every other field including PrevHash.
type Entry struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	Kind           Kind                   `json:"kind"`
	SessionID      string                 `json:"session_id"`
	PriorState     contracts.SessionState `json:"prior_state,omitempty"`
	NewState       contracts.SessionState `json:"new_state,omitempty"`
	Reason         string                 `json:"reason"`
	AuthorityValid *bool                  `json:"authority_valid,omitempty"`
	Detail         map[string]interface{} `json:"detail,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Clock provides time for the audit log. Injected so tests are
// deterministic.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WallClock returns the default wall-clock.
func WallClock() Clock { return wallClock{} }

// Sink receives every appended entry, in order. The sqlite store implements
// this. A sink failure fails the append: an unrecorded event must not look
// recorded.
type Sink interface {
	Store(entry Entry) error
}

// Chain is the in-memory hash chain. It exposes no update or delete
// operation; the entries slice is never handed out by reference.
type Chain struct {
	mu      sync.Mutex
	entries []Entry
	clock   Clock
	logger  *slog.Logger
	sink    Sink
	seq     uint64
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the clock for deterministic testing.
func WithClock(c Clock) Option {
	return func(ch *Chain) {
		if c != nil {
			ch.clock = c
		}
	}
}

// WithSink attaches a persistence sink.
func WithSink(s Sink) Option {
	return func(ch *Chain) { ch.sink = s }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ch *Chain) {
		if l != nil {
			ch.logger = l
		}
	}
}

// NewChain creates an empty audit chain.
func NewChain(opts ...Option) *Chain {
	ch := &Chain{
		entries: make([]Entry, 0),
		clock:   wallClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Restore seeds an empty chain with previously persisted entries, for
// example on restart from a sqlite store. The entries are verified first;
// a broken history is refused rather than silently adopted.
func (c *Chain) Restore(entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		return errors.New("audit: restore requires an empty chain")
	}
	if ok, err := verifyEntries(entries); !ok {
		return fmt.Errorf("audit: restore refused: %w", err)
	}
	c.entries = append([]Entry(nil), entries...)
	c.seq = uint64(len(entries))
	return nil
}

// Record describes an event to append. Hashing fields are filled in by
// Append.
type Record struct {
	Kind           Kind
	SessionID      string
	PriorState     contracts.SessionState
	NewState       contracts.SessionState
	Reason         string
	AuthorityValid *bool
	Detail         map[string]interface{}
}

// Append adds a new entry, linking it to the previous one. It returns the
// stored entry. If a sink is attached and fails, the append fails and the
// chain is left unchanged.
func (c *Chain) Append(rec Record) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevHash := ""
	if len(c.entries) > 0 {
		prevHash = c.entries[len(c.entries)-1].Hash
	}

	now := c.clock.Now()
	c.seq++
	entry := Entry{
		ID:             fmt.Sprintf("evt_%d_%d", now.UnixNano(), c.seq),
		Timestamp:      now.UTC(),
		Kind:           rec.Kind,
		SessionID:      rec.SessionID,
		PriorState:     rec.PriorState,
		NewState:       rec.NewState,
		Reason:         rec.Reason,
		AuthorityValid: rec.AuthorityValid,
		Detail:         rec.Detail,
		PrevHash:       prevHash,
	}

	hash, err := computeEntryHash(&entry)
	if err != nil {
		return nil, fmt.Errorf("audit: hash entry: %w", err)
	}
	entry.Hash = hash

	if c.sink != nil {
		if err := c.sink.Store(entry); err != nil {
			return nil, fmt.Errorf("audit: persist entry: %w", err)
		}
	}

	c.entries = append(c.entries, entry)
	c.logger.Info("audit",
		"kind", string(entry.Kind),
		"session_id", entry.SessionID,
		"prior", string(entry.PriorState),
		"new", string(entry.NewState),
		"reason", entry.Reason,
	)
	return &entry, nil
}

// VerifyChain recomputes every link and content hash. It returns false with
// a descriptive error on the first break.
func (c *Chain) VerifyChain() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return verifyEntries(c.entries)
}

// Entries returns a copy of all entries.
func (c *Chain) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// EntriesByKind returns a copy of the entries with the given kind.
func (c *Chain) EntriesByKind(kind Kind) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// EntriesForSession returns a copy of the entries for one session.
func (c *Chain) EntriesForSession(sessionID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// EntriesAfter returns a copy of the entries strictly after ts.
func (c *Chain) EntriesAfter(ts time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.Timestamp.After(ts) {
			out = append(out, e)
		}
	}
	return out
}

// HasExecutionAfter reports whether any execution step was recorded strictly
// after ts. Used by the silence-stops-execution acceptance property.
func (c *Chain) HasExecutionAfter(ts time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Kind == KindStepExecuted && e.Timestamp.After(ts) {
			return true
		}
	}
	return false
}

// Head returns the hash of the latest entry, or "" for an empty chain.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return ""
	}
	return c.entries[len(c.entries)-1].Hash
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func verifyEntries(entries []Entry) (bool, error) {
	for i := range entries {
		entry := entries[i]
		if i > 0 {
			if entry.PrevHash != entries[i-1].Hash {
				return false, fmt.Errorf("audit: chain broken at index %d: prev hash mismatch", i)
			}
		} else if entry.PrevHash != "" {
			return false, fmt.Errorf("audit: genesis entry has non-empty prev hash")
		}

		computed, err := computeEntryHash(&entry)
		if err != nil {
			return false, fmt.Errorf("audit: recompute hash at index %d: %w", i, err)
		}
		if computed != entry.Hash {
			return false, fmt.Errorf("audit: integrity failure at index %d: computed %s, stored %s", i, computed, entry.Hash)
		}
	}
	return true, nil
}

// computeEntryHash hashes the canonical JSON form of every field except Hash
// itself.
func computeEntryHash(e *Entry) (string, error) {
	data := map[string]interface{}{
		"id":              e.ID,
		"timestamp":       e.Timestamp,
		"kind":            e.Kind,
		"session_id":      e.SessionID,
		"prior_state":     e.PriorState,
		"new_state":       e.NewState,
		"reason":          e.Reason,
		"authority_valid": e.AuthorityValid,
		"detail":          e.Detail,
		"prev_hash":       e.PrevHash,
	}
	return canonicalize.CanonicalHash(data)
}

// BoolPtr is a convenience for the AuthorityValid field.
func BoolPtr(b bool) *bool { return &b }
