package api

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aural-labs/selfsession/pkg/audit"
	"github.com/aural-labs/selfsession/pkg/authority"
	"github.com/aural-labs/selfsession/pkg/config"
	"github.com/aural-labs/selfsession/pkg/confirmation"
	"github.com/aural-labs/selfsession/pkg/contracts"
	"github.com/aural-labs/selfsession/pkg/session"
)

// DefaultLane is used when a start request names no lane.
const DefaultLane = "default"

var (
	// ErrLaneBusy is returned when a lane already holds a live session.
	ErrLaneBusy = errors.New("lane already holds a live session")
	// ErrUnknownSession is returned for session ids the manager does not
	// hold.
	ErrUnknownSession = errors.New("unknown session")
)

// LaneManager enforces one live session per lane and owns the shared
// collaborators every session is built on.
type LaneManager struct {
	mu sync.Mutex

	cfg     *config.Config
	chain   *audit.Chain
	auth    *authority.Manager
	confirm *confirmation.Manager
	signer  *authority.WireSigner
	exec    session.Executor
	clock   session.Clock
	logger  *slog.Logger

	lanes map[string]*session.Session
	byID  map[string]*session.Session
}

// NewLaneManager wires a manager. Signer and executor may be nil.
func NewLaneManager(cfg *config.Config, chain *audit.Chain, auth *authority.Manager,
	confirm *confirmation.Manager, signer *authority.WireSigner,
	exec session.Executor, clock session.Clock, logger *slog.Logger) *LaneManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LaneManager{
		cfg:     cfg,
		chain:   chain,
		auth:    auth,
		confirm: confirm,
		signer:  signer,
		exec:    exec,
		clock:   clock,
		logger:  logger,
		lanes:   make(map[string]*session.Session),
		byID:    make(map[string]*session.Session),
	}
}

func live(s *session.Session) bool {
	switch s.State() {
	case contracts.StateRequested, contracts.StateConsentGranted,
		contracts.StateExecuting, contracts.StateCheckpointPending,
		contracts.StatePaused:
		return true
	default:
		return false
	}
}

// StartSession creates a Requested session on the given lane. Per-request
// TTL and silence overrides must sit inside the configured hard bounds.
func (m *LaneManager) StartSession(req contracts.StartSessionRequest) (*session.Session, error) {
	lane := req.Lane
	if lane == "" {
		lane = DefaultLane
	}

	ttl := m.cfg.SessionTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl < config.MinSessionTTL || ttl > config.MaxSessionTTL {
			return nil, fmt.Errorf("ttl %s outside [%s, %s]", ttl, config.MinSessionTTL, config.MaxSessionTTL)
		}
	}
	silence := m.cfg.SilenceTimeout
	if req.SilenceTimeoutSeconds > 0 {
		silence = time.Duration(req.SilenceTimeoutSeconds) * time.Second
		if silence < config.MinSilenceTimeout || silence > config.MaxSilenceTimeout {
			return nil, fmt.Errorf("silence timeout %s outside [%s, %s]", silence, config.MinSilenceTimeout, config.MaxSilenceTimeout)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.lanes[lane]; ok && live(existing) {
		return nil, fmt.Errorf("%w: %s", ErrLaneBusy, lane)
	}

	sess, err := session.New(session.Config{
		Lane:           lane,
		Context:        req.Context,
		Capabilities:   req.Capabilities,
		TTL:            ttl,
		SilenceTimeout: silence,
		Chain:          m.chain,
		Authority:      m.auth,
		Confirmations:  m.confirm,
		Executor:       m.exec,
		Signer:         m.signer,
		Clock:          m.clock,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}

	m.lanes[lane] = sess
	m.byID[sess.ID()] = sess
	m.logger.Info("session started", "session_id", sess.ID(), "lane", lane)
	return sess, nil
}

// Get returns the session with the given id.
func (m *LaneManager) Get(sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return sess, nil
}

// Sessions returns every session the manager holds.
func (m *LaneManager) Sessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.byID))
	for _, sess := range m.byID {
		out = append(out, sess)
	}
	return out
}

// PollAll runs timer-driven transitions on every session. Called from the
// server's poll loop.
func (m *LaneManager) PollAll(now time.Time) {
	for _, sess := range m.Sessions() {
		if err := sess.Poll(now); err != nil {
			m.logger.Error("session poll failed", "session_id", sess.ID(), "error", err)
		}
	}
}

// TerminateAll is the external-termination hook for server shutdown: every
// live session halts before the process exits.
func (m *LaneManager) TerminateAll(reason string) {
	for _, sess := range m.Sessions() {
		if err := sess.OnExternalTermination(reason); err != nil {
			m.logger.Error("session termination failed", "session_id", sess.ID(), "error", err)
		}
	}
}
