package audit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChainIntegrity is returned when chain verification fails. A broken
	// chain is a fatal trust failure: the exporter refuses to certify it.
	ErrChainIntegrity = errors.New("audit: chain integrity failure")
	// ErrEmptySelection is returned when the export request names nothing.
	ErrEmptySelection = errors.New("audit: export selection must name a session or time range")
)

// ExportRequest selects what to export: a single session, or a time range.
type ExportRequest struct {
	SessionID string    `json:"session_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Report is the structured compliance export. Complete is only ever true
// when the full chain verified.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	SessionID   string    `json:"session_id,omitempty"`
	EntryCount  int       `json:"entry_count"`
	ChainHead   string    `json:"chain_head"`
	Complete    bool      `json:"complete"`
	Entries     []Entry   `json:"entries"`
}

// Exporter produces compliance reports from a chain.
type Exporter struct {
	chain *Chain
	clock Clock
}

// NewExporter creates an exporter over the given chain.
func NewExporter(chain *Chain) *Exporter {
	return &Exporter{chain: chain, clock: wallClock{}}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(c Clock) *Exporter {
	if c != nil {
		e.clock = c
	}
	return e
}

// Export verifies the full chain, then emits the selected entries. If
// verification fails the export is refused outright: a partial or
// unverifiable log must never be certified as complete.
func (e *Exporter) Export(req ExportRequest) (*Report, error) {
	if req.SessionID == "" && req.StartTime.IsZero() && req.EndTime.IsZero() {
		return nil, ErrEmptySelection
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, fmt.Errorf("audit: start_time must not be after end_time")
	}

	if ok, err := e.chain.VerifyChain(); !ok {
		return nil, fmt.Errorf("%w: %v", ErrChainIntegrity, err)
	}

	var selected []Entry
	for _, entry := range e.chain.Entries() {
		if req.SessionID != "" && entry.SessionID != req.SessionID {
			continue
		}
		if !req.StartTime.IsZero() && entry.Timestamp.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && entry.Timestamp.After(req.EndTime) {
			continue
		}
		selected = append(selected, entry)
	}

	return &Report{
		GeneratedAt: e.clock.Now().UTC(),
		SessionID:   req.SessionID,
		EntryCount:  len(selected),
		ChainHead:   e.chain.Head(),
		Complete:    true,
		Entries:     selected,
	}, nil
}
