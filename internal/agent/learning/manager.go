// internal/agent/learning/manager.go
package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/nexus-agent/internal/agent/bus"
	"github.com/xkilldash9x/nexus-agent/internal/agent/models"
	"github.com/xkilldash9x/nexus-agent/internal/agent/store"
	"github.com/xkilldash9x/nexus-agent/internal/config"
)

var (
	// ErrSessionNotFound is returned when a session id does not resolve to an
	// open session.
	ErrSessionNotFound = errors.New("learning session not found")
	// ErrInvalidTransition is returned when an operation is not legal in the
	// session's current state.
	ErrInvalidTransition = errors.New("operation not valid in current session state")
)

// expirySweepInterval bounds how stale a timed-out session can linger before
// the sweep loop notices it.
const expirySweepInterval = time.Second

// Session is an immutable snapshot of a learning session's state.
type Session struct {
	ID          string                  `json:"id"`
	State       models.SessionState     `json:"state"`
	Fingerprint models.Fingerprint      `json:"fingerprint"`
	Category    string                  `json:"category"`
	Prompt      string                  `json:"prompt"`
	Action      models.ActionDescriptor `json:"action,omitempty"`
	PatternID   string                  `json:"patternId,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	ExpiresAt   time.Time               `json:"expiresAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// session is the mutable record behind a snapshot. It is guarded by the
// manager's mutex; waiters are closed exactly once when the session reaches a
// terminal state.
type session struct {
	Session
	waiters []chan models.SessionState
}

// Manager owns the human-in-the-loop learning sessions. At most one session
// is open per fingerprint at any time; a second trigger for the same
// fingerprint joins the open session instead of starting another.
type Manager struct {
	logger *zap.Logger
	bus    *bus.Bus
	repo   store.Repository
	cfg    config.LearningConfig

	mu sync.Mutex
	// byID holds every non-terminal session; byFingerprint indexes them by
	// Fingerprint.String().
	byID          map[string]*session
	byFingerprint map[string]*session
}

// NewManager creates a session manager. The bus may be nil in tests.
func NewManager(repo store.Repository, b *bus.Bus, cfg config.LearningConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger:        logger.Named("learning"),
		bus:           b,
		repo:          repo,
		cfg:           cfg,
		byID:          make(map[string]*session),
		byFingerprint: make(map[string]*session),
	}
}

// Start runs the expiry sweep until the context is cancelled. Open sessions
// are cancelled on exit.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Learning manager started.", zap.Duration("session_timeout", m.cfg.SessionTimeout))
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.CancelAll()
			m.logger.Info("Learning manager stopped.")
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

// Trigger opens a learning session for an unrecognized fingerprint, or joins
// the session already open for it. The returned bool reports whether a new
// session was created.
//
// A trigger that arrives while the open session is validating cannot join the
// demonstration phase anymore; the caller is handed the existing snapshot and
// should re-observe once the session reaches a terminal state.
func (m *Manager) Trigger(ctx context.Context, fp models.Fingerprint, category string, obs models.Observation) (Session, bool, error) {
	if fp.IsEmpty() {
		return Session{}, false, fmt.Errorf("cannot open session for empty fingerprint")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byFingerprint[fp.String()]; ok {
		return existing.Session, false, nil
	}

	now := time.Now().UTC()
	s := &session{Session: Session{
		ID:          uuid.New().String(),
		State:       models.SessionAwaitingDemonstration,
		Fingerprint: fp,
		Category:    category,
		Prompt:      obs.RawText,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.SessionTimeout),
		UpdatedAt:   now,
	}}
	m.byID[s.ID] = s
	m.byFingerprint[fp.String()] = s

	m.logger.Info("Learning session opened.",
		zap.String("session_id", s.ID),
		zap.String("fingerprint", fp.Text),
		zap.String("category", category),
	)
	return s.Session, true, nil
}

// Get returns the current snapshot of an open session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.Session, nil
}

// Open reports whether a session is currently open for the fingerprint.
func (m *Manager) Open(fp models.Fingerprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byFingerprint[fp.String()]
	return ok
}

// Wait blocks until the session reaches a terminal state, returning that
// state. Unknown ids report the zero state with ErrSessionNotFound.
func (m *Manager) Wait(ctx context.Context, id string) (models.SessionState, error) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return "", ErrSessionNotFound
	}
	ch := make(chan models.SessionState, 1)
	s.waiters = append(s.waiters, ch)
	m.mu.Unlock()

	select {
	case state := <-ch:
		return state, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RecordDemonstration attaches the demonstrated action to the session. With
// confirmation required the session moves to validating and waits for
// Confirm; otherwise the pattern is committed immediately.
func (m *Manager) RecordDemonstration(ctx context.Context, id string, action models.ActionDescriptor) (Session, error) {
	if action == nil {
		return Session{}, fmt.Errorf("%w: no action recorded", models.ErrInvalidAction)
	}
	if err := action.Validate(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if s.State != models.SessionAwaitingDemonstration {
		snap := s.Session
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: session is %s", ErrInvalidTransition, snap.State)
	}
	s.Action = action
	s.State = models.SessionValidating
	s.UpdatedAt = time.Now().UTC()
	snap := s.Session
	m.mu.Unlock()

	m.logger.Info("Demonstration recorded.",
		zap.String("session_id", id),
		zap.String("action", action.Summary()),
	)

	if !m.cfg.RequireConfirmation {
		return m.Confirm(ctx, id, true)
	}
	return snap, nil
}

// Confirm accepts or rejects the recorded demonstration. Acceptance commits
// the pattern; rejection discards the action and reopens the demonstration
// phase with a fresh deadline.
func (m *Manager) Confirm(ctx context.Context, id string, accept bool) (Session, error) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if s.State != models.SessionValidating {
		snap := s.Session
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: session is %s", ErrInvalidTransition, snap.State)
	}

	now := time.Now().UTC()
	if !accept {
		s.Action = nil
		s.State = models.SessionAwaitingDemonstration
		s.ExpiresAt = now.Add(m.cfg.SessionTimeout)
		s.UpdatedAt = now
		snap := s.Session
		m.mu.Unlock()
		m.logger.Info("Demonstration rejected, awaiting another.", zap.String("session_id", id))
		return snap, nil
	}

	action := s.Action
	fp := s.Fingerprint
	category := s.Category
	m.mu.Unlock()

	patternID, err := m.commit(ctx, fp, category, action)
	if err != nil {
		m.emitAudit(ctx, models.AuditRecord{
			Timestamp: time.Now().UTC(),
			Kind:      models.AuditError,
			Severity:  models.SeverityError,
			Payload: map[string]any{
				"sessionId": id,
				"error":     err.Error(),
			},
		})
		return Session{}, fmt.Errorf("failed to commit pattern: %w", err)
	}

	snap := m.finish(id, models.SessionCommitted, patternID)
	m.emitEvent(ctx, models.Event{
		Name:      models.EventPatternLearned,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"sessionId":   id,
			"patternId":   patternID,
			"fingerprint": fp.Text,
			"category":    category,
			"action":      action.Summary(),
		},
	})
	m.logger.Info("Pattern committed.",
		zap.String("session_id", id),
		zap.String("pattern_id", patternID),
	)
	return snap, nil
}

// Cancel closes a session without writing anything.
func (m *Manager) Cancel(id string) (Session, error) {
	m.mu.Lock()
	if _, ok := m.byID[id]; !ok {
		m.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	m.mu.Unlock()

	snap := m.finish(id, models.SessionCancelled, "")
	m.logger.Info("Learning session cancelled.", zap.String("session_id", id))
	return snap, nil
}

// CancelAll closes every open session. Used during shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.finish(id, models.SessionCancelled, "")
	}
	if len(ids) > 0 {
		m.logger.Info("Cancelled open learning sessions.", zap.Int("count", len(ids)))
	}
}

// commit writes the learned pattern, retrying transient store failures. A
// duplicate fingerprint means a pattern appeared since the session opened;
// the demonstration refines it instead.
func (m *Manager) commit(ctx context.Context, fp models.Fingerprint, category string, action models.ActionDescriptor) (string, error) {
	p := models.Pattern{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		Action:      action,
		Category:    category,
		Confidence:  m.cfg.InitialConfidence,
		CreatedAt:   time.Now().UTC(),
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.TransportRetries; attempt++ {
		id, err := m.repo.Insert(ctx, p)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, store.ErrDuplicateFingerprint) {
			return m.refine(ctx, fp, category, action)
		}
		lastErr = err
		m.logger.Warn("Pattern insert failed, retrying.", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// refine replaces the action of the existing pattern for this fingerprint
// and lifts its confidence back to the learning seed if it had decayed below.
func (m *Manager) refine(ctx context.Context, fp models.Fingerprint, category string, action models.ActionDescriptor) (string, error) {
	existing, err := m.repo.Lookup(ctx, fp, category)
	if err != nil {
		return "", err
	}
	if len(existing) == 0 {
		return "", store.ErrNotFound
	}
	target := existing[0]
	mut := store.Mutation{Action: action}
	if target.Confidence < m.cfg.InitialConfidence {
		seed := m.cfg.InitialConfidence
		mut.Confidence = &seed
	}
	if err := m.repo.Update(ctx, target.ID, mut); err != nil {
		return "", err
	}
	m.logger.Info("Existing pattern refined by demonstration.", zap.String("pattern_id", target.ID))
	return target.ID, nil
}

// finish moves the session to a terminal state, removes it from the indexes,
// and releases waiters.
func (m *Manager) finish(id string, state models.SessionState, patternID string) Session {
	m.mu.Lock()
	s, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Session{}
	}
	s.State = state
	s.PatternID = patternID
	s.UpdatedAt = time.Now().UTC()
	delete(m.byID, id)
	delete(m.byFingerprint, s.Fingerprint.String())
	snap := s.Session
	waiters := s.waiters
	s.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- state
	}
	return snap
}

// sweepExpired times out sessions whose deadline has passed. No pattern is
// written; the expiry is recorded in the audit trail.
func (m *Manager) sweepExpired() {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []Session
	for _, s := range m.byID {
		if now.After(s.ExpiresAt) {
			expired = append(expired, s.Session)
		}
	}
	m.mu.Unlock()

	for _, snap := range expired {
		m.finish(snap.ID, models.SessionTimedOut, "")
		m.logger.Warn("Learning session timed out.",
			zap.String("session_id", snap.ID),
			zap.String("fingerprint", snap.Fingerprint.Text),
		)
		m.emitAudit(context.Background(), models.AuditRecord{
			Timestamp: now,
			Kind:      models.AuditError,
			Severity:  models.SeverityWarn,
			Payload: map[string]any{
				"sessionId":   snap.ID,
				"fingerprint": snap.Fingerprint.Text,
				"reason":      "session timeout",
			},
		})
	}
}

func (m *Manager) emitAudit(ctx context.Context, rec models.AuditRecord) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, models.TypeAudit, rec); err != nil && ctx.Err() == nil {
		m.logger.Warn("Failed to publish audit record", zap.Error(err))
	}
}

func (m *Manager) emitEvent(ctx context.Context, ev models.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, models.TypeEvent, ev); err != nil && ctx.Err() == nil {
		m.logger.Warn("Failed to publish event", zap.Error(err))
	}
}
