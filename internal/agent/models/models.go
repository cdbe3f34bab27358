// internal/agent/models/models.go
package models

import (
	"strings"
	"time"
)

// MessageType defines the categories of messages on the agent bus.
type MessageType string

const (
	// TypeAudit carries AuditRecord payloads to the audit sink.
	TypeAudit MessageType = "AGENT_AUDIT"
	// TypeEvent carries Event payloads to the webhook dispatcher.
	TypeEvent MessageType = "AGENT_EVENT"
)

// ObservationSource identifies where an observation was captured.
type ObservationSource string

const (
	SourcePanel    ObservationSource = "panel"
	SourceTerminal ObservationSource = "terminal"
)

// UIContext is an optional structured descriptor of the UI element that
// produced an observation.
type UIContext struct {
	Role   string `json:"role"`
	Label  string `json:"label,omitempty"`
	Region Region `json:"region,omitempty"`
}

// Region is the bounding box of a UI element in screen coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Observation is a single timestamped snapshot of panel or terminal content.
// Observations are ephemeral: they are consumed once by the fingerprint
// extractor and never persisted; only the derived Fingerprint survives in
// audit trails.
type Observation struct {
	Source    ObservationSource `json:"source"`
	RawText   string            `json:"rawText"`
	UIContext *UIContext        `json:"uiContext,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Fingerprint is the normalized, comparable key derived from an Observation.
// It is a value type and safe to use as a map key. Two observations
// expressing the same actionable prompt must produce equal Fingerprints.
type Fingerprint struct {
	// Text is the whitespace-collapsed, case-folded, redacted prompt text.
	Text string `json:"text"`
	// Tag is the structural signature derived from the UI context role.
	Tag string `json:"tag,omitempty"`
}

// IsEmpty reports whether the fingerprint carries no usable content.
// Malformed observations normalize to the empty fingerprint.
func (f Fingerprint) IsEmpty() bool { return f.Text == "" }

// String renders the fingerprint as a single stable key.
func (f Fingerprint) String() string {
	if f.Tag == "" {
		return f.Text
	}
	return f.Text + "\x1f" + f.Tag
}

// Pattern is the persisted unit of learned behavior: a fingerprint mapped to
// an action, with confidence and provenance. Patterns are owned exclusively
// by the pattern store; all mutation goes through store operations.
type Pattern struct {
	ID          string           `json:"id"`
	Fingerprint Fingerprint      `json:"fingerprint"`
	Action      ActionDescriptor `json:"action"`
	Category    string           `json:"category"`
	Confidence  float64          `json:"confidence"`
	CreatedAt   time.Time        `json:"createdAt"`
	LastUsedAt  time.Time        `json:"lastUsedAt,omitempty"`
	UseCount    int              `json:"useCount"`
}

// DecisionKind enumerates the matcher's verdicts.
type DecisionKind string

const (
	DecisionKnown     DecisionKind = "known"
	DecisionAmbiguous DecisionKind = "ambiguous"
	DecisionUnknown   DecisionKind = "unknown"
)

// Candidate pairs a pattern with its similarity score against a fingerprint.
type Candidate struct {
	Pattern Pattern `json:"pattern"`
	Score   float64 `json:"score"`
}

// Decision is the matcher's output for one fingerprint.
//   - Known: Pattern and Confidence are set.
//   - Ambiguous: Candidates holds the contenders, best first.
//   - Unknown: nothing matched above the threshold.
type Decision struct {
	Kind       DecisionKind `json:"kind"`
	Pattern    *Pattern     `json:"pattern,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
	Candidates []Candidate  `json:"candidates,omitempty"`
}

// SessionState enumerates the learning session state machine. Sessions open
// directly in AwaitingDemonstration; the trigger is the entry transition, not
// a resting state.
type SessionState string

const (
	SessionAwaitingDemonstration SessionState = "awaiting_demonstration"
	SessionValidating            SessionState = "validating"
	SessionCommitted             SessionState = "committed"
	SessionCancelled             SessionState = "cancelled"
	SessionTimedOut              SessionState = "timed_out"
)

// Terminal reports whether the state ends a session.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCommitted, SessionCancelled, SessionTimedOut:
		return true
	}
	return false
}

// AuditKind classifies audit records.
type AuditKind string

const (
	AuditObservationProcessed AuditKind = "ObservationProcessed"
	AuditActionExecuted       AuditKind = "ActionExecuted"
	AuditPatternLearned       AuditKind = "PatternLearned"
	AuditError                AuditKind = "Error"
)

// Severity is the audit record level. Values mirror log levels so records
// can be filtered with the same vocabulary.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

var severityRank = map[Severity]int{
	SeverityInfo:  0,
	SeverityWarn:  1,
	SeverityError: 2,
}

// AtLeast reports whether s is at or above the given minimum level. Both
// sides are case-folded; unrecognized levels rank as info.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[foldSeverity(s)] >= severityRank[foldSeverity(min)]
}

// ParseSeverity folds a level string to its canonical form, reporting whether
// it names a known level.
func ParseSeverity(v string) (Severity, bool) {
	s := foldSeverity(Severity(v))
	_, ok := severityRank[s]
	return s, ok
}

func foldSeverity(s Severity) Severity {
	return Severity(strings.ToLower(string(s)))
}

// AuditRecord is one append-only entry in the audit trail. Records are never
// mutated after emission.
type AuditRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      AuditKind      `json:"kind"`
	Severity  Severity       `json:"severity"`
	CallerID  string         `json:"callerId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventName identifies an outward-facing webhook event.
type EventName string

const (
	EventAgentStarted   EventName = "agent.started"
	EventActionExecuted EventName = "action.executed"
	EventPatternLearned EventName = "pattern.learned"
	EventErrorOccurred  EventName = "error.occurred"
)

// Event is the envelope delivered to configured webhook endpoints.
type Event struct {
	Name      EventName      `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// RunState is the process-wide agent lifecycle state.
type RunState string

const (
	RunStopped RunState = "stopped"
	RunActive  RunState = "active"
	RunPaused  RunState = "paused"
)

// Status is the snapshot served by the control surface.
type Status struct {
	State           RunState  `json:"status"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	UptimeSeconds   float64   `json:"uptime"`
	ActionsExecuted int64     `json:"actionsExecuted"`
	PatternsLearned int       `json:"patternsLearned"`
	LastAction      string    `json:"lastAction,omitempty"`
}
