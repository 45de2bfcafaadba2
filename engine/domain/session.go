package domain

import "time"

// Session lifecycle states.
const (
	SessionBuilding = "building"
	SessionReady    = "ready"
	SessionError    = "error"
)

// SessionRequest is the scope of a session: which services, which signals,
// and the inclusive time window. An empty Services list means all services.
type SessionRequest struct {
	Services    []string  `json:"services"`
	SignalTypes []Signal  `json:"signal_types"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
}

// ColumnInfo describes one column of a materialized session table.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableManifest describes one non-empty table in a session store.
type TableManifest struct {
	RowCount   int64            `json:"row_count"`
	Columns    []ColumnInfo     `json:"columns"`
	SampleRows []map[string]any `json:"sample_rows"`
}

// Manifest maps session table names to their descriptions. Built once when a
// session becomes ready; consumed by downstream SQL generation.
type Manifest map[string]TableManifest

// ConversationTurn is one exchange recorded against a session.
type ConversationTurn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is a descriptor owned by the registry. Status moves building to
// ready or error exactly once. Only the owner may observe or mutate it.
type Session struct {
	ID           string             `json:"id"`
	Owner        string             `json:"user"`
	Status       string             `json:"status"`
	Services     []string           `json:"services"`
	SignalTypes  []Signal           `json:"signal_types"`
	Start        time.Time          `json:"start_time"`
	End          time.Time          `json:"end_time"`
	CreatedAt    time.Time          `json:"created_at"`
	Counts       map[string]int64   `json:"counts,omitempty"`
	Manifest     Manifest           `json:"manifest,omitempty"`
	Error        string             `json:"error,omitempty"`
	Conversation []ConversationTurn `json:"conversation,omitempty"`
}

// Clone returns a deep enough copy for handing descriptors out of the
// registry without exposing its internal state to mutation.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Services = append([]string(nil), s.Services...)
	cp.SignalTypes = append([]Signal(nil), s.SignalTypes...)
	cp.Conversation = append([]ConversationTurn(nil), s.Conversation...)
	if s.Counts != nil {
		cp.Counts = make(map[string]int64, len(s.Counts))
		for k, v := range s.Counts {
			cp.Counts[k] = v
		}
	}
	if s.Manifest != nil {
		cp.Manifest = make(Manifest, len(s.Manifest))
		for k, v := range s.Manifest {
			cp.Manifest[k] = v
		}
	}
	return &cp
}
