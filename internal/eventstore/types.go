package eventstore

import "encoding/json"

// PersistMode controls what emit() writes to SQLite; stdout logging
// always happens regardless of mode.
type PersistMode int

const (
	// PersistAll persists every event (the default).
	PersistAll PersistMode = iota
	// PersistStructured persists everything except plain "log" events.
	PersistStructured
	// PersistNone disables SQLite writes; events still reach stdout.
	PersistNone
)

// PersistModeFromEnv maps CLAWPOT_EVENTS_PERSIST to a PersistMode,
// defaulting to PersistAll for any unrecognized or empty value.
func PersistModeFromEnv(value string) PersistMode {
	switch value {
	case "structured":
		return PersistStructured
	case "none":
		return PersistNone
	default:
		return PersistAll
	}
}

func (m PersistMode) shouldPersist(eventType string) bool {
	switch m {
	case PersistAll:
		return true
	case PersistStructured:
		return eventType != "log"
	default:
		return false
	}
}

// SessionInfo summarizes one server run for the CLI/list surface.
type SessionInfo struct {
	ID            string
	StartedAt     string
	StoppedAt     *string
	ServerVersion string
	EventCount    int64
}

// Event is one persisted row, decoded back out for the query surface.
type Event struct {
	ID            int64
	SessionID     string
	Timestamp     string
	Category      string
	EventType     string
	VmID          *string
	CorrelationID *string
	DurationMS    *int64
	Success       *bool
	Data          json.RawMessage
}

// Filters narrows a query_events call. Zero value matches everything.
type Filters struct {
	SessionID string
	VmID      string
	Category  string
	EventType string
	Limit     int
}
