package logging

import "encoding/json"

// Event categories, mirroring the "category" field of an event-store row.
const (
	CategoryVM     = "vm"
	CategoryNet    = "net"
	CategoryDNS    = "dns"
	CategoryHTTP   = "http"
	CategoryAuth   = "auth"
	CategoryRPC    = "rpc"
	CategoryLog    = "log"
	CategorySystem = "system"
)

// Event is the structured record fanned out to every Sink.
// The event store additionally persists it; see internal/eventstore.
type Event struct {
	Timestamp    string          `json:"timestamp"`
	Category     string          `json:"category"`
	EventType    string          `json:"event_type"`
	VmID         string          `json:"vm_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}
