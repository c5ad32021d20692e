package logging

import (
	"encoding/json"
	"time"

	"github.com/clawpot/clawpotd/internal/errx"
)

// Emitter fans structured events out to every registered sink.
//
// A nil *Emitter is safe to hold; callers guard emission with:
//
//	if emitter != nil {
//	    _ = emitter.Emit(...)
//	}
type Emitter struct {
	sinks []Sink
}

// NewEmitter creates an emitter dispatching to the given sinks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Opts carries the optional fields of an emitted event.
type Opts struct {
	VmID          string
	CorrelationID string
	Duration      *time.Duration
	Success       *bool
}

// Emit constructs an event and writes it to all registered sinks.
// Returns the first error encountered; callers typically discard it.
func (e *Emitter) Emit(category, eventType, summary string, opts Opts, data interface{}) error {
	if e == nil {
		return nil
	}
	var rawData json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		rawData = b
	}

	var durMS *int64
	if opts.Duration != nil {
		ms := opts.Duration.Milliseconds()
		durMS = &ms
	}

	event := &Event{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Category:      category,
		EventType:     eventType,
		VmID:          opts.VmID,
		CorrelationID: opts.CorrelationID,
		DurationMS:    durMS,
		Success:       opts.Success,
		Summary:       summary,
		Data:          rawData,
	}

	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Log is the free-text convenience wrapper.
func (e *Emitter) Log(category, vmID, message string) error {
	return e.Emit(category, "log", message, Opts{VmID: vmID}, nil)
}

// Close closes all sinks. Returns the first error encountered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	for _, sink := range e.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
