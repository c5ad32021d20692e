package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	events []*Event
	closed bool
}

func (m *memSink) Write(e *Event) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestEmitFanOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	e := NewEmitter(a, b)

	err := e.Emit(CategoryHTTP, "http.request", "GET /", Opts{VmID: "vm-1"}, map[string]string{"k": "v"})
	require.NoError(t, err)

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, "vm-1", a.events[0].VmID)
	assert.Equal(t, "http.request", a.events[0].EventType)
}

func TestNilEmitterSafe(t *testing.T) {
	var e *Emitter
	assert.NoError(t, e.Emit(CategoryLog, "x", "y", Opts{}, nil))
	assert.NoError(t, e.Close())
}

func TestEmitterClose(t *testing.T) {
	a := &memSink{}
	e := NewEmitter(a)
	require.NoError(t, e.Close())
	assert.True(t, a.closed)
}
