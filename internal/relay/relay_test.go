package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartianFinance/core/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	err    error
}

func (r *recorder) Send(event protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) all() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func TestRelayDeliversToAttachedChannel(t *testing.T) {
	r := New()
	ch := &recorder{}
	r.Attach("S1", ch)

	r.Relay("S1", protocol.StatusEvent("", protocol.StatusMessage{Step: "analyzing", Progress: 0.1}))
	events := ch.all()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventStatusUpdate, events[0].Type)
	assert.Equal(t, "S1", events[0].SessionID)
}

func TestRelayUnknownOrDetachedSessionIsNoop(t *testing.T) {
	r := New()
	ch := &recorder{}
	r.Attach("S1", ch)
	r.Detach("S1")

	assert.NotPanics(t, func() {
		r.Relay("S1", protocol.ResponseEvent("S1", protocol.AgentResponse{Type: protocol.ResponseText}))
		r.Relay("missing", protocol.ResponseEvent("missing", protocol.AgentResponse{Type: protocol.ResponseText}))
	})
	assert.Empty(t, ch.all())
	assert.False(t, r.Attached("S1"))
	assert.ErrorIs(t, r.Deliver("missing", protocol.Event{}), ErrUnknownSession)
}

func TestSecondAttachReplacesChannel(t *testing.T) {
	r := New()
	first, second := &recorder{}, &recorder{}
	r.Attach("S1", first)
	r.Attach("S1", second)
	assert.Equal(t, 1, r.Len())

	r.Relay("S1", protocol.Event{Type: protocol.EventAck})
	assert.Empty(t, first.all())
	assert.Len(t, second.all(), 1)
}

func TestRelaySwallowsChannelFailures(t *testing.T) {
	r := New()
	r.Attach("S1", &recorder{err: errors.New("broken pipe")})
	r.Attach("S2", ChannelFunc(func(protocol.Event) error { panic("closed channel") }))

	assert.NotPanics(t, func() {
		r.Relay("S1", protocol.Event{Type: protocol.EventAck})
		r.Relay("S2", protocol.Event{Type: protocol.EventAck})
	})
}
