package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-tchannel/calltable"
	"mini-tchannel/fragment"
	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// idleConnection returns a connection whose loop is not running, so the test can drive
// the loop-owned state from its own goroutine.
func idleConnection(t *testing.T) *Connection {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return newConnection(a, Outbound, testOptions(t, ""))
}

func TestAbandonedResponseStreamIsForgotten(t *testing.T) {
	c := idleConnection(t)
	c.discard[1] = time.Now().Add(time.Hour) // left over from an earlier use of id 1

	deadline := time.Now().Add(50 * time.Millisecond)
	res := c.register(&registerReq{deadline: deadline, sink: func(calltable.Result) {}})
	require.NoError(t, res.err)
	require.Equal(t, uint32(1), res.id)
	assert.NotContains(t, c.discard, res.id, "a reallocated id must not swallow its new response")

	fr := &fragment.Fragmenter{Limits: protocol.Limits{MaxFrameSize: 128}}
	frames, err := fr.Fragment(fragment.Response, &message.CallEnvelope{ID: res.id, ServiceName: "svc", Arg3: make([]byte, 1000)})
	require.NoError(t, err)
	require.Greater(t, len(frames), 1)
	require.NoError(t, c.dispatch(frames[0]))

	c.resolve(resolveReq{id: res.id, err: protocol.ErrCancelled})
	require.Contains(t, c.discard, res.id)
	assert.Equal(t, 0, c.resAssembler.Len())

	// The peer honours the Cancel and never sends the rest of the stream.
	c.sweep(deadline)
	assert.Contains(t, c.discard, res.id)
	c.sweep(deadline.Add(discardGrace + time.Millisecond))
	assert.NotContains(t, c.discard, res.id)
}

func TestDiscardSwallowsRemainingFragments(t *testing.T) {
	c := idleConnection(t)
	res := c.register(&registerReq{deadline: time.Now().Add(time.Minute), sink: func(calltable.Result) {}})
	require.NoError(t, res.err)

	fr := &fragment.Fragmenter{Limits: protocol.Limits{MaxFrameSize: 128}}
	frames, err := fr.Fragment(fragment.Response, &message.CallEnvelope{ID: res.id, ServiceName: "svc", Arg3: make([]byte, 1000)})
	require.NoError(t, err)
	require.NoError(t, c.dispatch(frames[0]))
	c.resolve(resolveReq{id: res.id, err: protocol.ErrCancelled})

	for _, f := range frames[1:] {
		require.NoError(t, c.dispatch(f))
	}
	assert.NotContains(t, c.discard, res.id, "final fragment ends the discard")
	assert.Equal(t, 0, c.resAssembler.Len())
}
