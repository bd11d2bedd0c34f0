// Package calltable tracks the in-flight outbound calls of one connection.
//
// The table is owned by the connection's processing goroutine and is not goroutine safe.
// Every call leaves the table exactly once, through Resolve, Cancel, ExpireOverdue or
// FailAll, and its sink is invoked exactly once at that moment.
package calltable

import (
	"fmt"
	"math"
	"time"

	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// State is the lifecycle position of a pending call.
type State int

const (
	Sending State = iota
	AwaitingResponse
	Completed
	Failed
	Expired
)

func (s State) String() string {
	switch s {
	case Sending:
		return "sending"
	case AwaitingResponse:
		return "awaiting-response"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is what a pending call resolves to: a response envelope or an error.
type Result struct {
	Envelope *message.CallEnvelope
	Err      error
}

// Sink receives the result of a call. It must not block.
type Sink func(Result)

// PendingCall is the bookkeeping for one outbound call.
type PendingCall struct {
	ID       uint32
	Deadline time.Time // Zero means no deadline
	State    State

	sink  Sink
	index int // position in the deadline heap, -1 when absent
}

// Table correlates outbound call ids with their pending calls.
type Table struct {
	calls  map[uint32]*PendingCall
	byTime deadlineHeap
	lastID uint32
	maxID  uint32 // ids are allocated from [1, maxID]
}

// New returns an empty table using the full 32-bit id space.
func New() *Table {
	return &Table{
		calls: make(map[uint32]*PendingCall),
		maxID: math.MaxUint32,
	}
}

// Len returns the number of pending calls.
func (t *Table) Len() int {
	return len(t.calls)
}

// Get returns the pending call for id, if any.
func (t *Table) Get(id uint32) (*PendingCall, bool) {
	call, ok := t.calls[id]
	return call, ok
}

// Allocate returns the next free id after the last one handed out. Id 0 is reserved for
// connection-level frames and is never returned. After wrapping around, ids still pending
// are skipped.
func (t *Table) Allocate() (uint32, error) {
	if uint64(len(t.calls)) >= uint64(t.maxID) {
		return 0, protocol.ErrResourceExhausted
	}
	id := t.lastID
	for i := uint64(0); i < uint64(t.maxID); i++ {
		if id >= t.maxID {
			id = 1
		} else {
			id++
		}
		if _, busy := t.calls[id]; !busy {
			t.lastID = id
			return id, nil
		}
	}
	return 0, protocol.ErrResourceExhausted
}

// Register inserts a pending call in the Sending state.
func (t *Table) Register(id uint32, deadline time.Time, sink Sink) (*PendingCall, error) {
	if _, exists := t.calls[id]; exists {
		return nil, fmt.Errorf("%w: %d", protocol.ErrDuplicateCallID, id)
	}
	call := &PendingCall{
		ID:       id,
		Deadline: deadline,
		State:    Sending,
		sink:     sink,
		index:    -1,
	}
	t.calls[id] = call
	if !deadline.IsZero() {
		t.byTime.add(call)
	}
	return call, nil
}

// MarkSent moves a call from Sending to AwaitingResponse.
func (t *Table) MarkSent(id uint32) {
	if call, ok := t.calls[id]; ok && call.State == Sending {
		call.State = AwaitingResponse
	}
}

// Resolve removes the call and delivers res to its sink. Resolving an absent id, e.g. a
// late response after expiry, is a no-op and reports false.
func (t *Table) Resolve(id uint32, res Result) bool {
	state := Completed
	if res.Err != nil {
		state = Failed
	}
	return t.finish(id, state, res)
}

// Cancel resolves the call with protocol.ErrCancelled.
func (t *Table) Cancel(id uint32) bool {
	return t.finish(id, Failed, Result{Err: protocol.ErrCancelled})
}

// ExpireOverdue resolves every call whose deadline is at or before now with
// protocol.ErrTimeout and returns how many expired.
func (t *Table) ExpireOverdue(now time.Time) int {
	n := 0
	for {
		call := t.byTime.peek()
		if call == nil || call.Deadline.After(now) {
			return n
		}
		t.finish(call.ID, Expired, Result{Err: protocol.ErrTimeout})
		n++
	}
}

// NextDeadline returns the earliest pending deadline.
func (t *Table) NextDeadline() (time.Time, bool) {
	call := t.byTime.peek()
	if call == nil {
		return time.Time{}, false
	}
	return call.Deadline, true
}

// FailAll resolves every pending call with err and returns how many there were.
func (t *Table) FailAll(err error) int {
	n := 0
	for id := range t.calls {
		t.finish(id, Failed, Result{Err: err})
		n++
	}
	return n
}

func (t *Table) finish(id uint32, state State, res Result) bool {
	call, ok := t.calls[id]
	if !ok {
		return false
	}
	delete(t.calls, id)
	t.byTime.remove(call)
	call.State = state
	if call.sink != nil {
		call.sink(res)
	}
	return true
}
