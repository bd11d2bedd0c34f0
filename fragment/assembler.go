package fragment

import (
	"fmt"
	"time"

	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

type partial struct {
	header *protocol.CallHeader
	buf    []byte
	frames int
}

// Assembler rebuilds call envelopes of one stream kind from their frames.
//
// Fragments of the same id arrive in order (the stream is ordered), so they are appended
// as they come. Fragments of different ids interleave freely. Not goroutine safe.
type Assembler struct {
	kind        Kind
	maxCallSize int
	partials    map[uint32]*partial
}

// NewAssembler returns an Assembler for kind. maxCallSize bounds the buffered argument
// bytes of a single call; zero means unbounded.
func NewAssembler(kind Kind, maxCallSize int) *Assembler {
	return &Assembler{
		kind:        kind,
		maxCallSize: maxCallSize,
		partials:    make(map[uint32]*partial),
	}
}

// Add consumes one frame. It returns the envelope once the final fragment arrives and
// nil while more fragments are expected. Any error is a protocol violation.
func (a *Assembler) Add(f *protocol.Frame) (*message.CallEnvelope, error) {
	kind, first, ok := Classify(f.Type)
	if !ok || kind != a.kind {
		return nil, &protocol.ProtocolError{
			Kind: protocol.OutOfSequence,
			Msg:  fmt.Sprintf("%v frame for call %d on %v stream", f.Type, f.ID, a.kind),
		}
	}
	body, err := protocol.StripChecksum(f.Payload)
	if err != nil {
		return nil, err
	}

	r := protocol.NewReadBuffer(body)
	p := a.partials[f.ID]
	var flags byte
	if first {
		if p != nil {
			delete(a.partials, f.ID)
			return nil, &protocol.ProtocolError{
				Kind: protocol.OutOfSequence,
				Msg:  fmt.Sprintf("%v for call %d while %d fragments are still open", f.Type, f.ID, p.frames),
			}
		}
		header, err := protocol.ReadCallHeader(r)
		if err != nil {
			return nil, err
		}
		p = &partial{header: header}
		flags = header.Flags
	} else {
		if p == nil {
			return nil, &protocol.ProtocolError{
				Kind: protocol.OutOfSequence,
				Msg:  fmt.Sprintf("%v for call %d without an open call", f.Type, f.ID),
			}
		}
		flags = r.ReadUint8()
	}

	chunk := r.Rest()
	if a.maxCallSize > 0 && len(p.buf)+len(chunk) > a.maxCallSize {
		delete(a.partials, f.ID)
		return nil, &protocol.ProtocolError{
			Kind: protocol.Malformed,
			Msg:  fmt.Sprintf("call %d exceeds %d argument bytes", f.ID, a.maxCallSize),
		}
	}
	p.buf = append(p.buf, chunk...)
	p.frames++

	if flags&protocol.FlagMoreFragments != 0 {
		a.partials[f.ID] = p
		return nil, nil
	}
	delete(a.partials, f.ID)
	return p.envelope(f.ID)
}

// Drop discards any partial state for id, e.g. after the peer reported an error for it.
// It reports whether a partial call was open.
func (a *Assembler) Drop(id uint32) bool {
	_, ok := a.partials[id]
	delete(a.partials, id)
	return ok
}

// Len returns the number of calls with fragments still outstanding.
func (a *Assembler) Len() int {
	return len(a.partials)
}

func (p *partial) envelope(id uint32) (*message.CallEnvelope, error) {
	r := protocol.NewReadBuffer(p.buf)
	arg1 := r.ReadLen32()
	arg2 := r.ReadLen32()
	arg3 := r.ReadLen32()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, &protocol.ProtocolError{
			Kind: protocol.Malformed,
			Msg:  fmt.Sprintf("call %d has %d bytes after arg3", id, r.Remaining()),
		}
	}
	return &message.CallEnvelope{
		ID:          id,
		ServiceName: p.header.Service,
		Headers:     p.header.Headers,
		Arg1:        arg1,
		Arg2:        arg2,
		Arg3:        arg3,
		TTL:         time.Duration(p.header.TTLMillis) * time.Millisecond,
		Flags:       p.header.Flags &^ protocol.FlagMoreFragments,
	}, nil
}
