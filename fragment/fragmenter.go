// Package fragment splits call envelopes into frames and reassembles them.
//
// The three arguments are written as one logical stream, each with its own 32-bit length
// prefix, and the stream is cut into frame-sized slices:
//
//	stream:  arg1~4 | arg2~4 | arg3~4
//	frame 1: flags | ttl | service~2 | headers | stream[0:n1]       (CallRequest)
//	frame 2: flags | stream[n1:n2]                                  (CallRequestContinue)
//	...
//
// Argument boundaries need not line up with frame boundaries. Every frame except the last
// carries protocol.FlagMoreFragments.
package fragment

import (
	"fmt"

	"mini-tchannel/message"
	"mini-tchannel/protocol"
)

// Kind is the direction of a call stream.
type Kind int

const (
	Request Kind = iota
	Response
)

func (k Kind) String() string {
	if k == Request {
		return "request"
	}
	return "response"
}

func (k Kind) firstType() protocol.FrameType {
	if k == Request {
		return protocol.FrameCallRequest
	}
	return protocol.FrameCallResponse
}

func (k Kind) continueType() protocol.FrameType {
	if k == Request {
		return protocol.FrameCallRequestContinue
	}
	return protocol.FrameCallResponseContinue
}

// Classify maps a call frame type to its stream kind and whether it opens a call.
func Classify(t protocol.FrameType) (kind Kind, first bool, ok bool) {
	switch t {
	case protocol.FrameCallRequest:
		return Request, true, true
	case protocol.FrameCallRequestContinue:
		return Request, false, true
	case protocol.FrameCallResponse:
		return Response, true, true
	case protocol.FrameCallResponseContinue:
		return Response, false, true
	}
	return 0, false, false
}

// Fragmenter produces frames bounded by Limits, protected by Checksum.
type Fragmenter struct {
	Limits   protocol.Limits
	Checksum protocol.ChecksumType
}

// Fragment turns env into the ordered frames of one call stream.
func (f *Fragmenter) Fragment(kind Kind, env *message.CallEnvelope) ([]*protocol.Frame, error) {
	stream, err := encodeArgs(env)
	if err != nil {
		return nil, err
	}

	header := protocol.CallHeader{
		TTLMillis: env.TTLMillis(),
		Service:   env.ServiceName,
		Headers:   env.Headers,
	}
	trailer := f.Checksum.TrailerSize()
	maxPayload := f.Limits.MaxPayload()
	firstCap := maxPayload - header.EncodedLen() - trailer
	if firstCap <= 0 {
		return nil, fmt.Errorf("%w: call header of %d bytes leaves no room for arguments",
			protocol.ErrFrameTooLarge, header.EncodedLen())
	}
	contCap := maxPayload - 1 - trailer
	if contCap <= 0 {
		return nil, fmt.Errorf("%w: frame limit %d leaves no room for continuation bytes",
			protocol.ErrFrameTooLarge, f.Limits.MaxFrameSize)
	}

	frames := make([]*protocol.Frame, 0, 1+len(stream)/contCap)
	offset := 0
	for first := true; ; first = false {
		capacity := contCap
		if first {
			capacity = firstCap
		}
		end := min(offset+capacity, len(stream))
		more := end < len(stream)

		flags := f.Checksum.Flags()
		if more {
			flags |= protocol.FlagMoreFragments
		}

		w := protocol.NewWriteBuffer(end - offset + header.EncodedLen() + trailer)
		typ := kind.continueType()
		if first {
			h := header
			h.Flags = flags
			h.AppendTo(w)
			typ = kind.firstType()
		} else {
			w.WriteUint8(flags)
		}
		w.WriteBytes(stream[offset:end])
		if err := w.Err(); err != nil {
			return nil, err
		}
		payload, err := protocol.SealChecksum(w.Bytes())
		if err != nil {
			return nil, err
		}
		frames = append(frames, &protocol.Frame{Type: typ, ID: env.ID, Payload: payload})

		offset = end
		if !more {
			return frames, nil
		}
	}
}

func encodeArgs(env *message.CallEnvelope) ([]byte, error) {
	w := protocol.NewWriteBuffer(12 + len(env.Arg1) + len(env.Arg2) + len(env.Arg3))
	w.WriteLen32(env.Arg1)
	w.WriteLen32(env.Arg2)
	w.WriteLen32(env.Arg3)
	return w.Bytes(), w.Err()
}
