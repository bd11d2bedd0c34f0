// Package protocol implements the binary frame codec for mini-tchannel.
//
// Every unit on the wire is a frame: a fixed 7-byte header followed by a typed payload.
// The size field covers the whole frame, so a receiver always knows how many bytes it
// must accumulate before the frame can be interpreted.
//
// Frame format:
//
//	0     2    3          7
//	┌─────┬────┬──────────┬──────────────────────┐
//	│size │type│    id    │   payload ...        │
//	│ u16 │ u8 │   u32    │   size-7 bytes       │
//	└─────┴────┴──────────┴──────────────────────┘
//
// All integers are big-endian (network byte order).
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is size(2) + type(1) + id(4).
	HeaderSize = 7
	// MaxFrameSize is the hard ceiling imposed by the 16-bit size field.
	MaxFrameSize = math.MaxUint16
	// MaxPayloadSize is the largest payload that fits a MaxFrameSize frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize
	// Version is the protocol version exchanged in the Init handshake.
	Version uint16 = 2
)

// FrameType identifies how a frame payload is laid out.
type FrameType byte

const (
	FrameInitRequest          FrameType = 0x01
	FrameInitResponse         FrameType = 0x02
	FrameCallRequest          FrameType = 0x03
	FrameCallResponse         FrameType = 0x04
	FrameCallRequestContinue  FrameType = 0x13
	FrameCallResponseContinue FrameType = 0x14
	FrameCancel               FrameType = 0xc0
	FramePingRequest          FrameType = 0xd0
	FramePingResponse         FrameType = 0xd1
	FrameError                FrameType = 0xff
)

var frameTypeNames = map[FrameType]string{
	FrameInitRequest:          "InitRequest",
	FrameInitResponse:         "InitResponse",
	FrameCallRequest:          "CallRequest",
	FrameCallResponse:         "CallResponse",
	FrameCallRequestContinue:  "CallRequestContinue",
	FrameCallResponseContinue: "CallResponseContinue",
	FrameCancel:               "Cancel",
	FramePingRequest:          "PingRequest",
	FramePingResponse:         "PingResponse",
	FrameError:                "Error",
}

// Valid reports whether t is one of the known frame types.
func (t FrameType) Valid() bool {
	_, ok := frameTypeNames[t]
	return ok
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FrameType(0x%02x)", byte(t))
}

// IsCall reports whether frames of this type carry a call payload (flags byte first).
func (t FrameType) IsCall() bool {
	switch t {
	case FrameCallRequest, FrameCallResponse, FrameCallRequestContinue, FrameCallResponseContinue:
		return true
	}
	return false
}

// Frame is one decoded wire frame. The size field is derived from the payload length.
type Frame struct {
	Type    FrameType
	ID      uint32 // Call correlation key, 0 for connection-level frames
	Payload []byte
}

// Size returns the number of bytes the frame occupies on the wire.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%v[id=%d size=%d]", f.Type, f.ID, f.Size())
}

// Limits bounds frame sizes for one codec instance.
type Limits struct {
	MaxFrameSize int
}

// DefaultLimits uses the full 16-bit frame ceiling.
func DefaultLimits() Limits {
	return Limits{MaxFrameSize: MaxFrameSize}
}

func (l Limits) maxFrame() int {
	if l.MaxFrameSize <= 0 || l.MaxFrameSize > MaxFrameSize {
		return MaxFrameSize
	}
	return l.MaxFrameSize
}

// MaxPayload returns the payload capacity of one frame under these limits.
func (l Limits) MaxPayload() int {
	return l.maxFrame() - HeaderSize
}

// Encode serialises f with the default limits.
func Encode(f *Frame) ([]byte, error) {
	return DefaultLimits().Encode(f)
}

// Encode serialises f into a freshly allocated buffer.
func (l Limits) Encode(f *Frame) ([]byte, error) {
	size := f.Size()
	if size > l.maxFrame() {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, size, l.maxFrame())
	}
	if !f.Type.Valid() {
		return nil, &ProtocolError{Kind: InvalidType, Msg: f.Type.String()}
	}
	if f.Type.IsCall() && len(f.Payload) == 0 {
		return nil, &ProtocolError{Kind: Malformed, Msg: "call frame without flags"}
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[3:7], f.ID)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// WriteFrame encodes f and writes it with a single Write call.
// The caller must serialise concurrent writers on the same stream, otherwise frames from
// different calls interleave mid-frame and corrupt the stream.
func WriteFrame(w io.Writer, f *Frame, limits Limits) error {
	buf, err := limits.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
