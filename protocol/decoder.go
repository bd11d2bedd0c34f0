package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Decode parses one frame from the front of b using the default limits.
func Decode(b []byte) (*Frame, int, error) {
	return DefaultLimits().Decode(b)
}

// Decode parses one frame from the front of b and returns it together with the number of
// bytes consumed. It never blocks: when b holds fewer bytes than the declared size it
// returns ErrNeedMoreBytes and the caller keeps accumulating.
//
// Call frames have their checksum trailer verified here; the returned payload still
// contains the trailer so that Encode(Decode(b)) reproduces b exactly.
func (l Limits) Decode(b []byte) (*Frame, int, error) {
	if len(b) < 2 {
		return nil, 0, ErrNeedMoreBytes
	}
	size := int(binary.BigEndian.Uint16(b[0:2]))
	if size < HeaderSize {
		return nil, 0, &ProtocolError{Kind: InvalidSize, Msg: fmt.Sprintf("size %d below header size", size)}
	}
	if size > l.maxFrame() {
		return nil, 0, &ProtocolError{Kind: InvalidSize, Msg: fmt.Sprintf("size %d over limit %d", size, l.maxFrame())}
	}
	if len(b) < size {
		return nil, 0, ErrNeedMoreBytes
	}

	typ := FrameType(b[2])
	if !typ.Valid() {
		return nil, 0, &ProtocolError{Kind: InvalidType, Msg: typ.String()}
	}

	payload := make([]byte, size-HeaderSize)
	copy(payload, b[HeaderSize:size])
	f := &Frame{
		Type:    typ,
		ID:      binary.BigEndian.Uint32(b[3:7]),
		Payload: payload,
	}
	if typ.IsCall() {
		if _, err := VerifyChecksum(payload); err != nil {
			return nil, 0, err
		}
	}
	return f, size, nil
}

// Decoder accumulates stream bytes and yields complete frames. It is not goroutine safe.
type Decoder struct {
	limits Limits
	buf    []byte
}

// NewDecoder returns a Decoder enforcing limits.
func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed appends bytes that arrived from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, or ErrNeedMoreBytes.
func (d *Decoder) Next() (*Frame, error) {
	f, n, err := d.limits.Decode(d.buf)
	if err != nil {
		return nil, err
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return f, nil
}

// FrameReader pulls bytes from an io.Reader through a Decoder. Only one goroutine may read.
type FrameReader struct {
	r       io.Reader
	dec     *Decoder
	scratch []byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader, limits Limits) *FrameReader {
	return &FrameReader{
		r:       r,
		dec:     NewDecoder(limits),
		scratch: make([]byte, 32*1024),
	}
}

// ReadFrame blocks until a full frame is available or the reader fails. A stream that ends
// in the middle of a frame reports io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	for {
		f, err := fr.dec.Next()
		if err == nil {
			return f, nil
		}
		if err != ErrNeedMoreBytes {
			return nil, err
		}
		n, rerr := fr.r.Read(fr.scratch)
		if n > 0 {
			fr.dec.Feed(fr.scratch[:n])
			continue
		}
		if rerr != nil {
			if rerr == io.EOF && fr.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}
