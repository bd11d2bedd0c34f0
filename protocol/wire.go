package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// WriteBuffer appends big-endian fields to a byte slice.
type WriteBuffer struct {
	b   []byte
	err error
}

// NewWriteBuffer starts a buffer with the given capacity hint.
func NewWriteBuffer(capacity int) *WriteBuffer {
	return &WriteBuffer{b: make([]byte, 0, capacity)}
}

func (w *WriteBuffer) Bytes() []byte { return w.b }
func (w *WriteBuffer) Len() int { return len(w.b) }
func (w *WriteBuffer) Err() error { return w.err }

func (w *WriteBuffer) WriteUint8(v uint8) { w.b = append(w.b, v) }

func (w *WriteBuffer) WriteUint16(v uint16) { w.b = binary.BigEndian.AppendUint16(w.b, v) }

func (w *WriteBuffer) WriteUint32(v uint32) { w.b = binary.BigEndian.AppendUint32(w.b, v) }

func (w *WriteBuffer) WriteBytes(p []byte) { w.b = append(w.b, p...) }

// WriteLen16 writes p with a uint16 length prefix.
func (w *WriteBuffer) WriteLen16(p []byte) {
	if len(p) > math.MaxUint16 {
		w.setErr(fmt.Errorf("protocol: field of %d bytes exceeds 16-bit length", len(p)))
		return
	}
	w.WriteUint16(uint16(len(p)))
	w.WriteBytes(p)
}

func (w *WriteBuffer) WriteLen16String(s string) { w.WriteLen16([]byte(s)) }

// WriteLen32 writes p with a uint32 length prefix.
func (w *WriteBuffer) WriteLen32(p []byte) {
	if uint64(len(p)) > math.MaxUint32 {
		w.setErr(fmt.Errorf("protocol: field of %d bytes exceeds 32-bit length", len(p)))
		return
	}
	w.WriteUint32(uint32(len(p)))
	w.WriteBytes(p)
}

// WriteHeaders writes nh:u16 followed by key~2 value~2 pairs, keys sorted.
func (w *WriteBuffer) WriteHeaders(headers map[string]string) {
	if len(headers) > math.MaxUint16 {
		w.setErr(fmt.Errorf("protocol: %d headers exceed 16-bit count", len(headers)))
		return
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.WriteUint16(uint16(len(keys)))
	for _, k := range keys {
		w.WriteLen16String(k)
		w.WriteLen16String(headers[k])
	}
}

func (w *WriteBuffer) setErr(err error) {
	if w.err == nil {
		w.err = err
	}
}

// ReadBuffer consumes big-endian fields. The first short read sticks as Err and every
// later read returns zero values, so callers check Err once at the end.
type ReadBuffer struct {
	b   []byte
	err error
}

func NewReadBuffer(b []byte) *ReadBuffer { return &ReadBuffer{b: b} }

func (r *ReadBuffer) Err() error { return r.err }
func (r *ReadBuffer) Remaining() int { return len(r.b) }
func (r *ReadBuffer) Rest() []byte {
	rest := r.b
	r.b = nil
	return rest
}

func (r *ReadBuffer) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.b) {
		r.err = &ProtocolError{Kind: Malformed, Msg: fmt.Sprintf("need %d bytes, have %d", n, len(r.b))}
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *ReadBuffer) ReadUint8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *ReadBuffer) ReadUint16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *ReadBuffer) ReadUint32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

// ReadBytes returns a copy of the next n bytes.
func (r *ReadBuffer) ReadBytes(n int) []byte {
	p := r.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

func (r *ReadBuffer) ReadLen16() []byte { return r.ReadBytes(int(r.ReadUint16())) }

func (r *ReadBuffer) ReadLen16String() string { return string(r.ReadLen16()) }

func (r *ReadBuffer) ReadLen32() []byte {
	n := r.ReadUint32()
	if uint64(n) > uint64(len(r.b)) {
		r.take(len(r.b) + 1)
		return nil
	}
	return r.ReadBytes(int(n))
}

// ReadHeaders is the inverse of WriteBuffer.WriteHeaders. An empty set decodes as nil.
func (r *ReadBuffer) ReadHeaders() map[string]string {
	n := int(r.ReadUint16())
	if n == 0 || r.err != nil {
		return nil
	}
	headers := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ReadLen16String()
		v := r.ReadLen16String()
		headers[k] = v
	}
	if r.err != nil {
		return nil
	}
	return headers
}
