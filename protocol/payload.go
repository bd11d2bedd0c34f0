package protocol

import "fmt"

// Init handshake header keys.
const (
	InitHeaderHostPort    = "host_port"
	InitHeaderProcessName = "process_name"
)

// InitPayload is the body of InitRequest and InitResponse frames.
type InitPayload struct {
	Version uint16
	Headers map[string]string
}

func (p *InitPayload) Encode() ([]byte, error) {
	w := NewWriteBuffer(64)
	w.WriteUint16(p.Version)
	w.WriteHeaders(p.Headers)
	return w.Bytes(), w.Err()
}

func DecodeInit(b []byte) (*InitPayload, error) {
	r := NewReadBuffer(b)
	p := &InitPayload{
		Version: r.ReadUint16(),
		Headers: r.ReadHeaders(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, &ProtocolError{Kind: Malformed, Msg: fmt.Sprintf("init payload has %d trailing bytes", r.Remaining())}
	}
	return p, nil
}

// ErrorPayload is the body of an Error frame.
type ErrorPayload struct {
	Code    ErrorCode
	Message string
}

func (p *ErrorPayload) Encode() ([]byte, error) {
	w := NewWriteBuffer(3 + len(p.Message))
	w.WriteUint8(byte(p.Code))
	w.WriteLen16String(p.Message)
	return w.Bytes(), w.Err()
}

func DecodeError(b []byte) (*ErrorPayload, error) {
	r := NewReadBuffer(b)
	p := &ErrorPayload{
		Code:    ErrorCode(r.ReadUint8()),
		Message: r.ReadLen16String(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// CancelPayload is the body of a Cancel frame.
type CancelPayload struct {
	TTLMillis uint32
	Why       string
}

func (p *CancelPayload) Encode() ([]byte, error) {
	w := NewWriteBuffer(6 + len(p.Why))
	w.WriteUint32(p.TTLMillis)
	w.WriteLen16String(p.Why)
	return w.Bytes(), w.Err()
}

func DecodeCancel(b []byte) (*CancelPayload, error) {
	r := NewReadBuffer(b)
	p := &CancelPayload{
		TTLMillis: r.ReadUint32(),
		Why:       r.ReadLen16String(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// CallHeader is the prefix of the first frame of a call:
//
//	flags:u8 | ttl:u32 | service~2 | nh:u16 | (key~2 value~2)*
//
// Continuation frames carry only the flags byte before their fragment bytes.
type CallHeader struct {
	Flags     byte
	TTLMillis uint32
	Service   string
	Headers   map[string]string
}

// AppendTo writes the header into w.
func (h *CallHeader) AppendTo(w *WriteBuffer) {
	w.WriteUint8(h.Flags)
	w.WriteUint32(h.TTLMillis)
	w.WriteLen16String(h.Service)
	w.WriteHeaders(h.Headers)
}

// EncodedLen returns the number of bytes AppendTo writes.
func (h *CallHeader) EncodedLen() int {
	n := 1 + 4 + 2 + len(h.Service) + 2
	for k, v := range h.Headers {
		n += 2 + len(k) + 2 + len(v)
	}
	return n
}

// ReadCallHeader parses a call header from r.
func ReadCallHeader(r *ReadBuffer) (*CallHeader, error) {
	h := &CallHeader{
		Flags:     r.ReadUint8(),
		TTLMillis: r.ReadUint32(),
		Service:   r.ReadLen16String(),
		Headers:   r.ReadHeaders(),
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return h, nil
}
