package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestEncodeDecode(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
	}{
		{"init request", Frame{Type: FrameInitRequest, ID: 0, Payload: []byte{0, 2, 0, 0}}},
		{"call request", Frame{Type: FrameCallRequest, ID: 12345, Payload: []byte{0, 0, 0, 3, 232, 0, 0}}},
		{"ping without payload", Frame{Type: FramePingRequest, ID: 0}},
		{"error frame", Frame{Type: FrameError, ID: 0xffffffff, Payload: []byte("boom")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Encode(&tc.frame)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if len(buf) != tc.frame.Size() {
				t.Fatalf("encoded length = %d, want %d", len(buf), tc.frame.Size())
			}

			decoded, n, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if n != len(buf) {
				t.Errorf("consumed %d bytes, want %d", n, len(buf))
			}
			if decoded.Type != tc.frame.Type {
				t.Errorf("Type mismatch: got %v, want %v", decoded.Type, tc.frame.Type)
			}
			if decoded.ID != tc.frame.ID {
				t.Errorf("ID mismatch: got %d, want %d", decoded.ID, tc.frame.ID)
			}
			if !bytes.Equal(decoded.Payload, tc.frame.Payload) {
				t.Errorf("Payload mismatch: got %x, want %x", decoded.Payload, tc.frame.Payload)
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	buf, err := Encode(&Frame{Type: FrameCallResponse, ID: 0x01020304, Payload: []byte{0xaa}})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x08, 0x04, 0x01, 0x02, 0x03, 0x04, 0xaa}
	if !bytes.Equal(buf, want) {
		t.Fatalf("wire bytes = %x, want %x", buf, want)
	}
}

func TestDecodeNeedMoreBytes(t *testing.T) {
	buf, err := Encode(&Frame{Type: FrameError, ID: 9, Payload: []byte("hello world")})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < len(buf); i++ {
		if _, _, err := Decode(buf[:i]); !errors.Is(err, ErrNeedMoreBytes) {
			t.Fatalf("Decode(%d bytes) error = %v, want ErrNeedMoreBytes", i, err)
		}
	}

	dec := NewDecoder(DefaultLimits())
	for i := 0; i < len(buf); i++ {
		if _, err := dec.Next(); !errors.Is(err, ErrNeedMoreBytes) {
			t.Fatalf("Next after %d bytes error = %v, want ErrNeedMoreBytes", i, err)
		}
		dec.Feed(buf[i : i+1])
	}
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(f.Payload) != "hello world" {
		t.Errorf("Payload = %q", f.Payload)
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", dec.Buffered())
	}
}

func TestDecodeInvalidType(t *testing.T) {
	buf := []byte{0x00, 0x07, 0x42, 0, 0, 0, 1}
	_, _, err := Decode(buf)
	if !IsProtocolError(err, InvalidType) {
		t.Fatalf("expected InvalidType protocol error, got %v", err)
	}
}

func TestDecodeInvalidSize(t *testing.T) {
	buf := []byte{0x00, 0x03, byte(FramePingRequest), 0, 0, 0, 0}
	_, _, err := Decode(buf)
	if !IsProtocolError(err, InvalidSize) {
		t.Fatalf("expected InvalidSize protocol error, got %v", err)
	}

	limits := Limits{MaxFrameSize: 16}
	big, err := Encode(&Frame{Type: FrameError, Payload: make([]byte, 32)})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := limits.Decode(big); !IsProtocolError(err, InvalidSize) {
		t.Fatalf("expected frame over limit to fail, got %v", err)
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := Encode(&Frame{Type: FrameCallRequest, Payload: make([]byte, MaxPayloadSize+1)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	if _, err := Encode(&Frame{Type: FrameError, Payload: make([]byte, MaxPayloadSize)}); err != nil {
		t.Fatalf("max sized frame should encode: %v", err)
	}

	limits := Limits{MaxFrameSize: 100}
	if _, err := limits.Encode(&Frame{Type: FrameError, Payload: make([]byte, 94)}); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected configured limit to apply, got %v", err)
	}
}

func TestEncodeRejectsCallFrameWithoutFlags(t *testing.T) {
	for _, typ := range []FrameType{FrameCallRequest, FrameCallResponse, FrameCallRequestContinue, FrameCallResponseContinue} {
		_, err := Encode(&Frame{Type: typ, ID: 1})
		var pe *ProtocolError
		if !errors.As(err, &pe) || pe.Kind != Malformed {
			t.Fatalf("%v: expected Malformed protocol error, got %v", typ, err)
		}
	}
	if _, err := Encode(&Frame{Type: FrameCancel, ID: 1}); err != nil {
		t.Fatalf("non-call frames may be empty: %v", err)
	}
}

func TestChecksumKinds(t *testing.T) {
	for _, kind := range []ChecksumType{ChecksumCRC32, ChecksumCRC32C, ChecksumBlake3} {
		t.Run(kind.String(), func(t *testing.T) {
			payload := append([]byte{kind.Flags()}, []byte("fragment bytes")...)
			sealed, err := SealChecksum(payload)
			if err != nil {
				t.Fatal(err)
			}
			if len(sealed) != len(payload)+ChecksumSize {
				t.Fatalf("sealed length = %d", len(sealed))
			}

			buf, err := Encode(&Frame{Type: FrameCallRequestContinue, ID: 3, Payload: sealed})
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := Decode(buf); err != nil {
				t.Fatalf("valid checksum rejected: %v", err)
			}

			buf[HeaderSize+2] ^= 0xff
			if _, _, err := Decode(buf); !IsProtocolError(err, InvalidChecksum) {
				t.Fatalf("expected InvalidChecksum, got %v", err)
			}
		})
	}
}

func TestParseChecksumType(t *testing.T) {
	for name, want := range map[string]ChecksumType{"": ChecksumNone, "none": ChecksumNone, "CRC32": ChecksumCRC32, "crc32c": ChecksumCRC32C, "blake3": ChecksumBlake3} {
		got, err := ParseChecksumType(name)
		if err != nil {
			t.Fatalf("ParseChecksumType(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParseChecksumType(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseChecksumType("md5"); err == nil {
		t.Fatal("expected unknown checksum name to fail")
	}
}

func TestFrameReader(t *testing.T) {
	var stream bytes.Buffer
	frames := []*Frame{
		{Type: FrameInitRequest, Payload: []byte{0, 2, 0, 0}},
		{Type: FrameCallRequest, ID: 7, Payload: bytes.Repeat([]byte{1}, 5000)},
		{Type: FramePingRequest},
	}
	for _, f := range frames {
		if err := WriteFrame(&stream, f, DefaultLimits()); err != nil {
			t.Fatal(err)
		}
	}

	fr := NewFrameReader(iotest.HalfReader(&stream), DefaultLimits())
	for i, want := range frames {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Type != want.Type || got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("frame %d mismatch: got %v want %v", i, got, want)
		}
	}
	if _, err := fr.ReadFrame(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestFrameReaderTruncated(t *testing.T) {
	buf, err := Encode(&Frame{Type: FrameError, ID: 1, Payload: []byte("abcdef")})
	if err != nil {
		t.Fatal(err)
	}
	fr := NewFrameReader(bytes.NewReader(buf[:len(buf)-2]), DefaultLimits())
	if _, err := fr.ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestPayloadCodecs(t *testing.T) {
	ip := &InitPayload{Version: Version, Headers: map[string]string{
		InitHeaderHostPort:    "127.0.0.1:4040",
		InitHeaderProcessName: "bench",
	}}
	b, err := ip.Encode()
	if err != nil {
		t.Fatal(err)
	}
	gotInit, err := DecodeInit(b)
	if err != nil {
		t.Fatal(err)
	}
	if gotInit.Version != Version || gotInit.Headers[InitHeaderHostPort] != "127.0.0.1:4040" || gotInit.Headers[InitHeaderProcessName] != "bench" {
		t.Fatalf("init mismatch: %+v", gotInit)
	}
	if _, err := DecodeInit(append(b, 0)); !IsProtocolError(err, Malformed) {
		t.Fatalf("expected trailing byte to be malformed, got %v", err)
	}

	ep := &ErrorPayload{Code: ErrCodeBusy, Message: "slow down"}
	b, err = ep.Encode()
	if err != nil {
		t.Fatal(err)
	}
	gotErr, err := DecodeError(b)
	if err != nil {
		t.Fatal(err)
	}
	if *gotErr != *ep {
		t.Fatalf("error payload mismatch: %+v", gotErr)
	}
	if _, err := DecodeError(b[:2]); !IsProtocolError(err, Malformed) {
		t.Fatalf("expected short error payload to fail, got %v", err)
	}

	cp := &CancelPayload{TTLMillis: 250, Why: "caller gave up"}
	b, err = cp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	gotCancel, err := DecodeCancel(b)
	if err != nil {
		t.Fatal(err)
	}
	if *gotCancel != *cp {
		t.Fatalf("cancel payload mismatch: %+v", gotCancel)
	}
}

func TestCallHeaderEncodedLen(t *testing.T) {
	h := &CallHeader{Flags: FlagMoreFragments, TTLMillis: 1000, Service: "svc", Headers: map[string]string{"as": "raw", "cn": "caller"}}
	w := NewWriteBuffer(0)
	h.AppendTo(w)
	if w.Len() != h.EncodedLen() {
		t.Fatalf("EncodedLen = %d, wrote %d", h.EncodedLen(), w.Len())
	}
	got, err := ReadCallHeader(NewReadBuffer(w.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if got.Service != "svc" || got.TTLMillis != 1000 || got.Headers["cn"] != "caller" || got.Flags != FlagMoreFragments {
		t.Fatalf("call header mismatch: %+v", got)
	}
}
