package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/glycerine/blake3"
)

// Call frame flag bits. Bit 0 marks fragmentation, bits 1-2 carry the checksum kind.
const (
	FlagMoreFragments byte = 0x01

	checksumShift = 1
	checksumMask  = 0x06
)

// ChecksumSize is the length of the checksum trailer on call frames.
const ChecksumSize = 4

// ChecksumType selects the algorithm protecting a call frame payload.
type ChecksumType byte

const (
	ChecksumNone   ChecksumType = 0
	ChecksumCRC32  ChecksumType = 1
	ChecksumCRC32C ChecksumType = 2
	ChecksumBlake3 ChecksumType = 3
)

type checksumImpl struct {
	name string
	sum  func([]byte) uint32
}

var (
	checksumMu    sync.RWMutex
	castagnoli    = crc32.MakeTable(crc32.Castagnoli)
	checksumTable = map[ChecksumType]checksumImpl{
		ChecksumNone:   {name: "none"},
		ChecksumCRC32:  {name: "crc32", sum: crc32.ChecksumIEEE},
		ChecksumCRC32C: {name: "crc32c", sum: func(b []byte) uint32 { return crc32.Checksum(b, castagnoli) }},
		ChecksumBlake3: {name: "blake3", sum: blake3Sum32},
	}
)

func blake3Sum32(b []byte) uint32 {
	digest := blake3.Sum256(b)
	return binary.BigEndian.Uint32(digest[:4])
}

// RegisterChecksum replaces the algorithm behind a checksum kind. Both peers must agree on
// the implementation; the kind itself is what travels on the wire.
func RegisterChecksum(t ChecksumType, name string, sum func([]byte) uint32) error {
	if t == ChecksumNone || byte(t) > checksumMask>>checksumShift {
		return fmt.Errorf("protocol: checksum kind %d cannot be registered", t)
	}
	checksumMu.Lock()
	checksumTable[t] = checksumImpl{name: name, sum: sum}
	checksumMu.Unlock()
	return nil
}

func lookupChecksum(t ChecksumType) (checksumImpl, bool) {
	checksumMu.RLock()
	impl, ok := checksumTable[t]
	checksumMu.RUnlock()
	return impl, ok
}

func (t ChecksumType) String() string {
	if impl, ok := lookupChecksum(t); ok {
		return impl.name
	}
	return fmt.Sprintf("ChecksumType(%d)", byte(t))
}

// ParseChecksumType maps a config name ("none", "crc32", "crc32c", "blake3") to its kind.
func ParseChecksumType(name string) (ChecksumType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ChecksumNone, nil
	}
	checksumMu.RLock()
	defer checksumMu.RUnlock()
	for t, impl := range checksumTable {
		if impl.name == name {
			return t, nil
		}
	}
	return ChecksumNone, fmt.Errorf("protocol: unknown checksum type %q", name)
}

// Flags returns the flag bits encoding t.
func (t ChecksumType) Flags() byte {
	return (byte(t) << checksumShift) & checksumMask
}

// TrailerSize returns the bytes t appends to a call payload.
func (t ChecksumType) TrailerSize() int {
	if t == ChecksumNone {
		return 0
	}
	return ChecksumSize
}

// ChecksumFromFlags extracts the checksum kind from call frame flags.
func ChecksumFromFlags(flags byte) ChecksumType {
	return ChecksumType((flags & checksumMask) >> checksumShift)
}

// Sum computes the checksum of b.
func (t ChecksumType) Sum(b []byte) (uint32, error) {
	impl, ok := lookupChecksum(t)
	if !ok || impl.sum == nil {
		return 0, &ProtocolError{Kind: InvalidChecksum, Msg: fmt.Sprintf("unsupported checksum kind %d", t)}
	}
	return impl.sum(b), nil
}

// SealChecksum appends the checksum trailer for the kind advertised in payload[0].
func SealChecksum(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	t := ChecksumFromFlags(payload[0])
	if t == ChecksumNone {
		return payload, nil
	}
	sum, err := t.Sum(payload)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(payload, sum), nil
}

// VerifyChecksum checks the trailer of a call payload and returns the payload without it.
func VerifyChecksum(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, &ProtocolError{Kind: Malformed, Msg: "call frame without flags"}
	}
	t := ChecksumFromFlags(payload[0])
	if t == ChecksumNone {
		return payload, nil
	}
	if len(payload) < 1+ChecksumSize {
		return nil, &ProtocolError{Kind: InvalidChecksum, Msg: "payload shorter than checksum trailer"}
	}
	body := payload[:len(payload)-ChecksumSize]
	want := binary.BigEndian.Uint32(payload[len(payload)-ChecksumSize:])
	got, err := t.Sum(body)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, &ProtocolError{Kind: InvalidChecksum, Msg: fmt.Sprintf("%v: got %08x want %08x", t, got, want)}
	}
	return body, nil
}

// StripChecksum returns a call payload without its checksum trailer. The trailer is not
// verified; frames from Decode have already been checked.
func StripChecksum(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, &ProtocolError{Kind: Malformed, Msg: "call frame without flags"}
	}
	n := ChecksumFromFlags(payload[0]).TrailerSize()
	if len(payload) < 1+n {
		return nil, &ProtocolError{Kind: InvalidChecksum, Msg: "payload shorter than checksum trailer"}
	}
	return payload[:len(payload)-n], nil
}
