// Package transport carries the framed request/response protocol between
// the driver process and one model process (component A).
package transport

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the operation a Message requests or reports.
type Command uint8

// Commands, per spec §3.
const (
	CmdRead      Command = 1
	CmdWrite     Command = 2
	CmdInterrupt Command = 3
	CmdInit      Command = 4
	CmdDeinit    Command = 5
)

// Result reports the outcome of a request, per spec §3.
type Result uint8

// Results, per spec §3.
const (
	ResultSuccess     Result = 0
	ResultError       Result = 1
	ResultTimeout     Result = 2
	ResultInvalidAddr Result = 3
)

// wireSize is the fixed length of a serialized Message: device_id(4) +
// command(1) + address(4) + length(4) + result(1) + data(256).
const wireSize = 4 + 1 + 4 + 4 + 1 + 256

// MaxDataLen is the size of the fixed data payload, per spec §3.
const MaxDataLen = 256

// Message is the fixed-layout wire record described in spec §3/§6.
type Message struct {
	DeviceID uint32
	Command  Command
	Address  uint32
	Length   uint32
	Result   Result
	Data     [MaxDataLen]byte
}

// ValidLength reports whether Length is one of the widths READ/WRITE allow.
func (m *Message) ValidLength() bool {
	switch m.Length {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// Marshal serializes m into the 277-byte little-endian wire record. Field
// order matches spec §6 exactly; fields are written individually rather than
// via binary.Write on the struct so that host struct padding never leaks
// onto the wire (mirrors how the teacher hand-assembles GDT entries byte by
// byte instead of trusting Go struct layout — see hypervisor/gdt.go).
func (m *Message) Marshal() [wireSize]byte {
	var buf [wireSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], m.DeviceID)
	buf[4] = byte(m.Command)
	binary.LittleEndian.PutUint32(buf[5:9], m.Address)
	binary.LittleEndian.PutUint32(buf[9:13], m.Length)
	buf[13] = byte(m.Result)
	copy(buf[14:14+MaxDataLen], m.Data[:])
	return buf
}

// Unmarshal decodes a wire record produced by Marshal. It fails with
// ErrProtocol if buf is not exactly wireSize bytes.
func Unmarshal(buf []byte) (Message, error) {
	var m Message
	if len(buf) != wireSize {
		return m, fmt.Errorf("transport: %w: frame is %d bytes, want %d", ErrProtocol, len(buf), wireSize)
	}
	m.DeviceID = binary.LittleEndian.Uint32(buf[0:4])
	m.Command = Command(buf[4])
	m.Address = binary.LittleEndian.Uint32(buf[5:9])
	m.Length = binary.LittleEndian.Uint32(buf[9:13])
	m.Result = Result(buf[13])
	copy(m.Data[:], buf[14:14+MaxDataLen])
	return m, nil
}
