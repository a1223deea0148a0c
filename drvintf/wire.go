package drvintf

import "encoding/binary"

// encodeWidth writes the low width bytes of value into buf, little-endian,
// matching the wire byte order of spec §6. Mirrors internal/trap's
// equivalent helper, which is unexported and so cannot be reused here.
func encodeWidth(buf []byte, value uint64) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	}
}

// decodeWidth is the inverse of encodeWidth.
func decodeWidth(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		return 0
	}
}
