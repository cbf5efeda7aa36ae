// Package buf contains endian-safe decoding helpers used when reading zone
// metadata through a byte-oriented memory reader.
package buf

import "encoding/binary"

// U16LE reads a little-endian uint16 from b. Returns 0 when b is too short.
func U16LE(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// U32LE reads a little-endian uint32 from b. Returns 0 when b is too short.
func U32LE(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64LE reads a little-endian uint64 from b. Returns 0 when b is too short.
func U64LE(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// I32LE reads a little-endian int32 from b. Returns 0 when b is too short.
func I32LE(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

// PutU64LE stores v at the start of b in little-endian order. b must hold
// at least 8 bytes.
func PutU64LE(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// AddrLE reads a little-endian address-sized word from b.
func AddrLE(b []byte) uintptr {
	return uintptr(U64LE(b))
}
