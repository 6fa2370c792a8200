// Package protocol implements the two wire framings the tuning link
// speaks (legacy raw bytes and the modern CRC32-checked envelope), its
// command templater, adaptive response-timing, and the synchronous
// connection worker that drives a serial port through handshake,
// page read/write/burn, and runtime-stream selection.
package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
)

// MaxPacketSize is the largest payload the modern envelope accepts; a
// declared length above this is rejected outright.
const MaxPacketSize = 1024

// BuildModernFrame assembles one msEnvelope_1.0 frame: a big-endian
// u16 length, the payload, and a big-endian u32 IEEE CRC-32 of the
// payload.
func BuildModernFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPacketSize {
		return nil, &errs.ProtocolError{Op: "build_frame", Err: fmt.Errorf("payload length %d exceeds %d", len(payload), MaxPacketSize)}
	}
	out := make([]byte, 0, 2+len(payload)+4)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(payload)))
	out = append(out, lenBuf...)
	out = append(out, payload...)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc32.ChecksumIEEE(payload))
	out = append(out, crcBuf...)
	return out, nil
}

// ParseModernFrame splits a complete framed byte sequence into its
// payload, verifying the declared length and the trailing CRC-32.
func ParseModernFrame(frame []byte) ([]byte, error) {
	if len(frame) < 6 {
		return nil, &errs.ProtocolError{Op: "parse_frame", Err: fmt.Errorf("frame too short: %d bytes", len(frame))}
	}
	length := int(binary.BigEndian.Uint16(frame[:2]))
	if length > MaxPacketSize {
		return nil, &errs.ProtocolError{Op: "parse_frame", Err: fmt.Errorf("declared length %d exceeds %d", length, MaxPacketSize)}
	}
	want := 2 + length + 4
	if len(frame) != want {
		return nil, &errs.ProtocolError{Op: "parse_frame", Err: fmt.Errorf("frame length %d, want %d", len(frame), want)}
	}
	payload := frame[2 : 2+length]
	gotCRC := binary.BigEndian.Uint32(frame[2+length:])
	wantCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		return nil, &errs.ProtocolError{Op: "parse_frame", Err: fmt.Errorf("CRC mismatch: got 0x%08X, want 0x%08X", gotCRC, wantCRC)}
	}
	return payload, nil
}
