package tune

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
	"github.com/RallyPat/LibreTune-sub000/internal/ini"
)

// maskU8 returns the low-n-bit mask, saturating to 0xFF for n >= 8.
func maskU8(n uint8) uint8 {
	if n >= 8 {
		return 0xFF
	}
	return (1 << n) - 1
}

func byteOrderFor(c *ini.Constant, def *ini.EcuDefinition) binary.ByteOrder {
	return c.DataType.ByteOrder(c.BigEndianOverride, def.Endianness)
}

// ReadScalar decodes one scalar element of c at the given element index
// (0 for a non-array constant) from the cache's byte image and applies
// the constant's scale/translate to produce its display-domain value.
func ReadScalar(cache *Cache, def *ini.EcuDefinition, c *ini.Constant, elementIndex int) (float64, error) {
	if c.BitPosition != nil {
		raw, err := readBitField(cache, c)
		if err != nil {
			return 0, err
		}
		return c.RawToDisplay(float64(raw)), nil
	}

	size := c.DataType.SizeBytes()
	off := int(c.Offset) + elementIndex*size
	raw, ok := cache.ReadBytes(c.Page, off, size)
	if !ok {
		return 0, &errs.SemanticError{Op: "read_scalar", Err: fmt.Errorf("page %d not loaded", c.Page)}
	}
	order := byteOrderFor(c, def)

	switch c.DataType {
	case ini.U08:
		return c.RawToDisplay(float64(raw[0])), nil
	case ini.S08:
		return c.RawToDisplay(float64(int8(raw[0]))), nil
	case ini.U16:
		return c.RawToDisplay(float64(order.Uint16(raw))), nil
	case ini.S16:
		return c.RawToDisplay(float64(int16(order.Uint16(raw)))), nil
	case ini.U32:
		return c.RawToDisplay(float64(order.Uint32(raw))), nil
	case ini.S32:
		return c.RawToDisplay(float64(int32(order.Uint32(raw)))), nil
	case ini.F32:
		bits := order.Uint32(raw)
		return c.RawToDisplay(float64(math.Float32frombits(bits))), nil
	case ini.F64:
		bits := order.Uint64(raw)
		return c.RawToDisplay(math.Float64frombits(bits)), nil
	}
	return 0, &errs.SemanticError{Op: "read_scalar", Err: fmt.Errorf("unsupported data type for %s", c.Name)}
}

// WriteScalar converts a display-domain value back to raw and writes it
// into the cache's byte image at the given element index.
func WriteScalar(cache *Cache, def *ini.EcuDefinition, c *ini.Constant, elementIndex int, display float64) error {
	if c.BitPosition != nil {
		raw := uint32(c.DisplayToRaw(display))
		return writeBitField(cache, c, raw)
	}

	raw := c.DisplayToRaw(display)
	size := c.DataType.SizeBytes()
	off := int(c.Offset) + elementIndex*size
	order := byteOrderFor(c, def)

	buf := make([]byte, size)
	switch c.DataType {
	case ini.U08:
		buf[0] = byte(raw)
	case ini.S08:
		buf[0] = byte(int8(raw))
	case ini.U16:
		order.PutUint16(buf, uint16(raw))
	case ini.S16:
		order.PutUint16(buf, uint16(int16(raw)))
	case ini.U32:
		order.PutUint32(buf, uint32(raw))
	case ini.S32:
		order.PutUint32(buf, uint32(int32(raw)))
	case ini.F32:
		order.PutUint32(buf, math.Float32bits(float32(raw)))
	case ini.F64:
		order.PutUint64(buf, math.Float64bits(raw))
	default:
		return &errs.SemanticError{Op: "write_scalar", Err: fmt.Errorf("unsupported data type for %s", c.Name)}
	}
	return cache.WriteBytes(c.Page, off, buf)
}

// readBitField extracts a [pos:size] bit field from its containing
// scalar storage type, accumulating across byte boundaries for
// multi-byte fields.
func readBitField(cache *Cache, c *ini.Constant) (uint32, error) {
	pos := int(*c.BitPosition)
	size := int(*c.BitSize)
	containerSize := c.DataType.SizeBytes()
	if containerSize == 0 {
		containerSize = 1
	}
	raw, ok := cache.ReadBytes(c.Page, int(c.Offset), containerSize)
	if !ok {
		return 0, &errs.SemanticError{Op: "read_bit_field", Err: fmt.Errorf("page %d not loaded", c.Page)}
	}

	var value uint32
	var shift uint
	remaining := size
	bitCursor := pos
	for remaining > 0 {
		byteIdx := bitCursor / 8
		bitInByte := uint8(bitCursor % 8)
		bitsLeftInByte := 8 - int(bitInByte)
		take := remaining
		if take > bitsLeftInByte {
			take = bitsLeftInByte
		}
		if byteIdx >= len(raw) {
			break
		}
		chunk := (raw[byteIdx] >> bitInByte) & maskU8(uint8(take))
		value |= uint32(chunk) << shift
		shift += uint(take)
		bitCursor += take
		remaining -= take
	}
	return value, nil
}

// writeBitField writes value into its [pos:size] bit field, preserving
// every other bit in the affected bytes via a read-modify-write.
func writeBitField(cache *Cache, c *ini.Constant, value uint32) error {
	pos := int(*c.BitPosition)
	size := int(*c.BitSize)
	containerSize := c.DataType.SizeBytes()
	if containerSize == 0 {
		containerSize = 1
	}
	raw, ok := cache.ReadBytes(c.Page, int(c.Offset), containerSize)
	if !ok {
		raw = make([]byte, containerSize)
	}

	remaining := size
	bitCursor := pos
	var shift uint
	for remaining > 0 {
		byteIdx := bitCursor / 8
		bitInByte := uint8(bitCursor % 8)
		bitsLeftInByte := 8 - int(bitInByte)
		take := remaining
		if take > bitsLeftInByte {
			take = bitsLeftInByte
		}
		if byteIdx >= len(raw) {
			break
		}
		fieldMask := maskU8(uint8(take))
		chunk := byte((value >> shift)) & fieldMask
		raw[byteIdx] = (raw[byteIdx] &^ (fieldMask << bitInByte)) | (chunk << bitInByte)
		shift += uint(take)
		bitCursor += take
		remaining -= take
	}
	return cache.WriteBytes(c.Page, int(c.Offset), raw)
}

// ReadString decodes a fixed-width byte span as a string, trimmed at
// the first NUL.
func ReadString(cache *Cache, c *ini.Constant) (string, error) {
	size := c.Shape.ElementCount()
	raw, ok := cache.ReadBytes(c.Page, int(c.Offset), size)
	if !ok {
		return "", &errs.SemanticError{Op: "read_string", Err: fmt.Errorf("page %d not loaded", c.Page)}
	}
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return string(raw), nil
}

// WriteString writes s into a fixed-width byte span, truncating or
// zero-padding to fit.
func WriteString(cache *Cache, c *ini.Constant, s string) error {
	size := c.Shape.ElementCount()
	buf := make([]byte, size)
	copy(buf, s)
	return cache.WriteBytes(c.Page, int(c.Offset), buf)
}
