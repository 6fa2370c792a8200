package ini

import "strconv"

// parseConstantLine builds a Constant from its section-body fields,
// following the class-then-type-then-offset dispatch the legacy
// definition language uses: "scalar, TYPE, offset, units, scale,
// translate, min, max, digits" / "array, TYPE, offset, [NxM], units,
// scale, translate, min, max, digits" / "bits, TYPE, offset, [pos:size],
// option0, option1, ...". "lastOffset" in the offset position resolves
// to the running per-page counter.
func parseConstantLine(name, value string, page uint8, lastOffset int, defines map[string][]string) (*Constant, bool) {
	fields := splitIniLine(value)
	if len(fields) < 3 {
		return nil, false
	}
	class := fields[0]

	dt, bigEndian, err := FromIniStr(fields[1])
	if err != nil {
		return nil, false
	}

	offset, ok := parseOffsetField(fields[2], lastOffset)
	if !ok {
		return nil, false
	}

	c := &Constant{
		Name:              name,
		Page:              page,
		Offset:            uint16(offset),
		DataType:          dt,
		BigEndianOverride: bigEndian,
		Scale:             1.0,
		Translate:         0,
		Min:               0,
		Max:               255,
		Digits:            0,
	}

	switch class {
	case "bits":
		if len(fields) < 4 {
			return nil, false
		}
		pos, size, ok := parseBitSpec(fields[3])
		if !ok {
			return nil, false
		}
		c.Shape = ScalarShape()
		c.BitPosition = &pos
		c.BitSize = &size
		for _, opt := range fields[4:] {
			opt = unquote(opt)
			if len(opt) > 0 && opt[0] == '$' {
				c.BitOptions = append(c.BitOptions, defines[opt[1:]]...)
				continue
			}
			c.BitOptions = append(c.BitOptions, opt)
		}
		return c, true

	case "array":
		if len(fields) < 4 {
			return nil, false
		}
		shape, ok := parseShapeToken(fields[3])
		if !ok {
			return nil, false
		}
		c.Shape = shape
		fillScalarFields(c, fields[4:])
		return c, true

	case "scalar":
		c.Shape = ScalarShape()
		fillScalarFields(c, fields[3:])
		return c, true
	}

	return nil, false
}

// fillScalarFields reads the trailing "units, scale, translate, min,
// max, digits" run, all optional with documented fallback defaults.
func fillScalarFields(c *Constant, rest []string) {
	if len(rest) > 0 {
		c.Units = unquote(rest[0])
	}
	if len(rest) > 1 {
		if v, err := strconv.ParseFloat(rest[1], 64); err == nil {
			c.Scale = v
		}
	}
	if len(rest) > 2 {
		if v, err := strconv.ParseFloat(rest[2], 64); err == nil {
			c.Translate = v
		}
	}
	if len(rest) > 3 {
		if v, err := strconv.ParseFloat(rest[3], 64); err == nil {
			c.Min = v
		}
	}
	if len(rest) > 4 {
		if v, err := strconv.ParseFloat(rest[4], 64); err == nil {
			c.Max = v
		}
	}
	if len(rest) > 5 {
		if v, err := strconv.Atoi(rest[5]); err == nil {
			c.Digits = v
		}
	}
}

// parsePCVariableLine parses a [PcVariables] entry: same shape as a
// constant but with no ECU offset (page fixed at 255, is_pc_variable
// set), and its units column shifted one field earlier.
func parsePCVariableLine(name, value string, defines map[string][]string) (*Constant, bool) {
	fields := splitIniLine(value)
	if len(fields) < 2 {
		return nil, false
	}
	dt, bigEndian, err := FromIniStr(fields[0])
	if err != nil {
		return nil, false
	}
	c := &Constant{
		Name:              name,
		Page:              255,
		DataType:          dt,
		BigEndianOverride: bigEndian,
		Shape:             ScalarShape(),
		Scale:             1.0,
		Max:               255,
		IsPCVariable:      true,
	}
	if len(fields) > 1 {
		shape, ok := parseShapeToken(fields[1])
		if ok {
			c.Shape = shape
			fillScalarFields(c, fields[2:])
		} else {
			fillScalarFields(c, fields[1:])
		}
	}
	return c, true
}

func parseOffsetField(s string, lastOffset int) (int, bool) {
	if s == "lastOffset" {
		return lastOffset, true
	}
	v, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// parseShapeToken parses "[16]" or "[16x16]" into a Shape.
func parseShapeToken(s string) (Shape, bool) {
	s = unquote(s)
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return Shape{}, false
	}
	inner := s[1 : len(s)-1]
	for i := 0; i < len(inner); i++ {
		if inner[i] == 'x' || inner[i] == 'X' {
			rows, err1 := strconv.Atoi(inner[i+1:])
			cols, err2 := strconv.Atoi(inner[:i])
			if err1 != nil || err2 != nil {
				return Shape{}, false
			}
			return Array2D(rows, cols), true
		}
	}
	n, err := strconv.Atoi(inner)
	if err != nil {
		return Shape{}, false
	}
	return Array1D(n), true
}

// parseBitSpec parses "[pos:size]" into its position and size.
func parseBitSpec(s string) (pos, size uint8, ok bool) {
	s = unquote(s)
	if len(s) < 3 || s[0] != '[' || s[len(s)-1] != ']' {
		return 0, 0, false
	}
	inner := s[1 : len(s)-1]
	for i := 0; i < len(inner); i++ {
		if inner[i] == ':' {
			p, err1 := strconv.Atoi(inner[:i])
			n, err2 := strconv.Atoi(inner[i+1:])
			if err1 != nil || err2 != nil {
				return 0, 0, false
			}
			return uint8(p), uint8(n), true
		}
	}
	return 0, 0, false
}

// maskU8 returns the low-n-bit mask, saturating to 0xFF for n >= 8.
func maskU8(n uint8) uint8 {
	if n >= 8 {
		return 0xFF
	}
	return (1 << n) - 1
}
