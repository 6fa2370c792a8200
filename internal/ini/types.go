// Package ini implements the legacy INI-shaped ECU definition language:
// preprocessor, section-dispatch parser, and the typed EcuDefinition it
// produces.
package ini

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/RallyPat/LibreTune-sub000/internal/expr"
)

// Endianness is the definition-wide default byte order; individual fields
// may override it with a "B" prefix on their DataType token.
type Endianness int

const (
	Little Endianness = iota
	Big
)

// DataType is the set of primitive wire types a Constant can declare.
type DataType int

const (
	U08 DataType = iota
	S08
	U16
	S16
	U32
	S32
	F32
	F64
	TypeString
	Bits
)

// aliasTable maps the many historical spellings found in real-world
// definitions onto the canonical DataType set.
var aliasTable = map[string]DataType{
	"U08": U08, "UINT8": U08, "BYTE": U08,
	"S08": S08, "INT8": S08, "CHAR": S08,
	"U16": U16, "UINT16": U16, "WORD": U16,
	"S16": S16, "INT16": S16, "SWORD": S16,
	"U32": U32, "UINT32": U32, "DWORD": U32,
	"S32": S32, "INT32": S32, "SDWORD": S32, "LONG": S32,
	"F32": F32, "FLOAT": F32,
	"F64": F64, "DOUBLE": F64,
	"ASCII": TypeString, "STRING": TypeString,
	"BITS": Bits,
}

// FromIniStr parses a DataType token, recognizing a leading "B" as a
// per-field big-endian override (e.g. "BU16", "BWORD"). It returns the
// base type and whether a big-endian override was present. The original
// INI dialect accepts a broad set of historical aliases (UINT8, WORD,
// DWORD, FLOAT, ...) alongside the canonical U08/U16/... tokens.
func FromIniStr(s string) (DataType, bool, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	if dt, ok := aliasTable[upper]; ok {
		return dt, false, nil
	}

	// A leading "B" plus an uppercase second character signals a
	// per-field big-endian override, e.g. "BU16" or "BWORD". "Bits"
	// itself must not be mistaken for a "B"-prefixed token.
	if len(upper) > 1 && upper[0] == 'B' && upper != "BITS" {
		rest := upper[1:]
		if dt, ok := aliasTable[rest]; ok {
			switch dt {
			case U16, S16, U32, S32, F32, F64:
				return dt, true, nil
			}
		}
	}

	return 0, false, fmt.Errorf("ini: unknown data type %q", s)
}

// SizeBytes returns the on-wire size of one element of this type. Bits
// fields report 0: their size is governed by their containing scalar type.
func (d DataType) SizeBytes() int {
	switch d {
	case U08, S08:
		return 1
	case U16, S16:
		return 2
	case U32, S32, F32:
		return 4
	case F64:
		return 8
	case Bits:
		return 0
	case TypeString:
		return 1
	}
	return 0
}

// ByteOrder resolves the effective byte order for a field: a per-field
// "B"-prefixed override always wins; otherwise it falls back to the
// definition-wide default.
func (d DataType) ByteOrder(fieldBigEndian bool, def Endianness) binary.ByteOrder {
	if fieldBigEndian || def == Big {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ShapeKind discriminates the Shape variants.
type ShapeKind int

const (
	ShapeScalar ShapeKind = iota
	ShapeArray1D
	ShapeArray2D
)

// Shape is the dimensionality of a Constant's value.
type Shape struct {
	Kind ShapeKind
	N    int // Array1D length
	Rows int // Array2D rows (y)
	Cols int // Array2D cols (x)
}

func ScalarShape() Shape           { return Shape{Kind: ShapeScalar} }
func Array1D(n int) Shape          { return Shape{Kind: ShapeArray1D, N: n} }
func Array2D(rows, cols int) Shape { return Shape{Kind: ShapeArray2D, Rows: rows, Cols: cols} }

// ElementCount is the total number of scalar elements this shape holds.
func (s Shape) ElementCount() int {
	switch s.Kind {
	case ShapeScalar:
		return 1
	case ShapeArray1D:
		return s.N
	case ShapeArray2D:
		return s.Rows * s.Cols
	}
	return 0
}

// XSize is the shape's "width": array length for 1-D, column count for 2-D.
func (s Shape) XSize() int {
	switch s.Kind {
	case ShapeArray1D:
		return s.N
	case ShapeArray2D:
		return s.Cols
	}
	return 0
}

// YSize is the shape's "height": always 1 except for a 2-D array.
func (s Shape) YSize() int {
	if s.Kind == ShapeArray2D {
		return s.Rows
	}
	return 1
}

// Constant is a named, addressable value in the ECU's memory map, or (when
// IsPCVariable is set) in the host-local PC-variable store.
type Constant struct {
	Name     string
	Label    string
	Page     uint8
	Offset   uint16
	DataType DataType
	BigEndianOverride bool
	Shape    Shape

	BitPosition *uint8
	BitSize     *uint8

	Units   string
	Scale   float64
	Translate float64
	Min     float64
	Max     float64
	Digits  int
	Help    string

	BitOptions []string

	VisibilityExpr string
	visibilityAST  expr.Expr

	IsPCVariable bool
}

// SizeBytes is the total byte footprint of this constant (0 for a bit
// field packed into a parent scalar's bytes).
func (c *Constant) SizeBytes() int {
	if c.BitPosition != nil {
		return 0
	}
	return c.DataType.SizeBytes() * c.Shape.ElementCount()
}

// VisibilityAST lazily compiles and memoizes the constant's guard
// expression, per the lazy-cache design note: parsing happens once.
func (c *Constant) VisibilityAST() (expr.Expr, error) {
	if c.VisibilityExpr == "" {
		return nil, nil
	}
	if c.visibilityAST == nil {
		e, err := expr.Parse(c.VisibilityExpr)
		if err != nil {
			return nil, err
		}
		c.visibilityAST = e
	}
	return c.visibilityAST, nil
}

// RawToDisplay converts a raw decoded number to its display-domain value.
func (c *Constant) RawToDisplay(raw float64) float64 {
	return raw*c.Scale + c.Translate
}

// DisplayToRaw converts a display-domain value back to its raw encoding.
func (c *Constant) DisplayToRaw(display float64) float64 {
	if c.Scale == 0 {
		return 0
	}
	return (display - c.Translate) / c.Scale
}

// IsInRange reports whether a display value falls within [Min, Max].
func (c *Constant) IsInRange(display float64) bool {
	return display >= c.Min && display <= c.Max
}
