package session

import (
	"testing"

	"github.com/RallyPat/LibreTune-sub000/internal/ini"
)

func testDefinition() *ini.EcuDefinition {
	def := ini.NewEcuDefinition()
	def.PageSizes[1] = 64
	bitPos := uint8(0)
	_ = bitPos
	def.Constants["reqFuel"] = &ini.Constant{
		Name: "reqFuel", Page: 1, Offset: 0, DataType: ini.U16,
		Scale: 0.1, Translate: 0, Min: 0, Max: 25.5,
		Shape: ini.Shape{Kind: ini.ShapeScalar},
	}
	return def
}

func TestWriteAndReadConstantRoundTrip(t *testing.T) {
	def := testDefinition()
	s := New(def, Config{PortPath: "/dev/null", BaudRate: 115200})
	s.cache.LoadPage(1, make([]byte, 64))

	if err := s.WriteConstant("reqFuel", 0, 12.3); err != nil {
		t.Fatalf("WriteConstant: %v", err)
	}
	got, err := s.ReadConstant("reqFuel", 0)
	if err != nil {
		t.Fatalf("ReadConstant: %v", err)
	}
	if got < 12.2 || got > 12.4 {
		t.Fatalf("got %v, want ~12.3 (quantized by 0.1 scale)", got)
	}
}

func TestWriteConstantRejectsOutOfRange(t *testing.T) {
	def := testDefinition()
	s := New(def, Config{PortPath: "/dev/null", BaudRate: 115200})
	s.cache.LoadPage(1, make([]byte, 64))

	if err := s.WriteConstant("reqFuel", 0, 999); err == nil {
		t.Fatal("expected out-of-range write to fail")
	}
}

func TestWriteConstantUnknownName(t *testing.T) {
	def := testDefinition()
	s := New(def, Config{PortPath: "/dev/null", BaudRate: 115200})
	if err := s.WriteConstant("doesNotExist", 0, 1); err == nil {
		t.Fatal("expected unknown constant to fail")
	}
}

func TestDecodeRawChannel(t *testing.T) {
	och := &ini.OutputChannel{Name: "rpm", Kind: ini.OutputChannelRaw, Offset: 2, DataType: ini.U16, BigEndianOverride: true, Scale: 1, Translate: 0}
	raw := []byte{0, 0, 0x0D, 0xAC} // 3500 big-endian at offset 2, via per-field override
	v, err := decodeRawChannel(raw, och, ini.Little)
	if err != nil {
		t.Fatalf("decodeRawChannel: %v", err)
	}
	if v != 3500 {
		t.Fatalf("v = %v, want 3500", v)
	}
}

func TestDecodeRawChannelDefinitionWideBigEndian(t *testing.T) {
	och := &ini.OutputChannel{Name: "rpm", Kind: ini.OutputChannelRaw, Offset: 2, DataType: ini.U16, Scale: 1, Translate: 0}
	raw := []byte{0, 0, 0x0D, 0xAC} // 3500 big-endian at offset 2, via definition-wide default
	v, err := decodeRawChannel(raw, och, ini.Big)
	if err != nil {
		t.Fatalf("decodeRawChannel: %v", err)
	}
	if v != 3500 {
		t.Fatalf("v = %v, want 3500", v)
	}
}

func TestDecodeRawChannelLittleEndianDefault(t *testing.T) {
	och := &ini.OutputChannel{Name: "rpm", Kind: ini.OutputChannelRaw, Offset: 2, DataType: ini.U16, Scale: 1, Translate: 0}
	raw := []byte{0, 0, 0xAC, 0x0D} // 3500 little-endian at offset 2, no override
	v, err := decodeRawChannel(raw, och, ini.Little)
	if err != nil {
		t.Fatalf("decodeRawChannel: %v", err)
	}
	if v != 3500 {
		t.Fatalf("v = %v, want 3500", v)
	}
}

func TestDecodeRawChannelOutOfRange(t *testing.T) {
	och := &ini.OutputChannel{Name: "rpm", Kind: ini.OutputChannelRaw, Offset: 10, DataType: ini.U16}
	if _, err := decodeRawChannel([]byte{1, 2}, och, ini.Little); err == nil {
		t.Fatal("expected out-of-range decode to fail")
	}
}

func TestDecodeRawChannelAllDataTypes(t *testing.T) {
	cases := []struct {
		name string
		dt   ini.DataType
		raw  []byte
		want float64
	}{
		{"u08", ini.U08, []byte{200}, 200},
		{"s08", ini.S08, []byte{0xFF}, -1},
		{"u16", ini.U16, []byte{0x0D, 0xAC}, 3500},
		{"s16", ini.S16, []byte{0xFF, 0xFF}, -1},
		{"u32", ini.U32, []byte{0, 0, 0x0D, 0xAC}, 3500},
		{"s32", ini.S32, []byte{0xFF, 0xFF, 0xFF, 0xFF}, -1},
		{"f32", ini.F32, []byte{0x42, 0x48, 0x00, 0x00}, 50},
		{"f64", ini.F64, []byte{0x40, 0x49, 0, 0, 0, 0, 0, 0}, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			och := &ini.OutputChannel{Name: tc.name, Kind: ini.OutputChannelRaw, Offset: 0, DataType: tc.dt, BigEndianOverride: true, Scale: 1}
			v, err := decodeRawChannel(tc.raw, och, ini.Little)
			if err != nil {
				t.Fatalf("decodeRawChannel(%s): %v", tc.name, err)
			}
			if v != tc.want {
				t.Fatalf("%s: v = %v, want %v", tc.name, v, tc.want)
			}
		})
	}
}
