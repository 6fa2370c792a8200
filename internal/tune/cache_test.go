package tune

import (
	"testing"

	"github.com/RallyPat/LibreTune-sub000/internal/ini"
)

func newTestDef(pageSize int) *ini.EcuDefinition {
	def := ini.NewEcuDefinition()
	def.PageSizes[0] = pageSize
	return def
}

func TestDirtyRangeCoalescing(t *testing.T) {
	def := newTestDef(32)
	c := NewCache(def)
	c.LoadPage(0, make([]byte, 32))

	if err := c.WriteBytes(0, 10, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteBytes(0, 20, []byte{4, 5}); err != nil {
		t.Fatal(err)
	}

	got := c.DirtyRanges(0)
	want := [][2]int{{10, 3}, {20, 2}}
	if len(got) != len(want) {
		t.Fatalf("DirtyRanges = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestShadowStateTransitions(t *testing.T) {
	def := newTestDef(8)
	c := NewCache(def)
	c.LoadPage(0, make([]byte, 8))

	if c.PageState(0) != Clean {
		t.Fatalf("after load: %v, want Clean", c.PageState(0))
	}
	if err := c.WriteBytes(0, 0, []byte{0x55}); err != nil {
		t.Fatal(err)
	}
	if c.PageState(0) != Dirty {
		t.Fatalf("after write: %v, want Dirty", c.PageState(0))
	}
	c.MarkPending()
	if c.PageState(0) != Pending || !c.HasPendingBurn() {
		t.Fatalf("after mark_pending: %v pending=%v", c.PageState(0), c.HasPendingBurn())
	}
	c.MarkBurned()
	if c.PageState(0) != Clean || c.HasPendingBurn() {
		t.Fatalf("after mark_burned: %v pending=%v", c.PageState(0), c.HasPendingBurn())
	}

	if err := c.WriteBytes(0, 0, []byte{0x01}); err != nil {
		t.Fatal(err)
	}
	c.Revert()
	if c.PageState(0) != NotLoaded {
		t.Fatalf("after revert: %v, want NotLoaded", c.PageState(0))
	}
}

func TestBitFieldRoundTrip(t *testing.T) {
	def := newTestDef(4)
	c := NewCache(def)
	c.LoadPage(0, make([]byte, 4))

	for pos := uint8(0); pos < 8; pos++ {
		for size := uint8(1); size <= 8; size++ {
			if int(pos)+int(size) > 16 {
				continue
			}
			posCopy, sizeCopy := pos, size
			dt := ini.U16
			cst := &ini.Constant{
				Name: "bf", Page: 0, Offset: 0, DataType: dt,
				Shape: ini.ScalarShape(), Scale: 1, BitPosition: &posCopy, BitSize: &sizeCopy,
			}
			maxVal := uint32(1) << size
			for v := uint32(0); v < maxVal; v++ {
				before, _ := cache0Bytes(c)
				if err := writeBitField(c, cst, v); err != nil {
					t.Fatalf("pos=%d size=%d v=%d: %v", pos, size, v, err)
				}
				got, err := readBitField(c, cst)
				if err != nil {
					t.Fatal(err)
				}
				if got != v {
					t.Fatalf("pos=%d size=%d: got %d, want %d (before=%v)", pos, size, got, v, before)
				}
			}
		}
	}
}

func TestBitFieldPreservesOtherBits(t *testing.T) {
	def := newTestDef(2)
	c := NewCache(def)
	c.LoadPage(0, []byte{0xFF, 0xFF})

	pos, size := uint8(2), uint8(3)
	cst := &ini.Constant{Page: 0, Offset: 0, DataType: ini.U08, Shape: ini.ScalarShape(), BitPosition: &pos, BitSize: &size}
	if err := writeBitField(c, cst, 0); err != nil {
		t.Fatal(err)
	}
	raw, _ := c.ReadBytes(0, 0, 1)
	// bits 2,3,4 cleared; bits 0,1,5,6,7 must remain set.
	want := byte(0xFF) &^ (byte(0b111) << 2)
	if raw[0] != want {
		t.Errorf("byte = %08b, want %08b", raw[0], want)
	}
}

func cache0Bytes(c *Cache) ([]byte, bool) {
	return c.ReadBytes(0, 0, 4)
}
