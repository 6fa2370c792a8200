package ini

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPreprocessorIfElse(t *testing.T) {
	text := "#set X\n" +
		"[MegaTune]\n" +
		"#if X\n" +
		"queryCommand = \"r\\x00\"\n" +
		"#else\n" +
		"queryCommand = \"Q\"\n" +
		"#endif\n"
	def, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.QueryCommand != "r\x00" {
		t.Errorf("queryCommand = %q, want %q", def.QueryCommand, "r\x00")
	}

	text2 := "[MegaTune]\n" +
		"#if X\n" +
		"queryCommand = \"r\\x00\"\n" +
		"#else\n" +
		"queryCommand = \"Q\"\n" +
		"#endif\n"
	def2, err := Parse(text2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def2.QueryCommand != "Q" {
		t.Errorf("queryCommand = %q, want %q", def2.QueryCommand, "Q")
	}
}

func TestIncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "a.ini"), `#include "b.ini"`)
	mustWrite(t, filepath.Join(dir, "b.ini"), `#include "a.ini"`)

	_, err := ParseFile(filepath.Join(dir, "a.ini"))
	if err == nil {
		t.Fatal("expected a cycle error, got nil")
	}
}

func TestIncludeDepthExceeded(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 18; i++ {
		name := filepath.Join(dir, file(i))
		next := file(i + 1)
		mustWrite(t, name, `#include "`+next+`"`)
	}
	mustWrite(t, filepath.Join(dir, file(18)), "[MegaTune]\nsignature=\"x\"\n")

	_, err := ParseFile(filepath.Join(dir, file(0)))
	if err == nil {
		t.Fatal("expected a depth-exceeded error, got nil")
	}
}

func file(i int) string { return "inc" + itoa(i) + ".ini" }

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConstantLayoutScalar(t *testing.T) {
	text := "[Constants]\npage = 1\n" +
		`reqFuel = scalar, U16, 0, "ms", 0.1, 0.0, 0, 25.5, 1` + "\n"
	def, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, ok := def.Constants["reqFuel"]
	if !ok {
		t.Fatal("reqFuel not registered")
	}
	if c.Offset != 0 || c.DataType != U16 || c.Scale != 0.1 || c.Translate != 0.0 {
		t.Errorf("reqFuel = %+v", c)
	}
}

func TestConstantLayoutArrayLastOffset(t *testing.T) {
	text := "[Constants]\npage = 1\n" +
		`reqFuel = scalar, U08, 1234, "ms", 0.1, 0.0, 0, 25.5, 1` + "\n" +
		`afrTable = array, U08, lastOffset, [16x16], "AFR", 0.1, 0.0, 0, 25.5, 1` + "\n"
	def, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, ok := def.Constants["afrTable"]
	if !ok {
		t.Fatal("afrTable not registered")
	}
	if c.Offset != 1235 {
		t.Errorf("afrTable.Offset = %d, want 1235 (1234 + 1 byte)", c.Offset)
	}
	if c.Shape.Kind != ShapeArray2D || c.Shape.Rows != 16 || c.Shape.Cols != 16 {
		t.Errorf("afrTable.Shape = %+v, want 16x16", c.Shape)
	}
}

func TestTableDimensionResolution(t *testing.T) {
	text := "[Constants]\npage = 1\n" +
		`veRpmBins = array, U08, 0, [16], "RPM", 100, 0, 0, 25500, 0` + "\n" +
		`veFuelBins = array, U08, 16, [16], "kPa", 1, 0, 0, 255, 0` + "\n" +
		`veTable = array, U08, 32, [16x16], "", 1, 0, 0, 255, 0` + "\n" +
		"[TableEditor]\n" +
		`veTableTbl = veTable, "VE Table", veRpmBins, veFuelBins` + "\n"
	def, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(def.Tables) != 1 {
		t.Fatalf("len(Tables) = %d, want 1", len(def.Tables))
	}
	tbl := def.Tables[0]
	if tbl.XSize != 16 || tbl.YSize != 16 {
		t.Errorf("table dims = %dx%d, want 16x16", tbl.XSize, tbl.YSize)
	}
}

func TestVariableSubstitution(t *testing.T) {
	text := "[PcVariables]\n" +
		`tsCanId = U08, "", 1, 0, 0, 255, 0` + "\n" +
		"[Constants]\n" +
		`burstGetCommand = "\$tsCanId\x04"` + "\n"
	def, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := []byte(def.Protocol.BurstGetCommand)
	want := []byte{0x00, 0x04}
	if string(got) != string(want) {
		t.Errorf("burstGetCommand = %v, want %v", got, want)
	}
}

func TestEndToEndMinimalDefinition(t *testing.T) {
	text := "[MegaTune]\nsignature=\"X\"\n" +
		"[Constants]\npage=1\n" +
		`reqFuel=scalar,U16,0,"ms",0.1,0,0,25.5,1` + "\n"
	def, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Signature != "X" {
		t.Errorf("signature = %q", def.Signature)
	}
	c := def.Constants["reqFuel"]
	if c == nil {
		t.Fatal("reqFuel missing")
	}
	if got := c.RawToDisplay(100); got != 10.0 {
		t.Errorf("RawToDisplay(100) = %v, want 10.0", got)
	}
}
