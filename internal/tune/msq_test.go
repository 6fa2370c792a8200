package tune

import (
	"math"
	"testing"
)

func TestMSQRoundTrip(t *testing.T) {
	tu := NewTune("speeduino 202310")
	tu.SetScalar("AFR", 2, 14.5)
	tu.SetArray("veTable", 1, []float64{1, 2, 3, 4, 5})

	rendered := tu.RenderMSQ()
	loaded, err := ParseMSQ(rendered)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	afr, ok := loaded.Constants["AFR"]
	if !ok {
		t.Fatal("AFR missing after round-trip")
	}
	if math.Abs(afr.Scalar-14.5) > 1e-12 {
		t.Errorf("AFR = %v, want ~14.5", afr.Scalar)
	}
	if afr.Page != 2 {
		t.Errorf("AFR.Page = %d, want 2", afr.Page)
	}

	ve, ok := loaded.Constants["veTable"]
	if !ok || ve.Kind != ValueArray {
		t.Fatalf("veTable missing or wrong kind: %+v", ve)
	}
	if len(ve.Array) != 5 {
		t.Fatalf("veTable len = %d, want 5", len(ve.Array))
	}
	if ve.Page != 1 {
		t.Errorf("veTable.Page = %d, want 1", ve.Page)
	}
}

func TestMSQFloatPrecision(t *testing.T) {
	tu := NewTune("x")
	const want = 1.234567890123456789
	tu.SetScalar("v", 0, want)

	rendered := tu.RenderMSQ()
	loaded, err := ParseMSQ(rendered)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := loaded.Constants["v"].Scalar
	eps := 10 * 2.220446049250313e-16
	if math.Abs(got-want) > eps {
		t.Errorf("got %v, want %v (diff %v > eps %v)", got, want, math.Abs(got-want), eps)
	}
}

func TestMSQInvalidData(t *testing.T) {
	_, err := ParseMSQ("not xml at all")
	if err == nil {
		t.Fatal("expected an error for content with no signature and no constants")
	}
}

func TestMSQLargeArrayChunking(t *testing.T) {
	tu := NewTune("x")
	arr := make([]float64, 20)
	for i := range arr {
		arr[i] = float64(i)
	}
	tu.SetArray("big", 0, arr)

	rendered := tu.RenderMSQ()
	loaded, err := ParseMSQ(rendered)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := loaded.Constants["big"]
	if got.Kind != ValueArray || len(got.Array) != 20 {
		t.Fatalf("big = %+v", got)
	}
}
