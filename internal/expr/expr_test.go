package expr

import "testing"

func TestEvaluateFixedCases(t *testing.T) {
	cases := []struct {
		name string
		src  string
		env  Env
		want Value
	}{
		{"arithmetic precedence", "1 + 2 * 3", nil, Number(7)},
		{"logical precedence", "true && false || 1 == 1", nil, Bool(true)},
		{"bitwise mask set", "(flags & 4) == 4", Env{"flags": 5}, Bool(true)},
		{"bitwise mask clear", "(flags & 4) == 4", Env{"flags": 3}, Bool(false)},
		{"comparison true", "rpm > 1000", Env{"rpm": 1500}, Bool(true)},
		{"comparison false", "rpm > 1000", Env{"rpm": 500}, Bool(false)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e, err := Parse(c.src)
			if err != nil {
				t.Fatalf("Parse(%q): %v", c.src, err)
			}
			got := Evaluate(e, c.env)
			if got.AsBool() != c.want.AsBool() || got.AsFloat64() != c.want.AsFloat64() {
				t.Fatalf("Evaluate(%q) = %v, want %v", c.src, got, c.want)
			}
		})
	}
}

func TestDivisionByZeroYieldsZero(t *testing.T) {
	e, err := Parse("10 / 0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Evaluate(e, nil).AsFloat64(); got != 0 {
		t.Fatalf("10/0 = %v, want 0", got)
	}
}

func TestModByZeroYieldsZero(t *testing.T) {
	e, err := Parse("10 % 0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Evaluate(e, nil).AsFloat64(); got != 0 {
		t.Fatalf("10%%0 = %v, want 0", got)
	}
}

func TestUnknownIdentifierResolvesToZero(t *testing.T) {
	e, err := Parse("missingVar + 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Evaluate(e, Env{}).AsFloat64(); got != 1 {
		t.Fatalf("missingVar+1 = %v, want 1", got)
	}
}

func TestUnaryOperators(t *testing.T) {
	e, err := Parse("-5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Evaluate(e, nil).AsFloat64(); got != -5 {
		t.Fatalf("-5 = %v, want -5", got)
	}

	e, err = Parse("!false")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Evaluate(e, nil).AsBool(); !got {
		t.Fatalf("!false = %v, want true", got)
	}

	e, err = Parse("~0")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := Evaluate(e, nil).AsFloat64(); got != -1 {
		t.Fatalf("~0 = %v, want -1", got)
	}
}

func TestStringLiteralNoEscapeProcessing(t *testing.T) {
	e, err := Parse(`"a\nb"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := Evaluate(e, nil).String()
	want := `a\nb`
	if got != want {
		t.Fatalf("string literal = %q, want %q (no escape processing)", got, want)
	}
}

func TestParseErrorOnUnterminatedString(t *testing.T) {
	if _, err := Parse(`"unterminated`); err == nil {
		t.Fatalf("expected parse error for unterminated string")
	}
}

func TestParseErrorOnTrailingTokens(t *testing.T) {
	if _, err := Parse("1 + 2 3"); err == nil {
		t.Fatalf("expected parse error for trailing tokens")
	}
}
