package tune

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
)

// ValueKind discriminates the TuneValue variants an MSQ constant entry
// can hold.
type ValueKind int

const (
	ValueScalar ValueKind = iota
	ValueArray
	ValueString
	ValueBool
)

// TuneValue is one named entry in a tune file.
type TuneValue struct {
	Kind   ValueKind
	Scalar float64
	Array  []float64
	Str    string
	Bool   bool

	// Page records which page this constant was authored into, so Save
	// can emit it under the matching <page> wrapper. The upstream
	// reference implementation this codec is grounded on drops this
	// distinction and dumps every constant under page 0; this port
	// restores it so testable property §8 scenario 6's page-number
	// round-trip holds.
	Page uint8
}

// Tune is an in-memory tune file: metadata plus named constant values
// and optional raw per-page byte blobs.
type Tune struct {
	Signature string
	Timestamp string

	Constants map[string]*TuneValue
	Pages     map[uint8][]byte
}

// NewTune returns an empty tune for the given ECU signature.
func NewTune(signature string) *Tune {
	return &Tune{Signature: signature, Constants: map[string]*TuneValue{}, Pages: map[uint8][]byte{}}
}

// SetScalar records a scalar constant value under the given page.
func (t *Tune) SetScalar(name string, page uint8, v float64) {
	t.Constants[name] = &TuneValue{Kind: ValueScalar, Scalar: v, Page: page}
}

// SetArray records an array constant value under the given page.
func (t *Tune) SetArray(name string, page uint8, v []float64) {
	t.Constants[name] = &TuneValue{Kind: ValueArray, Array: append([]float64(nil), v...), Page: page}
}

// LoadMSQ reads and parses an MSQ file from disk.
func LoadMSQ(path string) (*Tune, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Op: "read msq " + path, Err: err}
	}
	return ParseMSQ(string(data))
}

// ParseMSQ parses MSQ XML content. It tolerates single-line and
// multi-line arrays, bracket-optional values, and comma-or-whitespace
// separators — the format is not strict XML and is scanned rather than
// run through a general-purpose XML parser.
func ParseMSQ(content string) (*Tune, error) {
	t := &Tune{Constants: map[string]*TuneValue{}, Pages: map[uint8][]byte{}}

	t.Signature = extractAttr(content, "signature=\"")
	t.Timestamp = extractAttr(content, "timestamp=\"")

	pos := 0
	currentPage := uint8(0)
	for pos < len(content) {
		pageIdx := indexFrom(content, pos, "<page number=\"")
		constIdx := indexFrom(content, pos, "<constant name=\"")
		dataIdx := indexFrom(content, pos, "<pageData page=\"")

		next := minPositive(pageIdx, constIdx, dataIdx)
		if next < 0 {
			break
		}

		switch next {
		case pageIdx:
			rest := content[pageIdx+len("<page number=\""):]
			end := strings.IndexByte(rest, '"')
			if end < 0 {
				pos = pageIdx + 1
				continue
			}
			if n, err := strconv.Atoi(rest[:end]); err == nil {
				currentPage = uint8(n)
			}
			pos = pageIdx + len("<page number=\"") + end
		case constIdx:
			name, value, newPos, ok := parseConstantElement(content, constIdx)
			if !ok {
				pos = constIdx + 1
				continue
			}
			t.Constants[name] = &TuneValue{Page: currentPage}
			assignParsedValue(t.Constants[name], value)
			pos = newPos
		case dataIdx:
			rest := content[dataIdx+len("<pageData page=\""):]
			quoteEnd := strings.IndexByte(rest, '"')
			if quoteEnd < 0 {
				pos = dataIdx + 1
				continue
			}
			pageNum, _ := strconv.Atoi(rest[:quoteEnd])
			afterAttr := rest[quoteEnd:]
			tagEnd := strings.IndexByte(afterAttr, '>')
			if tagEnd < 0 {
				pos = dataIdx + 1
				continue
			}
			hexStart := dataIdx + len("<pageData page=\"") + quoteEnd + tagEnd + 1
			closeIdx := strings.Index(content[hexStart:], "</pageData>")
			if closeIdx < 0 {
				pos = dataIdx + 1
				continue
			}
			hexStr := strings.TrimSpace(content[hexStart : hexStart+closeIdx])
			if raw, err := decodeHex(hexStr); err == nil {
				t.Pages[uint8(pageNum)] = raw
			}
			pos = hexStart + closeIdx + len("</pageData>")
		}
	}

	if len(t.Constants) == 0 && t.Signature == "" {
		return nil, &errs.ConfigError{Op: "parse msq", Err: fmt.Errorf("not a valid MSQ file")}
	}
	return t, nil
}

func parseConstantElement(content string, start int) (name, value string, newPos int, ok bool) {
	remaining := content[start:]
	const prefix = "<constant name=\""
	nameStart := len(prefix)
	nameEnd := strings.IndexByte(remaining[nameStart:], '"')
	if nameEnd < 0 {
		return "", "", 0, false
	}
	name = remaining[nameStart : nameStart+nameEnd]

	tagEnd := strings.IndexByte(remaining, '>')
	if tagEnd < 0 {
		return "", "", 0, false
	}
	valueStart := tagEnd + 1
	closeIdx := strings.Index(remaining[valueStart:], "</constant>")
	if closeIdx < 0 {
		return "", "", 0, false
	}
	value = strings.TrimSpace(remaining[valueStart : valueStart+closeIdx])
	newPos = start + valueStart + closeIdx + len("</constant>")
	return name, value, newPos, true
}

func assignParsedValue(tv *TuneValue, raw string) {
	looksArray := strings.HasPrefix(raw, "[") || strings.ContainsAny(raw, " \t\n") || strings.Contains(raw, ",")
	if looksArray {
		clean := strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
		var nums []float64
		for _, tok := range strings.FieldsFunc(clean, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
		}) {
			if v, err := strconv.ParseFloat(tok, 64); err == nil {
				nums = append(nums, v)
			}
		}
		switch len(nums) {
		case 0:
			tv.Kind, tv.Str = ValueString, raw
		case 1:
			tv.Kind, tv.Scalar = ValueScalar, nums[0]
		default:
			tv.Kind, tv.Array = ValueArray, nums
		}
		return
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		tv.Kind, tv.Scalar = ValueScalar, v
		return
	}
	if raw == "true" || raw == "false" {
		tv.Kind, tv.Bool = ValueBool, raw == "true"
		return
	}
	tv.Kind, tv.Str = ValueString, raw
}

// SaveMSQ writes the tune to path in MSQ XML form.
func (t *Tune) SaveMSQ(path string) error {
	return os.WriteFile(path, []byte(t.RenderMSQ()), 0644)
}

// RenderMSQ serializes the tune to MSQ XML text, grouping constants by
// their recorded page and using ≥17-significant-digit, trailing-zero-
// trimmed float formatting.
func (t *Tune) RenderMSQ() string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>\n")
	b.WriteString(fmt.Sprintf("<msq signature=%q timestamp=%q>\n", t.Signature, t.Timestamp))

	byPage := map[uint8][]string{}
	for name := range t.Constants {
		v := t.Constants[name]
		byPage[v.Page] = append(byPage[v.Page], name)
	}
	var pages []int
	for p := range byPage {
		pages = append(pages, int(p))
	}
	sort.Ints(pages)

	for _, pInt := range pages {
		p := uint8(pInt)
		names := byPage[p]
		sort.Strings(names)
		fmt.Fprintf(&b, "  <page number=\"%d\">\n", p)
		for _, name := range names {
			fmt.Fprintf(&b, "    <constant name=\"%s\">%s</constant>\n", name, formatValue(t.Constants[name]))
		}
		if raw, ok := t.Pages[p]; ok {
			fmt.Fprintf(&b, "    <pageData page=\"%d\">%s</pageData>\n", p, encodeHex(raw))
		}
		b.WriteString("  </page>\n")
	}
	b.WriteString("</msq>\n")
	return b.String()
}

func formatValue(v *TuneValue) string {
	switch v.Kind {
	case ValueScalar:
		return formatFloat(v.Scalar)
	case ValueArray:
		if len(v.Array) > 16 {
			var lines []string
			for i := 0; i < len(v.Array); i += 16 {
				end := i + 16
				if end > len(v.Array) {
					end = len(v.Array)
				}
				var parts []string
				for _, x := range v.Array[i:end] {
					parts = append(parts, formatFloat(x))
				}
				lines = append(lines, strings.Join(parts, " "))
			}
			return "\n        " + strings.Join(lines, "\n        ") + "\n      "
		}
		var parts []string
		for _, x := range v.Array {
			parts = append(parts, formatFloat(x))
		}
		return strings.Join(parts, " ")
	case ValueString:
		return v.Str
	case ValueBool:
		if v.Bool {
			return "true"
		}
		return "false"
	}
	return ""
}

// formatFloat rounds to 17 significant digits, enough for any float64
// to reparse to the identical value, and drops trailing zeros.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 17, 64)
}

func extractAttr(content, key string) string {
	idx := strings.Index(content, key)
	if idx < 0 {
		return ""
	}
	rest := content[idx+len(key):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func indexFrom(s string, from int, sub string) int {
	if from >= len(s) {
		return -1
	}
	idx := strings.Index(s[from:], sub)
	if idx < 0 {
		return -1
	}
	return from + idx
}

func minPositive(vals ...int) int {
	best := -1
	for _, v := range vals {
		if v < 0 {
			continue
		}
		if best < 0 || v < best {
			best = v
		}
	}
	return best
}

func encodeHex(data []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(data)*2)
	for i, b := range data {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0F]
	}
	return string(out)
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid hex digit")
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
