package protocol

import (
	"fmt"
	"strconv"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
)

// CommandBuilder assembles one complete command byte sequence from an
// INI command template ("R%2i%2o%2c", "C%2i%2o%2c%v", "B%2i", ...),
// substituting:
//
//   %Ni — the page identifier, packed into N bytes
//   %No — the byte offset, N bytes, big-endian
//   %Nc — the byte count, N bytes, big-endian
//   %v  — the payload bytes (writes only)
//
// Literal characters (including any already-decoded $-variable and
// escape bytes from the loader) pass through unchanged. The page
// identifier is substituted as its raw declared bytes, truncated or
// zero-padded on the left to N bytes — not reinterpreted as an integer
// — so that page_identifiers=[[0,0],[0,1]] with page=1 and "%2i"
// yields the literal bytes [0x00, 0x01].
type CommandBuilder struct{}

// Build renders template against the given page identifier, offset,
// count, and (for writes) payload.
func (CommandBuilder) Build(template string, pageIdentifier []byte, offset, count uint32, payload []byte) ([]byte, error) {
	out := make([]byte, 0, len(template)+8)
	i := 0
	for i < len(template) {
		c := template[i]
		if c != '%' {
			out = append(out, c)
			i++
			continue
		}
		if i+1 >= len(template) {
			out = append(out, c)
			i++
			continue
		}
		// Parse the optional numeric width.
		j := i + 1
		for j < len(template) && template[j] >= '0' && template[j] <= '9' {
			j++
		}
		if j >= len(template) {
			out = append(out, template[i:]...)
			break
		}
		widthStr := template[i+1 : j]
		verb := template[j]

		switch verb {
		case 'i':
			n := widthOrDefault(widthStr, len(pageIdentifier))
			out = append(out, packBytes(pageIdentifier, n)...)
		case 'o':
			n := widthOrDefault(widthStr, 2)
			out = append(out, packUint(uint64(offset), n)...)
		case 'c':
			n := widthOrDefault(widthStr, 2)
			out = append(out, packUint(uint64(count), n)...)
		case 'v':
			out = append(out, payload...)
		default:
			return nil, &errs.ConfigError{Op: "build_command", Err: fmt.Errorf("unknown template verb %%%c", verb)}
		}
		i = j + 1
	}
	return out, nil
}

func widthOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// packBytes pads raw on the left with zero bytes, or truncates it from
// the left, so the result is exactly n bytes long.
func packBytes(raw []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(raw) == n {
		return append([]byte(nil), raw...)
	}
	if len(raw) > n {
		return append([]byte(nil), raw[len(raw)-n:]...)
	}
	out := make([]byte, n)
	copy(out[n-len(raw):], raw)
	return out
}

// packUint packs v as n big-endian bytes, truncating high bytes if v
// doesn't fit.
func packUint(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}
