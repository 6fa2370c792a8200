package ini

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxIncludeDepth bounds #include recursion; exceeding it is a hard error.
const maxIncludeDepth = 16

// preprocessor runs the line-level, order-sensitive directive pass:
// #set/#unset toggle a symbol table, #if/#else/#endif gate emission with
// an explicit boolean stack (never recursion), #define registers option
// lists for Bits constants, and #include inlines another file's fully
// preprocessed lines at the point of inclusion — which is what gives
// "later overrides earlier" for scalars and "extend" for collections
// their natural meaning once the flattened stream is parsed in order.
type preprocessor struct {
	symbols map[string]bool
	defines map[string][]string
}

func newPreprocessor() *preprocessor {
	return &preprocessor{symbols: map[string]bool{}, defines: map[string][]string{}}
}

// flatten resolves all preprocessor directives in text (whose file lives
// at baseDir, used to resolve relative #include paths) and returns the
// ordered list of surviving content lines (section headers and key=value
// entries), with all #directives consumed. active is the set of
// canonical paths currently being included, used for cycle detection.
func (p *preprocessor) flatten(baseDir, text string, depth int, active map[string]bool) ([]string, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("ini: include depth exceeds %d", maxIncludeDepth)
	}

	lines := joinContinuations(strings.Split(text, "\n"))

	var out []string
	var ifStack []bool // true = branch currently active

	activeNow := func() bool {
		for _, v := range ifStack {
			if !v {
				return false
			}
		}
		return true
	}

	for _, raw := range lines {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			fields := strings.Fields(line)
			directive := fields[0]
			switch directive {
			case "#set":
				if activeNow() && len(fields) > 1 {
					p.symbols[fields[1]] = true
				}
			case "#unset":
				if activeNow() && len(fields) > 1 {
					delete(p.symbols, fields[1])
				}
			case "#if":
				cond := false
				if len(fields) > 1 {
					cond = p.symbols[fields[1]]
				}
				ifStack = append(ifStack, cond)
			case "#ifdef":
				cond := false
				if len(fields) > 1 {
					cond = p.symbols[fields[1]]
				}
				ifStack = append(ifStack, cond)
			case "#ifndef":
				cond := true
				if len(fields) > 1 {
					cond = !p.symbols[fields[1]]
				}
				ifStack = append(ifStack, cond)
			case "#else":
				if len(ifStack) > 0 {
					ifStack[len(ifStack)-1] = !ifStack[len(ifStack)-1]
				}
			case "#endif":
				if len(ifStack) > 0 {
					ifStack = ifStack[:len(ifStack)-1]
				}
			case "#define":
				if activeNow() {
					p.handleDefine(line)
				}
			case "#include":
				if activeNow() {
					incLines, err := p.handleInclude(baseDir, line, depth, active)
					if err != nil {
						return nil, err
					}
					out = append(out, incLines...)
				}
			default:
				// Unknown directive: ignored silently (robust tolerance).
			}
			continue
		}

		if activeNow() {
			out = append(out, line)
		}
	}
	// A missing #endif at end-of-file is tolerated silently.
	return out, nil
}

// handleDefine registers "#define name = v1, v2, ..." where values
// beginning with "$" are resolved from a prior define, recursively.
func (p *preprocessor) handleDefine(line string) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "#define"))
	key, value, ok := parseKeyValue(rest)
	if !ok {
		// "#define name v1, v2" form with no "=".
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return
		}
		key, value = parts[0], parts[1]
	}
	key = strings.TrimSpace(key)
	var resolved []string
	for _, tok := range splitIniLine(value) {
		tok = unquote(strings.TrimSpace(tok))
		resolved = append(resolved, p.resolveDefineRef(tok)...)
	}
	p.defines[key] = resolved
}

func (p *preprocessor) resolveDefineRef(tok string) []string {
	if strings.HasPrefix(tok, "$") {
		name := strings.TrimPrefix(tok, "$")
		if vals, ok := p.defines[name]; ok {
			return vals
		}
		return nil
	}
	return []string{tok}
}

// handleInclude resolves #include "path" relative to baseDir, rejecting
// cycles (by canonical path) and depths beyond maxIncludeDepth.
func (p *preprocessor) handleInclude(baseDir, line string, depth int, active map[string]bool) ([]string, error) {
	start := strings.IndexByte(line, '"')
	end := strings.LastIndexByte(line, '"')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("ini: malformed #include directive: %s", line)
	}
	rawPath := line[start+1 : end]

	var fullPath string
	if filepath.IsAbs(rawPath) {
		fullPath = rawPath
	} else {
		fullPath = filepath.Join(baseDir, rawPath)
	}
	canon, err := filepath.Abs(fullPath)
	if err != nil {
		canon = fullPath
	}
	canon = filepath.Clean(canon)

	if active[canon] {
		return nil, fmt.Errorf("ini: include cycle detected at %s", canon)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("ini: cannot read included file %s: %w", fullPath, err)
	}

	active[canon] = true
	defer delete(active, canon)

	return p.flatten(filepath.Dir(fullPath), string(data), depth+1, active)
}
