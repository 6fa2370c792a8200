package ini

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
)

// Parse loads a definition from in-memory text. Relative #include
// directives resolve against the current working directory; use
// ParseFile when includes must resolve relative to a file on disk.
func Parse(text string) (*EcuDefinition, error) {
	return parse(".", text)
}

// ParseFile loads a definition from a file on disk, resolving relative
// #include directives against the file's containing directory.
func ParseFile(path string) (*EcuDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Op: "read " + path, Err: err}
	}
	return parse(filepath.Dir(path), string(data))
}

func parse(baseDir, text string) (*EcuDefinition, error) {
	pp := newPreprocessor()
	lines, err := pp.flatten(baseDir, text, 0, map[string]bool{})
	if err != nil {
		return nil, &errs.ConfigError{Op: "preprocess", Err: err}
	}

	def := NewEcuDefinition()
	def.Defines = pp.defines

	st := &parseState{def: def, pcValues: map[string]byte{}}

	for _, line := range lines {
		st.dispatch(line)
	}

	st.postProcess()
	return def, nil
}

// parseState carries the running section-dispatch context across the
// flattened line stream: the active section, the Constants section's
// running lastOffset (reset whenever a "page = N" line is seen), and
// the current page index.
type parseState struct {
	def     *EcuDefinition
	section string

	currentPage uint8
	lastOffset  int

	pcValues map[string]byte

	pendingSubst []*string // fields set before PcVariables was fully known
}

func (st *parseState) dispatch(line string) {
	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		st.section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
		st.def.RawSections[st.section] = true
		return
	}

	key, value, ok := parseKeyValue(line)
	if !ok {
		return
	}

	switch st.section {
	case "MegaTune", "TunerStudio":
		st.dispatchHeader(key, value)
	case "Constants":
		st.dispatchConstants(key, value)
	case "PcVariables":
		st.dispatchPCVariable(key, value)
	case "OutputChannels":
		st.dispatchOutputChannel(key, value)
	case "TableEditor":
		st.dispatchTable(key, value)
	case "CurveEditor":
		st.dispatchCurve(key, value)
	case "Menu":
		st.dispatchMenu(key, value)
	case "UserDefined":
		st.dispatchUserDefined(key, value)
	default:
		// Every other optional section (SettingContextHelp, FrontPage,
		// ControllerCommands, LoggerDefinition, PortEditor,
		// ReferenceTables, FTPBrowser, DatalogViews, KeyActions,
		// VeAnalyze, WueAnalyze, GammaE, ConstantsExtensions, Defaults,
		// Datalog, SettingGroups, GaugeConfigurations) is recorded as
		// present via RawSections but its body is not modeled further;
		// nothing here feeds typed access, the protocol client, or the
		// cache.
	}
}

// dispatchUserDefined registers the topic names declared by a
// "help = name, ..." entry. The topic's title/web-help/body lines are
// presentation-only and out of scope here; only the name is needed to
// retype a menu item whose target names a registered help topic.
func (st *parseState) dispatchUserDefined(key, value string) {
	if key != "help" {
		return
	}
	fields := splitIniLine(value)
	if len(fields) == 0 {
		return
	}
	st.def.HelpTopics[strings.TrimSpace(fields[0])] = true
}

func (st *parseState) dispatchHeader(key, value string) {
	switch key {
	case "signature":
		st.def.Signature = substituteVariables(unquote(value), st.pcValues)
	case "queryCommand":
		raw := decodeCommandTemplate(value, st.pcValues)
		st.def.QueryCommand = raw
		st.def.Protocol.QueryCommand = raw
	case "versionInfo":
		st.def.VersionInfo = decodeCommandTemplate(value, st.pcValues)
		st.def.Protocol.VersionInfo = st.def.VersionInfo
	case "endianness":
		st.def.Endianness = parseEndianness(value)
	}
}

// parseEndianness matches the original loader's tolerant rule: any
// value containing "little" (case-insensitive) selects Little, anything
// else selects Big.
func parseEndianness(value string) Endianness {
	if strings.Contains(strings.ToLower(value), "little") {
		return Little
	}
	return Big
}

func (st *parseState) dispatchConstants(key, value string) {
	switch key {
	case "page":
		if n, err := strconv.Atoi(value); err == nil {
			st.currentPage = uint8(n)
			st.lastOffset = 0
		}
		return
	case "pageSize":
		if n, err := strconv.Atoi(value); err == nil {
			st.def.PageSizes[st.currentPage] = n
		}
		return
	case "pageIdentifier":
		st.def.PageIdentifiers[st.currentPage] = parseByteList(value)
		return
	case "queryCommand":
		raw := decodeCommandTemplate(value, st.pcValues)
		st.def.Protocol.QueryCommand = raw
		st.def.QueryCommand = raw
		return
	case "versionInfo":
		st.def.Protocol.VersionInfo = decodeCommandTemplate(value, st.pcValues)
		return
	case "burstGetCommand":
		st.def.Protocol.BurstGetCommand = decodeCommandTemplate(value, st.pcValues)
		return
	case "readCommand":
		st.def.Protocol.ReadCommand[st.currentPage] = decodeCommandTemplate(value, st.pcValues)
		return
	case "writeCommand":
		st.def.Protocol.WriteCommand[st.currentPage] = decodeCommandTemplate(value, st.pcValues)
		return
	case "burnCommand":
		st.def.Protocol.BurnCommand[st.currentPage] = decodeCommandTemplate(value, st.pcValues)
		return
	case "pageActivationDelay":
		st.def.Protocol.PageActivationDelay = atoiDefault(value, st.def.Protocol.PageActivationDelay)
		return
	case "delayAfterPortOpen":
		st.def.Protocol.DelayAfterPortOpen = atoiDefault(value, st.def.Protocol.DelayAfterPortOpen)
		return
	case "interWriteDelay":
		st.def.Protocol.InterWriteDelay = atoiDefault(value, st.def.Protocol.InterWriteDelay)
		return
	case "blockReadTimeout":
		st.def.Protocol.BlockReadTimeout = atoiDefault(value, st.def.Protocol.BlockReadTimeout)
		return
	case "blockingFactor":
		st.def.Protocol.BlockingFactor = atoiDefault(value, st.def.Protocol.BlockingFactor)
		return
	case "writeBlocks":
		st.def.Protocol.WriteBlocks = value == "true" || value == "1"
		return
	case "enableCanId":
		st.def.Protocol.EnableCanID = value == "true" || value == "1"
		return
	case "defaultBaudRate":
		st.def.Protocol.DefaultBaudRate = atoiDefault(value, st.def.Protocol.DefaultBaudRate)
		return
	case "defaultIpPort":
		st.def.Protocol.DefaultIPPort = atoiDefault(value, st.def.Protocol.DefaultIPPort)
		return
	case "useModernProtocol":
		st.def.Protocol.UsesModernProtocol = value == "true" || value == "1"
		return
	case "maxUnusedRuntimeRange":
		st.def.Protocol.MaxUnusedRuntimeRange = atoiDefault(value, st.def.Protocol.MaxUnusedRuntimeRange)
		return
	case "endianness":
		st.def.Endianness = parseEndianness(value)
		return
	}

	c, ok := parseConstantLine(key, value, st.currentPage, st.lastOffset, st.def.Defines)
	if !ok {
		return // malformed constant line: skipped with no registration
	}
	st.def.Constants[key] = c
	st.def.ConstantOrder = append(st.def.ConstantOrder, key)
	if c.BitPosition == nil {
		st.lastOffset = int(c.Offset) + c.DataType.SizeBytes()*c.Shape.ElementCount()
	}
}

func (st *parseState) dispatchPCVariable(key, value string) {
	c, ok := parsePCVariableLine(key, value, st.def.Defines)
	if !ok {
		return
	}
	st.def.PCVariables[key] = c
	st.pcValues[key] = 0
}

func (st *parseState) dispatchOutputChannel(key, value string) {
	fields := splitIniLine(value)
	if len(fields) == 0 {
		return
	}
	if fields[0] == "computed" && len(fields) > 1 {
		st.def.OutputChannels[key] = &OutputChannel{
			Name: key,
			Kind: OutputChannelComputed,
			Expr: unquote(fields[1]),
		}
		return
	}
	if len(fields) < 2 {
		return
	}
	offset, err := strconv.ParseInt(fields[0], 0, 32)
	if err != nil {
		return
	}
	dt, bigEndian, err := FromIniStr(fields[1])
	if err != nil {
		return
	}
	oc := &OutputChannel{Name: key, Kind: OutputChannelRaw, Offset: uint16(offset), DataType: dt, BigEndianOverride: bigEndian, Scale: 1.0}
	if len(fields) > 2 {
		if v, err := strconv.ParseFloat(fields[2], 64); err == nil {
			oc.Scale = v
		}
	}
	if len(fields) > 3 {
		if v, err := strconv.ParseFloat(fields[3], 64); err == nil {
			oc.Translate = v
		}
	}
	if len(fields) > 4 {
		oc.Units = unquote(fields[4])
	}
	st.def.OutputChannels[key] = oc
}

func (st *parseState) dispatchTable(key, value string) {
	fields := splitIniLine(value)
	if len(fields) < 2 {
		return
	}
	t := &Table{Name: key, MapRef: fields[0], Label: unquote(fields[1])}
	if len(fields) > 2 {
		t.XBinsRef = fields[2]
	}
	if len(fields) > 3 {
		t.YBinsRef = fields[3]
	}
	st.def.Tables = append(st.def.Tables, t)
}

func (st *parseState) dispatchCurve(key, value string) {
	fields := splitIniLine(value)
	if len(fields) < 3 {
		return
	}
	c := &Curve{Name: key, Label: unquote(fields[0]), XBinsRef: fields[1], YBinsRef: fields[2]}
	st.def.Curves = append(st.def.Curves, c)
}

func (st *parseState) dispatchMenu(key, value string) {
	fields := splitIniLine(value)
	item := &MenuItem{Kind: MenuDialog, Target: key}
	if len(fields) > 0 {
		item.Label = unquote(fields[0])
	}
	if len(fields) > 1 {
		item.Visibility = unquote(fields[1])
	}
	if len(fields) > 2 {
		item.Enable = unquote(fields[2])
	}
	st.def.Menus = append(st.def.Menus, item)
}

// postProcess runs the two passes spec'd after the single-pass parse
// completes: menu item retyping and table dimension resolution. It also
// re-applies variable substitution to fields that were set before
// PcVariables had been fully parsed.
func (st *parseState) postProcess() {
	def := st.def

	if len(def.PCVariables) > 0 {
		def.QueryCommand = substituteVariables(def.QueryCommand, st.pcValues)
		def.Protocol.QueryCommand = substituteVariables(def.Protocol.QueryCommand, st.pcValues)
		def.Protocol.VersionInfo = substituteVariables(def.Protocol.VersionInfo, st.pcValues)
		def.Protocol.BurstGetCommand = substituteVariables(def.Protocol.BurstGetCommand, st.pcValues)
		for p, cmd := range def.Protocol.ReadCommand {
			def.Protocol.ReadCommand[p] = substituteVariables(cmd, st.pcValues)
		}
		for p, cmd := range def.Protocol.WriteCommand {
			def.Protocol.WriteCommand[p] = substituteVariables(cmd, st.pcValues)
		}
		for p, cmd := range def.Protocol.BurnCommand {
			def.Protocol.BurnCommand[p] = substituteVariables(cmd, st.pcValues)
		}
	}

	mapNames := map[string]bool{}
	for _, t := range def.Tables {
		mapNames[t.Name] = true
		mapNames[t.MapRef] = true
	}
	for _, c := range def.Curves {
		mapNames[c.Name] = true
	}
	retypeMenuItems(def.Menus, def.HelpTopics, mapNames)

	for _, t := range def.Tables {
		resolveTableDimensions(t, def)
	}
}

func retypeMenuItems(items []*MenuItem, helpTopics, mapNames map[string]bool) {
	for _, item := range items {
		switch {
		case item.Target == "std_separator":
			item.Kind = MenuSeparator
		case strings.HasPrefix(item.Target, "std_"):
			item.Kind = MenuStd
		case helpTopics[item.Target]:
			item.Kind = MenuHelp
		case mapNames[item.Target]:
			item.Kind = MenuTable
		}
		if len(item.Children) > 0 {
			retypeMenuItems(item.Children, helpTopics, mapNames)
		}
	}
}

// resolveTableDimensions derives x_size/y_size from the referenced
// x_bins/y_bins constants' shapes; absent those, falls back to the
// 2-D map constant's own shape.
func resolveTableDimensions(t *Table, def *EcuDefinition) {
	if xb, ok := def.Constants[t.XBinsRef]; ok {
		t.XSize = xb.Shape.ElementCount()
	}
	if yb, ok := def.Constants[t.YBinsRef]; ok {
		t.YSize = yb.Shape.ElementCount()
	} else {
		t.YSize = 1
	}
	if t.XSize == 0 {
		if m, ok := def.Constants[t.MapRef]; ok {
			t.XSize = m.Shape.XSize()
			t.YSize = m.Shape.YSize()
		}
	}
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return n
	}
	return def
}

// parseByteList parses a comma-separated list of byte literals (decimal
// or "0x" hex) into raw bytes, e.g. a pageIdentifier declaration.
func parseByteList(value string) []byte {
	var out []byte
	for _, tok := range splitIniLine(value) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if n, err := strconv.ParseInt(tok, 0, 16); err == nil {
			out = append(out, byte(n))
		}
	}
	return out
}

// decodeCommandTemplate applies variable substitution, then escape
// decoding, to a raw command-template string and returns it as a Go
// string holding the final raw bytes (command templates are processed
// byte-for-byte downstream by the protocol templater, which still needs
// to see the literal "%Ni"/"%No"/"%Nc"/"%v" substitution markers — only
// $-variables and \-escapes are resolved here).
func decodeCommandTemplate(value string, pcValues map[string]byte) string {
	unq := unquote(value)
	substituted := substituteVariables(unq, pcValues)
	return string(decodeEscapesPreservingPercent(substituted))
}

// decodeEscapesPreservingPercent decodes \x/\n/\r/\t/\\/\0 sequences
// while leaving "%" template markers untouched for the protocol
// templater to consume.
func decodeEscapesPreservingPercent(s string) []byte {
	return decodeEscapes(s)
}
