// Package session owns one definition, one byte-image cache, and one
// connection, and coordinates them through the open/poll/flush/burn
// lifecycle a host application drives.
package session

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
	"github.com/RallyPat/LibreTune-sub000/internal/expr"
	"github.com/RallyPat/LibreTune-sub000/internal/ini"
	"github.com/RallyPat/LibreTune-sub000/internal/protocol"
	"github.com/RallyPat/LibreTune-sub000/internal/tune"
)

// Config carries the transport and polling knobs a Session needs beyond
// what the definition itself supplies.
type Config struct {
	PortPath       string
	BaudRate       int
	PollHz         int
	AdaptiveTiming protocol.AdaptiveTimingConfig
	RuntimeMode    protocol.RuntimePacketMode
}

// Frame is one decoded telemetry snapshot.
type Frame struct {
	Stamp    time.Time
	Channels map[string]float64
}

// Diagnostics is the read-only status surface §12.1 asks a host to
// expose: counters, handshake outcome, and the current runtime-stream
// choice.
type Diagnostics struct {
	SessionID       string
	Connected       bool
	Modern          bool
	Signature       string
	Counters        protocol.Counters
	RuntimeChoice   protocol.RuntimeChoice
	AdaptiveAverage time.Duration
	DirtyPages      []uint8
	HasPendingBurn  bool
}

// Session coordinates a definition, a live byte-image cache, and a
// connection through open/poll/flush/burn, mirroring the control flow
// of a ticker-driven poll loop feeding typed decode and dirty tracking.
type Session struct {
	id  string
	def *ini.EcuDefinition
	cfg Config

	mu    sync.Mutex
	cache *tune.Cache
	conn  *protocol.Connection

	computedAST map[string]expr.Expr

	lastFrame *Frame
}

// New builds a Session around an already-loaded definition. The
// connection and cache are constructed but not yet opened.
func New(def *ini.EcuDefinition, cfg Config) *Session {
	if cfg.PollHz <= 0 {
		cfg.PollHz = 20
	}
	connCfg := protocol.ConnectionConfig{
		PortPath:       cfg.PortPath,
		BaudRate:       cfg.BaudRate,
		AdaptiveTiming: cfg.AdaptiveTiming,
		RuntimeMode:    cfg.RuntimeMode,
	}
	s := &Session{
		id:    uuid.NewString(),
		def:   def,
		cfg:   cfg,
		cache: tune.NewCache(def),
		conn:  protocol.NewConnection(def, connCfg),
	}
	s.computedAST = compileComputedChannels(def)
	return s
}

// compileComputedChannels parses every computed output channel's
// expression once at definition load, rather than on every poll tick.
func compileComputedChannels(def *ini.EcuDefinition) map[string]expr.Expr {
	asts := make(map[string]expr.Expr)
	for name, och := range def.OutputChannels {
		if och.Kind != ini.OutputChannelComputed || och.Expr == "" {
			continue
		}
		if ast, err := expr.Parse(och.Expr); err == nil {
			asts[name] = ast
		}
	}
	return asts
}

// ID returns the session's unique identifier, assigned once in New;
// every Open attempt on the same Session logs this same ID.
func (s *Session) ID() string { return s.id }

// Open connects to the ECU, handshakes, and loads every declared page
// into the cache.
func (s *Session) Open(ctx context.Context) error {
	log.Printf("session: %s opening %s", s.id, s.cfg.PortPath)
	if err := s.conn.Connect(); err != nil {
		return fmt.Errorf("session: open: %w", err)
	}
	log.Printf("session: %s connected, signature=%q", s.id, s.conn.Signature())

	for _, p := range s.cache.PagesToLoad() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.cache.MarkLoading(p)
		data, err := s.conn.ReadPage(p)
		if err != nil {
			s.cache.MarkError(p)
			return fmt.Errorf("session: load page %d: %w", p, err)
		}
		s.cache.LoadPage(p, data)
	}
	return nil
}

// Close disconnects the underlying transport.
func (s *Session) Close() error {
	return s.conn.Disconnect()
}

// Poll runs the selected runtime stream once, decodes every output
// channel (raw fields through the typed access path, computed fields
// through the expression engine over the just-decoded raw values), and
// caches the result as the session's last frame.
func (s *Session) Poll(ctx context.Context) (*Frame, error) {
	choice := s.conn.ChooseRuntimeCommand(len(s.def.OutputChannels) > 0)

	var raw []byte
	var err error
	if choice.UseOCH {
		raw, err = s.readOCHBlock()
	} else {
		raw, err = s.readBurstBlock()
	}
	if err != nil {
		return nil, fmt.Errorf("session: poll: %w", err)
	}

	values := map[string]float64{}
	var names []string
	for name := range s.def.OutputChannels {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		och := s.def.OutputChannels[name]
		if och.Kind != ini.OutputChannelRaw {
			continue
		}
		v, derr := decodeRawChannel(raw, och, s.def.Endianness)
		if derr == nil {
			values[name] = v
		}
	}
	if len(s.computedAST) > 0 {
		env := make(expr.Env, len(values))
		for k, v := range values {
			env[k] = v
		}
		for _, name := range names {
			ast, ok := s.computedAST[name]
			if !ok {
				continue
			}
			values[name] = expr.Evaluate(ast, env).AsFloat64()
		}
	}

	frame := &Frame{Stamp: time.Now(), Channels: values}
	s.mu.Lock()
	s.lastFrame = frame
	s.mu.Unlock()
	return frame, nil
}

// LastFrame returns the most recently decoded telemetry snapshot, or
// nil if Poll has not yet succeeded.
func (s *Session) LastFrame() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// readOCHBlock reads the runtime output-channel block via an explicit
// page-memory read (the per-definition OCH path), sized to cover every
// declared raw channel.
func (s *Session) readOCHBlock() ([]byte, error) {
	return s.conn.ReadMemory(0, 0, uint32(s.ochBlockSize()))
}

// readBurstBlock issues the default burst-get command, which returns
// the same fixed-layout runtime block in one shot.
func (s *Session) readBurstBlock() ([]byte, error) {
	return s.conn.ReadBurst()
}

func (s *Session) ochBlockSize() int {
	size := 0
	for _, och := range s.def.OutputChannels {
		if och.Kind != ini.OutputChannelRaw {
			continue
		}
		end := int(och.Offset) + och.DataType.SizeBytes()
		if end > size {
			size = end
		}
	}
	return size
}

// decodeRawChannel decodes one raw output channel from a runtime block,
// using the same per-field-override-beats-global endianness policy as
// the cache's typed constant access (tune.ReadScalar).
func decodeRawChannel(raw []byte, och *ini.OutputChannel, defEndianness ini.Endianness) (float64, error) {
	off := int(och.Offset)
	size := och.DataType.SizeBytes()
	if off < 0 || off+size > len(raw) {
		return 0, &errs.SemanticError{Op: "decode_channel", Err: fmt.Errorf("channel %s out of range", och.Name)}
	}
	order := och.DataType.ByteOrder(och.BigEndianOverride, defEndianness)
	field := raw[off : off+size]

	var raw64 float64
	switch och.DataType {
	case ini.U08:
		raw64 = float64(field[0])
	case ini.S08:
		raw64 = float64(int8(field[0]))
	case ini.U16:
		raw64 = float64(order.Uint16(field))
	case ini.S16:
		raw64 = float64(int16(order.Uint16(field)))
	case ini.U32:
		raw64 = float64(order.Uint32(field))
	case ini.S32:
		raw64 = float64(int32(order.Uint32(field)))
	case ini.F32:
		raw64 = float64(math.Float32frombits(order.Uint32(field)))
	case ini.F64:
		raw64 = math.Float64frombits(order.Uint64(field))
	default:
		return 0, &errs.SemanticError{Op: "decode_channel", Err: fmt.Errorf("unsupported output channel type for %s", och.Name)}
	}
	return raw64*och.Scale + och.Translate, nil
}

// WriteConstant writes a scalar element of a named constant into the
// cache, marking its page dirty.
func (s *Session) WriteConstant(name string, elementIndex int, display float64) error {
	c, ok := s.def.Constants[name]
	if !ok {
		return &errs.SemanticError{Op: "write_constant", Err: fmt.Errorf("unknown constant %q", name)}
	}
	if !c.IsInRange(display) {
		return &errs.SemanticError{Op: "write_constant", Err: fmt.Errorf("%q: %v out of range [%v,%v]", name, display, c.Min, c.Max)}
	}
	return tune.WriteScalar(s.cache, s.def, c, elementIndex, display)
}

// ReadConstant reads a scalar element of a named constant from the
// cache.
func (s *Session) ReadConstant(name string, elementIndex int) (float64, error) {
	c, ok := s.def.Constants[name]
	if !ok {
		return 0, &errs.SemanticError{Op: "read_constant", Err: fmt.Errorf("unknown constant %q", name)}
	}
	return tune.ReadScalar(s.cache, s.def, c, elementIndex)
}

// Cache exposes the underlying byte-image cache for read-mostly
// consumers (the HTTP layer's constant-listing endpoint).
func (s *Session) Cache() *tune.Cache { return s.cache }

// Definition exposes the loaded definition.
func (s *Session) Definition() *ini.EcuDefinition { return s.def }

// Flush writes every dirty page's coalesced ranges back to the ECU, in
// ascending (page, offset) order, honoring the single-worker FIFO
// model: one write in flight at a time.
func (s *Session) Flush(ctx context.Context) error {
	for _, p := range s.cache.DirtyPages() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for _, r := range s.cache.DirtyRanges(p) {
			off, length := r[0], r[1]
			data, ok := s.cache.ReadBytes(p, off, length)
			if !ok {
				continue
			}
			if err := s.conn.WriteMemory(p, uint32(off), data); err != nil {
				return fmt.Errorf("session: flush page %d: %w", p, err)
			}
		}
	}
	s.cache.MarkPending()
	return nil
}

// Burn sends page p's burn command, which waits out the ECU's
// flash-write delay, and then marks every Pending page in the cache
// Clean (the cache's burned marker is not per page).
func (s *Session) Burn(ctx context.Context, page uint8) error {
	if err := s.conn.Burn(page); err != nil {
		return fmt.Errorf("session: burn page %d: %w", page, err)
	}
	s.cache.MarkBurned()
	return nil
}

// Revert discards edits not yet flushed: Dirty pages become NotLoaded
// and must be reloaded. Pending pages (flushed, not yet burned) keep
// their bytes.
func (s *Session) Revert() {
	s.cache.Revert()
}

// Diagnostics snapshots the session's current status for a monitoring
// endpoint.
func (s *Session) Diagnostics() Diagnostics {
	return Diagnostics{
		SessionID:       s.id,
		Connected:       s.conn.State() == protocol.Connected,
		Signature:       s.conn.Signature(),
		Counters:        s.conn.GetCounters(),
		RuntimeChoice:   s.conn.ChooseRuntimeCommand(len(s.def.OutputChannels) > 0),
		AdaptiveAverage: s.conn.AdaptiveAverage(),
		DirtyPages:      s.cache.DirtyPages(),
		HasPendingBurn:  s.cache.HasPendingBurn(),
	}
}
