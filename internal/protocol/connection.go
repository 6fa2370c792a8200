package protocol

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
	"github.com/RallyPat/LibreTune-sub000/internal/ini"
)

// ConnectionState tracks a connection through its lifecycle.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	ConnError
)

// RuntimePacketMode selects how live data is fetched.
type RuntimePacketMode int

const (
	ModeAuto RuntimePacketMode = iota
	ModeForceBurst
	ModeForceOCH
	ModeDisabled
)

// SerialPort is the subset of go.bug.st/serial.Port the connection
// worker drives; a fake satisfying this interface stands in for tests.
type SerialPort interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Counters are cumulative, diagnostic-only byte/packet counts. They are
// updated with atomic adds so they can be read without locking.
type Counters struct {
	TxBytes   uint64
	RxBytes   uint64
	TxPackets uint64
	RxPackets uint64
}

// ConnectionConfig carries the knobs a Connection needs beyond what the
// definition itself supplies.
type ConnectionConfig struct {
	PortPath        string
	BaudRate        int
	AdaptiveTiming  AdaptiveTimingConfig
	RuntimeMode     RuntimePacketMode
	OpenPort        func(path string, mode *serial.Mode) (SerialPort, error)
}

// Connection drives one serial port through handshake, page I/O, and
// live-data fetch. It is synchronous and meant to be owned by exactly
// one worker goroutine; the byte image it feeds is a *tune.Cache owned
// by the same worker.
type Connection struct {
	def    *ini.EcuDefinition
	cfg    ConnectionConfig
	port   SerialPort
	mu     sync.Mutex

	state  ConnectionState
	modern bool // locked-in frame format after handshake

	timing   *AdaptiveTiming
	counters Counters

	signature string
}

// NewConnection builds a Connection against a definition and transport
// configuration. The port is not opened yet. With adaptive timing
// disabled, the definition's block read timeout is the overall read
// timeout.
func NewConnection(def *ini.EcuDefinition, cfg ConnectionConfig) *Connection {
	if cfg.OpenPort == nil {
		cfg.OpenPort = defaultOpenPort
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = def.Protocol.DefaultBaudRate
	}
	if !cfg.AdaptiveTiming.Enabled && def.Protocol.BlockReadTimeout > 0 {
		cfg.AdaptiveTiming.MaxTimeout = time.Duration(def.Protocol.BlockReadTimeout) * time.Millisecond
	}
	return &Connection{
		def:    def,
		cfg:    cfg,
		state:  Disconnected,
		timing: NewAdaptiveTiming(cfg.AdaptiveTiming),
	}
}

func defaultOpenPort(path string, mode *serial.Mode) (SerialPort, error) {
	return serial.Open(path, mode)
}

// State reports the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetCounters returns a snapshot of the cumulative I/O counters.
func (c *Connection) GetCounters() Counters {
	return Counters{
		TxBytes:   atomic.LoadUint64(&c.counters.TxBytes),
		RxBytes:   atomic.LoadUint64(&c.counters.RxBytes),
		TxPackets: atomic.LoadUint64(&c.counters.TxPackets),
		RxPackets: atomic.LoadUint64(&c.counters.RxPackets),
	}
}

// Signature returns the ECU signature string obtained at handshake.
func (c *Connection) Signature() string { return c.signature }

// AdaptiveAverage returns the current adaptive-timing average response
// time, or zero if adaptive timing is disabled or no samples yet exist.
func (c *Connection) AdaptiveAverage() time.Duration {
	if c.timing == nil {
		return 0
	}
	return c.timing.AverageResponseTime()
}

// Connect opens the port, clears buffers, waits the configured
// post-open delay, clears buffers again, and runs the handshake.
func (c *Connection) Connect() error {
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	mode := &serial.Mode{
		BaudRate: c.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := c.cfg.OpenPort(c.cfg.PortPath, mode)
	if err != nil {
		c.setState(ConnError)
		return &errs.TransportError{Op: "open", Err: err}
	}
	if err := port.SetReadTimeout(c.timing.GetTimeout()); err != nil {
		port.Close()
		c.setState(ConnError)
		return &errs.TransportError{Op: "set_read_timeout", Err: err}
	}
	c.port = port

	port.ResetInputBuffer()
	port.ResetOutputBuffer()
	time.Sleep(time.Duration(c.def.Protocol.DelayAfterPortOpen) * time.Millisecond)
	port.ResetInputBuffer()
	time.Sleep(20 * time.Millisecond)

	if err := c.handshake(); err != nil {
		c.setState(ConnError)
		return err
	}
	c.setState(Connected)
	return nil
}

// Disconnect closes the port and returns to Disconnected.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		err := c.port.Close()
		c.port = nil
		c.state = Disconnected
		return err
	}
	c.state = Disconnected
	return nil
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// handshake implements the three-way fallback: if the definition
// advertises the modern envelope, try it first, then legacy; otherwise
// try legacy first, with a last-resort modern retry if that fails.
// Firmware that mis-advertises its frame format is common enough that
// the extra fallback step is load-bearing, not incidental.
func (c *Connection) handshake() error {
	query := decodeQueryCommand(c.def.Protocol.QueryCommand)

	tryModern := func() bool {
		frame, err := BuildModernFrame(query)
		if err != nil {
			return false
		}
		if _, err := c.writeAndWait(frame); err != nil {
			return false
		}
		resp, err := c.readWithDeadline()
		if err != nil || len(resp) == 0 {
			return false
		}
		payload, err := ParseModernFrame(resp)
		if err != nil {
			return false
		}
		c.signature = strings.TrimSpace(stripLeadingZero(payload))
		c.modern = true
		return true
	}

	tryLegacy := func() bool {
		if len(query) == 0 {
			return false
		}
		if _, err := c.writeAndWait(query[:1]); err != nil {
			return false
		}
		resp, err := c.readWithDeadline()
		if err != nil || len(resp) == 0 {
			return false
		}
		c.signature = strings.TrimSpace(string(resp))
		c.modern = false
		return true
	}

	if c.def.Protocol.UsesModernProtocol {
		if tryModern() {
			return nil
		}
		c.clearBuffers()
		time.Sleep(20 * time.Millisecond)
		if tryLegacy() {
			return nil
		}
	} else {
		if tryLegacy() {
			return nil
		}
		c.clearBuffers()
		time.Sleep(20 * time.Millisecond)
		if tryModern() {
			return nil
		}
	}
	return &errs.ProtocolError{Op: "handshake", Err: fmt.Errorf("no response from ECU in either frame format")}
}

func stripLeadingZero(payload []byte) string {
	if len(payload) > 0 && payload[0] == 0 {
		payload = payload[1:]
	}
	return string(payload)
}

func decodeQueryCommand(s string) []byte { return []byte(s) }

func (c *Connection) clearBuffers() {
	if c.port != nil {
		c.port.ResetInputBuffer()
		c.port.ResetOutputBuffer()
	}
}

// writeAndWait writes all of b, then waits max(min_wait,
// transmit_time(b, baud) + margin) before the caller starts reading.
func (c *Connection) writeAndWait(b []byte) (int, error) {
	n, err := c.port.Write(b)
	if err != nil {
		return n, &errs.TransportError{Op: "write", Err: err}
	}
	atomic.AddUint64(&c.counters.TxBytes, uint64(n))
	atomic.AddUint64(&c.counters.TxPackets, 1)

	transmitTime := time.Duration(float64(len(b)) * 10 * float64(time.Second) / float64(c.cfg.BaudRate))
	margin := 5 * time.Millisecond
	wait := transmitTime + margin
	if minWait := c.timing.GetMinWait(); wait < minWait {
		wait = minWait
	}
	time.Sleep(wait)
	return n, nil
}

// readWithDeadline polls bytes off the port until inter-character
// quiescence follows at least one received byte, or the overall timeout
// elapses.
func (c *Connection) readWithDeadline() ([]byte, error) {
	overall := c.timing.GetTimeout()
	interChar := c.timing.GetInterCharTimeout()
	deadline := time.Now().Add(overall)
	start := time.Now()

	var buf []byte
	lastByteAt := time.Time{}
	poll := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := c.port.Read(poll)
		if n > 0 {
			buf = append(buf, poll[:n]...)
			lastByteAt = time.Now()
			atomic.AddUint64(&c.counters.RxBytes, uint64(n))
		}
		if err != nil && n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		if len(buf) > 0 && time.Since(lastByteAt) >= interChar {
			break
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if len(buf) == 0 {
		c.timing.ResetOnError()
		return nil, &errs.TimeoutError{Op: "read_with_deadline"}
	}
	atomic.AddUint64(&c.counters.RxPackets, 1)
	if c.cfg.AdaptiveTiming.Enabled {
		c.timing.RecordResponseTime(time.Since(start))
	}
	return buf, nil
}

// readExact polls until exactly n bytes have arrived or the overall
// timeout elapses.
func (c *Connection) readExact(n int) ([]byte, error) {
	deadline := time.Now().Add(c.timing.GetTimeout())
	buf := make([]byte, 0, n)
	poll := make([]byte, n)
	for len(buf) < n && time.Now().Before(deadline) {
		got, err := c.port.Read(poll[:n-len(buf)])
		if got > 0 {
			buf = append(buf, poll[:got]...)
			atomic.AddUint64(&c.counters.RxBytes, uint64(got))
		}
		if err != nil && got == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	if len(buf) < n {
		c.timing.ResetOnError()
		return nil, &errs.TimeoutError{Op: fmt.Sprintf("read_exact: got %d of %d bytes", len(buf), n)}
	}
	return buf, nil
}
