package protocol

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/RallyPat/LibreTune-sub000/internal/ini"
)

// fakePort is an in-memory SerialPort: writes are recorded, and reads
// drain a preloaded response buffer with an inter-character gap small
// enough to resolve quickly in tests.
type fakePort struct {
	mu       sync.Mutex
	written  []byte
	toRead   []byte
	readErr  error
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toRead) == 0 {
		return 0, nil
	}
	n := copy(p, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakePort) ResetInputBuffer() error  { return nil }
func (f *fakePort) ResetOutputBuffer() error { return nil }
func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) Close() error             { return nil }

func testDef() *ini.EcuDefinition {
	def := ini.NewEcuDefinition()
	def.Protocol.QueryCommand = "Q"
	def.Protocol.DelayAfterPortOpen = 0
	def.Protocol.PageActivationDelay = 1
	def.Protocol.BlockReadTimeout = 60
	return def
}

func fastTiming() AdaptiveTimingConfig {
	return AdaptiveTimingConfig{
		Enabled:     false,
		MinTimeout:  20 * time.Millisecond,
		MaxTimeout:  60 * time.Millisecond,
		SampleCount: 20,
		Multiplier:  2.5,
	}
}

func TestHandshakeModernSuccess(t *testing.T) {
	def := testDef()
	def.Protocol.UsesModernProtocol = true

	signaturePayload := append([]byte{0x00}, []byte("speeduino 202310")...)
	frame, _ := BuildModernFrame(signaturePayload)
	fp := &fakePort{toRead: frame}

	conn := NewConnection(def, ConnectionConfig{
		PortPath:       "/dev/fake",
		BaudRate:       115200,
		AdaptiveTiming: fastTiming(),
		OpenPort: func(path string, mode *serial.Mode) (SerialPort, error) {
			return fp, nil
		},
	})

	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != Connected {
		t.Fatalf("state = %v, want Connected", conn.State())
	}
	if !conn.modern {
		t.Fatal("expected modern mode to be locked in")
	}
	if conn.Signature() != "speeduino 202310" {
		t.Fatalf("signature = %q", conn.Signature())
	}
}

func TestHandshakeFallsBackToLegacy(t *testing.T) {
	def := testDef()
	def.Protocol.UsesModernProtocol = false

	fp := &fakePort{toRead: []byte("speeduino 202310")}

	conn := NewConnection(def, ConnectionConfig{
		PortPath:       "/dev/fake",
		BaudRate:       115200,
		AdaptiveTiming: fastTiming(),
		OpenPort: func(path string, mode *serial.Mode) (SerialPort, error) {
			return fp, nil
		},
	})

	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.modern {
		t.Fatal("expected legacy mode")
	}
	if conn.Signature() != "speeduino 202310" {
		t.Fatalf("signature = %q", conn.Signature())
	}
}

func TestBurnEmptyTemplateNoIO(t *testing.T) {
	def := testDef()
	fp := &fakePort{}
	conn := NewConnection(def, ConnectionConfig{
		PortPath: "/dev/fake",
		BaudRate: 115200,
		AdaptiveTiming: fastTiming(),
		OpenPort: func(path string, mode *serial.Mode) (SerialPort, error) { return fp, nil },
	})
	conn.port = fp // bypass Connect/handshake for this unit test

	if err := conn.Burn(3); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if len(fp.written) != 0 {
		t.Fatalf("expected no I/O for an empty burn template, got %v", fp.written)
	}
}

func TestChooseRuntimeCommand(t *testing.T) {
	def := testDef()
	conn := NewConnection(def, ConnectionConfig{PortPath: "rfcomm0", BaudRate: 115200, AdaptiveTiming: fastTiming()})

	choice := conn.ChooseRuntimeCommand(true)
	if !choice.UseOCH || !bytes.Contains([]byte(choice.Reason), []byte("slow link")) {
		t.Fatalf("choice = %+v, want OCH with 'slow link'", choice)
	}

	conn2 := NewConnection(def, ConnectionConfig{PortPath: "/dev/ttyUSB0", BaudRate: 115200, AdaptiveTiming: AdaptiveTimingConfig{Enabled: true, MaxTimeout: time.Second}})
	conn2.timing.RecordResponseTime(200 * time.Millisecond)
	conn2.timing.RecordResponseTime(180 * time.Millisecond)
	choice2 := conn2.ChooseRuntimeCommand(true)
	if !choice2.UseOCH || !bytes.Contains([]byte(choice2.Reason), []byte("adaptive")) {
		t.Fatalf("choice2 = %+v, want OCH with 'adaptive'", choice2)
	}

	conn3 := NewConnection(def, ConnectionConfig{PortPath: "rfcomm0", BaudRate: 115200, RuntimeMode: ModeForceBurst})
	choice3 := conn3.ChooseRuntimeCommand(true)
	if choice3.UseOCH {
		t.Fatalf("ForceBurst must always select burst, got %+v", choice3)
	}
}

func TestSendConsoleCommandUnframed(t *testing.T) {
	def := testDef()
	fp := &fakePort{toRead: []byte("ok\r\n")}
	conn := NewConnection(def, ConnectionConfig{
		PortPath:       "/dev/fake",
		BaudRate:       115200,
		AdaptiveTiming: fastTiming(),
	})
	conn.port = fp

	resp, err := conn.SendConsoleCommand("help")
	if err != nil {
		t.Fatalf("SendConsoleCommand: %v", err)
	}
	if resp != "ok\r\n" {
		t.Fatalf("resp = %q, want %q", resp, "ok\\r\\n")
	}
	if !bytes.Equal(fp.written, []byte("help\n")) {
		t.Fatalf("written = %q, want %q", fp.written, "help\\n")
	}
}
