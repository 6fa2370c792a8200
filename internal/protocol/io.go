package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/RallyPat/LibreTune-sub000/internal/errs"
)

var builder CommandBuilder

// ReadMemory issues one read_memory call for the given page, offset,
// and length, substituting the page's read template, framing per the
// locked-in wire format, and — in modern mode — stripping and
// validating the leading status byte.
func (c *Connection) ReadMemory(page uint8, offset, length uint32) ([]byte, error) {
	tmpl, ok := c.def.Protocol.ReadCommand[page]
	if !ok || tmpl == "" {
		return nil, &errs.SemanticError{Op: "read_memory", Err: fmt.Errorf("no read command for page %d", page)}
	}
	ident := c.def.PageIdentifiers[page]
	cmd, err := builder.Build(tmpl, ident, offset, length, nil)
	if err != nil {
		return nil, err
	}
	return c.sendAndReceive(cmd)
}

// ReadPage reads an entire page in blocking_factor-sized chunks and
// concatenates the result.
func (c *Connection) ReadPage(page uint8) ([]byte, error) {
	size := c.def.PageSizes[page]
	chunk := c.def.Protocol.BlockingFactor
	if chunk <= 0 {
		chunk = size
	}
	out := make([]byte, 0, size)
	for off := 0; off < size; off += chunk {
		n := chunk
		if off+n > size {
			n = size - off
		}
		data, err := c.ReadMemory(page, uint32(off), uint32(n))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteMemory issues one write_memory call, substituting %v with
// payload.
func (c *Connection) WriteMemory(page uint8, offset uint32, payload []byte) error {
	tmpl, ok := c.def.Protocol.WriteCommand[page]
	if !ok || tmpl == "" {
		return &errs.SemanticError{Op: "write_memory", Err: fmt.Errorf("no write command for page %d", page)}
	}
	ident := c.def.PageIdentifiers[page]
	cmd, err := builder.Build(tmpl, ident, offset, uint32(len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive(cmd)
	return err
}

// Burn issues the page's burn command. An empty template means "not
// burnable" and succeeds without any I/O. The burn command expects no
// response; after sending, Burn itself sleeps max(PageActivationDelay,
// 2s) for flash completion before returning.
func (c *Connection) Burn(page uint8) error {
	tmpl, ok := c.def.Protocol.BurnCommand[page]
	if !ok || tmpl == "" {
		return nil
	}
	ident := c.def.PageIdentifiers[page]
	cmd, err := builder.Build(tmpl, ident, 0, 0, nil)
	if err != nil {
		return err
	}

	var sendErr error
	if c.modern {
		frame, ferr := BuildModernFrame(cmd)
		if ferr != nil {
			return ferr
		}
		_, sendErr = c.writeAndWait(frame)
	} else {
		_, sendErr = c.writeAndWait(cmd)
	}
	if sendErr != nil {
		c.timing.ResetOnError()
		return sendErr
	}

	wait := time.Duration(c.def.Protocol.PageActivationDelay) * time.Millisecond
	if wait < 2*time.Second {
		wait = 2 * time.Second
	}
	time.Sleep(wait)
	return nil
}

// sendAndReceive frames cmd per the locked-in wire format, sends it,
// reads the response, and — in modern mode — strips and validates the
// leading status byte.
func (c *Connection) sendAndReceive(cmd []byte) ([]byte, error) {
	if c.modern {
		frame, err := BuildModernFrame(cmd)
		if err != nil {
			return nil, err
		}
		if _, err := c.writeAndWait(frame); err != nil {
			c.timing.ResetOnError()
			return nil, err
		}
		lenHdr, err := c.readExact(2)
		if err != nil {
			return nil, err
		}
		length := int(lenHdr[0])<<8 | int(lenHdr[1])
		if length > MaxPacketSize {
			c.timing.ResetOnError()
			return nil, &errs.ProtocolError{Op: "read_frame", Err: fmt.Errorf("declared length %d exceeds %d", length, MaxPacketSize)}
		}
		rest, err := c.readExact(length + 4)
		if err != nil {
			return nil, err
		}
		full := append(append([]byte{}, lenHdr...), rest...)
		payload, err := ParseModernFrame(full)
		if err != nil {
			c.timing.ResetOnError()
			return nil, err
		}
		if len(payload) == 0 {
			return nil, &errs.ProtocolError{Op: "read_frame", Err: fmt.Errorf("empty payload")}
		}
		if payload[0] != 0 {
			return nil, &errs.ProtocolError{Op: "read_frame", Err: fmt.Errorf("non-zero status byte 0x%02X", payload[0])}
		}
		return payload[1:], nil
	}

	if _, err := c.writeAndWait(cmd); err != nil {
		c.timing.ResetOnError()
		return nil, err
	}
	resp, err := c.readWithDeadline()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadBurst issues the definition's burst-get command (default "A") and
// returns the raw response bytes. Used for the default live-data stream
// when no OCH command is selected.
func (c *Connection) ReadBurst() ([]byte, error) {
	cmd := c.def.Protocol.BurstGetCommand
	if cmd == "" {
		return nil, &errs.SemanticError{Op: "read_burst", Err: fmt.Errorf("no burst command configured")}
	}
	return c.sendAndReceive([]byte(cmd))
}

// SendConsoleCommand sends a text command terminated with a newline and
// returns the response text, read until inter-character silence. Unlike
// the page and runtime-stream paths, console traffic is never framed —
// it is used exclusively by rusEFI-family firmwares' text console.
func (c *Connection) SendConsoleCommand(cmd string) (string, error) {
	if _, err := c.writeAndWait([]byte(cmd + "\n")); err != nil {
		c.timing.ResetOnError()
		return "", err
	}
	resp, err := c.readWithDeadline()
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// RuntimeChoice records the selected live-data stream and why.
type RuntimeChoice struct {
	UseOCH bool
	Reason string
}

// ChooseRuntimeCommand implements the runtime-stream selection rule:
// explicit override, then INI hint, then slow-link heuristic, then
// adaptive average, else burst. Recomputed on every call.
func (c *Connection) ChooseRuntimeCommand(ochExists bool) RuntimeChoice {
	switch c.cfg.RuntimeMode {
	case ModeForceBurst:
		return RuntimeChoice{UseOCH: false, Reason: "forced burst"}
	case ModeForceOCH:
		return RuntimeChoice{UseOCH: true, Reason: "forced OCH"}
	case ModeDisabled:
		return RuntimeChoice{UseOCH: false, Reason: "runtime stream disabled"}
	}

	if c.def.Protocol.MaxUnusedRuntimeRange > 0 && ochExists {
		return RuntimeChoice{UseOCH: true, Reason: "INI hint (maxUnusedRuntimeRange)"}
	}
	if ochExists && isSlowLink(c.cfg.PortPath, c.cfg.BaudRate) {
		return RuntimeChoice{UseOCH: true, Reason: "slow link"}
	}
	if ochExists && c.timing.AverageResponseTime() > 50*time.Millisecond {
		return RuntimeChoice{UseOCH: true, Reason: "adaptive average response time > 50ms"}
	}
	return RuntimeChoice{UseOCH: false, Reason: "default burst"}
}

func isSlowLink(portPath string, baud int) bool {
	lower := strings.ToLower(portPath)
	for _, marker := range []string{"rfcomm", "bluetooth", "tcp", "telnet", "wifi"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return baud > 0 && baud < 57600
}
