// Package elm drives ELM327-compatible AT-command adapters over a serial port.
package elm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/logging"
	"github.com/kstaniek/go-datalink/internal/metrics"
	"github.com/kstaniek/go-datalink/internal/serial"
)

const (
	// DefaultBaud is the line speed every ELM327 starts at after reset.
	DefaultBaud = 38400
	// DefaultTimeout bounds one command round trip.
	DefaultTimeout = 2 * time.Second

	resetTimeout = 5 * time.Second
	// brdClock is the oscillator divided by ATBRD.
	brdClock   = 4000000
	brdTimeout = time.Second
	// readTimeout paces the reader so it can observe shutdown.
	readTimeout = 100 * time.Millisecond
)

// initCommands run after reset: echo, linefeeds, spaces and headers off,
// CAN auto formatting on.
var initCommands = []string{"ATE0", "ATL0", "ATS0", "ATH0", "ATCAF1"}

// openPort is swapped in tests.
var openPort = func(name string, baud int) (serial.Port, error) {
	return serial.Open(name, baud, readTimeout)
}

// Device is one open adapter session. Commands are serialized.
type Device struct {
	mu      sync.Mutex
	name    string
	baud    uint32
	ident   string
	timeout time.Duration
	log     *slog.Logger

	// setup is the key of the addressing commands last applied.
	setup string

	port   serial.Port
	rx     chan []byte
	quit   chan struct{}
	done   chan struct{}
	closed bool
}

// Open resets the adapter on port name and, when baud is non-zero,
// switches the line speed with ATBRD.
func Open(name string, baud uint32, l *slog.Logger) (*Device, error) {
	if l == nil {
		l = logging.For("elm")
	}
	p, err := openPort(name, DefaultBaud)
	if err != nil {
		return nil, fmt.Errorf("elm: open %s: %w", name, err)
	}
	d := &Device{name: name, baud: DefaultBaud, timeout: DefaultTimeout, log: l}
	d.attach(p)
	if err := d.init(baud); err != nil {
		_ = d.Close()
		return nil, err
	}
	l.Info("elm_session_open", "port", name, "baud", d.baud, "version", d.ident)
	return d, nil
}

func (d *Device) init(baud uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	lines, err := d.command("ATZ", resetTimeout)
	if err != nil {
		return fmt.Errorf("elm: reset: %w", err)
	}
	for _, ln := range lines {
		if strings.Contains(ln, "ELM") {
			d.ident = ln
		}
	}
	for _, c := range initCommands {
		if err := d.expectOK(c); err != nil {
			return err
		}
	}
	if baud != 0 && baud != d.baud {
		return d.setBaudrate(baud)
	}
	return nil
}

// Port returns the serial port name.
func (d *Device) Port() string { return d.name }

// Ident returns the version banner printed on reset.
func (d *Device) Ident() string { return d.ident }

// Baudrate returns the current line speed.
func (d *Device) Baudrate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

// Command sends one command line and returns the response lines.
func (d *Device) Command(cmd string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.command(cmd, d.timeout)
}

// Configure applies setup commands unless they are already in effect.
func (d *Device) Configure(setup []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configure(setup)
}

// Exchange applies setup when another user changed the adapter state since,
// then sends cmd. Both happen under one lock so no other command can slip
// in between.
func (d *Device) Exchange(setup []string, cmd string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.configure(setup); err != nil {
		return nil, err
	}
	return d.command(cmd, d.timeout)
}

func (d *Device) configure(setup []string) error {
	key := strings.Join(setup, ";")
	if key == d.setup {
		return nil
	}
	d.setup = ""
	for _, c := range setup {
		if _, err := d.command(c, d.timeout); err != nil {
			return err
		}
	}
	d.setup = key
	return nil
}

// SetTimeout changes the per-command response bound.
func (d *Device) SetTimeout(t time.Duration) {
	d.mu.Lock()
	d.timeout = t
	d.mu.Unlock()
}

// Close ends the session and closes the port.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.detach()
	d.log.Info("elm_session_close", "port", d.name)
	return err
}

func (d *Device) expectOK(cmd string) error {
	lines, err := d.command(cmd, d.timeout)
	if err != nil {
		return fmt.Errorf("elm: %s: %w", cmd, err)
	}
	for _, ln := range lines {
		if ln == "OK" {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %q", ErrBadResponse, cmd, lines)
}

func (d *Device) command(cmd string, timeout time.Duration) ([]string, error) {
	if d.closed || d.port == nil {
		return nil, ErrClosed
	}
	d.drain()
	if _, err := d.port.Write([]byte(cmd + "\r")); err != nil {
		metrics.IncError(metrics.ErrElmCommand)
		return nil, err
	}
	raw, err := d.readUntil(timeout, func(s string) bool { return strings.Contains(s, ">") })
	if err != nil {
		metrics.IncError(metrics.ErrElmCommand)
		d.log.Debug("elm_command_error", "cmd", cmd, "partial", raw, "error", err)
		return nil, err
	}
	lines := splitLines(raw, cmd)
	d.log.Debug("elm_command", "cmd", cmd, "response", lines)
	return lines, responseError(lines)
}

// setBaudrate runs the ATBRD handshake: the adapter acknowledges, switches
// speed, prints its banner and waits for a carriage return to confirm.
func (d *Device) setBaudrate(baud uint32) error {
	div := (brdClock + baud/2) / baud
	if div < 8 || div > 0xFF {
		return fmt.Errorf("%w: %d baud out of range", ErrBaudrate, baud)
	}
	cmd := fmt.Sprintf("ATBRD%02X", div)
	d.drain()
	if _, err := d.port.Write([]byte(cmd + "\r")); err != nil {
		return err
	}
	ack, err := d.readUntil(d.timeout, func(s string) bool {
		return strings.Contains(s, "OK") || strings.Contains(s, "?")
	})
	if err != nil {
		return fmt.Errorf("elm: %s: %w", cmd, err)
	}
	if strings.Contains(ack, "?") {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	prev := d.baud
	if err := d.reopen(baud); err != nil {
		return err
	}
	banner, err := d.readUntil(brdTimeout, func(s string) bool {
		return strings.Contains(strings.TrimLeft(s, "\r\n "), "\r")
	})
	if err == nil && strings.Contains(banner, "ELM") {
		if _, err = d.port.Write([]byte("\r")); err == nil {
			var ok string
			ok, err = d.readUntil(d.timeout, func(s string) bool { return strings.Contains(s, ">") })
			if err == nil && strings.Contains(ok, "OK") {
				d.log.Info("elm_baudrate_set", "port", d.name, "baud", baud)
				return nil
			}
		}
	}
	// the adapter falls back to the old speed on its own
	if rerr := d.reopen(prev); rerr == nil {
		_, _ = d.readUntil(d.timeout, func(s string) bool { return strings.Contains(s, ">") })
	}
	return fmt.Errorf("%w: %d baud (banner %q): %v", ErrBaudrate, baud, strings.TrimSpace(banner), err)
}

func (d *Device) reopen(baud uint32) error {
	if err := d.detach(); err != nil {
		d.log.Debug("elm_port_close_error", "port", d.name, "error", err)
	}
	p, err := openPort(d.name, int(baud))
	if err != nil {
		return fmt.Errorf("elm: reopen %s at %d: %w", d.name, baud, err)
	}
	d.baud = baud
	d.attach(p)
	return nil
}

// attach starts the reader for p. Bytes are handed over in chunks so
// command timeouts do not depend on the port's own read semantics.
func (d *Device) attach(p serial.Port) {
	rx := make(chan []byte, 64)
	quit := make(chan struct{})
	done := make(chan struct{})
	d.port, d.rx, d.quit, d.done = p, rx, quit, done
	go func() {
		defer close(done)
		defer close(rx)
		buf := make([]byte, 256)
		for {
			n, err := p.Read(buf)
			if n > 0 {
				select {
				case rx <- append([]byte(nil), buf[:n]...):
				case <-quit:
					return
				}
			}
			// io.EOF is the port's read timeout
			if err != nil && !errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-quit:
				return
			default:
			}
		}
	}()
}

func (d *Device) detach() error {
	if d.port == nil {
		return nil
	}
	close(d.quit)
	err := d.port.Close()
	<-d.done
	d.port = nil
	return err
}

func (d *Device) drain() {
	for {
		select {
		case _, ok := <-d.rx:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (d *Device) readUntil(timeout time.Duration, complete func(string) bool) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var sb strings.Builder
	for {
		select {
		case chunk, ok := <-d.rx:
			if !ok {
				return sb.String(), ErrClosed
			}
			sb.Write(chunk)
			if complete(sb.String()) {
				return sb.String(), nil
			}
		case <-timer.C:
			return sb.String(), ErrTimeout
		}
	}
}
