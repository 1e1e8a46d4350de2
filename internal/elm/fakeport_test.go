package elm

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/serial"
)

// fakeAdapter scripts an ELM327 behind the openPort hook. Each open
// returns a fresh port bound to the adapter state.
type fakeAdapter struct {
	mu        sync.Mutex
	responses map[string]string // command -> body printed before the prompt
	commands  []string
	opens     []int
	silent    map[string]bool
	brd       bool // acknowledge ATBRD and confirm at the new speed
	cur       *fakePort
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{responses: map[string]string{
		"ATZ": "ATZ\r\rELM327 v1.5",
	}, silent: map[string]bool{}}
}

func (a *fakeAdapter) install(t interface{ Cleanup(func()) }) {
	prev := openPort
	openPort = a.open
	t.Cleanup(func() { openPort = prev })
}

func (a *fakeAdapter) open(name string, baud int) (serial.Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := &fakePort{a: a, out: make(chan []byte, 64), closed: make(chan struct{})}
	a.opens = append(a.opens, baud)
	a.cur = p
	if len(a.opens) > 1 && a.brd {
		p.out <- []byte("ELM327 v1.5\r")
	}
	return p, nil
}

func (a *fakeAdapter) set(cmd, body string) {
	a.mu.Lock()
	a.responses[cmd] = body
	a.mu.Unlock()
}

func (a *fakeAdapter) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.commands...)
}

func (a *fakeAdapter) handle(p *fakePort, cmd string) {
	a.mu.Lock()
	a.commands = append(a.commands, cmd)
	body, ok := a.responses[cmd]
	brd := a.brd
	mute := a.silent[cmd]
	a.mu.Unlock()
	switch {
	case mute:
	case cmd == "" && brd:
		p.emit("OK\r\r>")
	case strings.HasPrefix(cmd, "ATBRD"):
		if brd {
			p.emit("OK\r")
		} else {
			p.emit("?\r\r>")
		}
	case ok:
		p.emit(body + "\r\r>")
	case strings.HasPrefix(cmd, "AT"):
		p.emit("OK\r\r>")
	default:
		p.emit("NO DATA\r\r>")
	}
}

type fakePort struct {
	a      *fakeAdapter
	out    chan []byte
	mu     sync.Mutex
	line   strings.Builder
	closed chan struct{}
	once   sync.Once
}

var _ serial.Port = (*fakePort)(nil)

func (p *fakePort) emit(s string) {
	select {
	case p.out <- []byte(s):
	case <-p.closed:
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(b, chunk), nil
	case <-p.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(10 * time.Millisecond):
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	for _, c := range b {
		if c != '\r' {
			p.mu.Lock()
			p.line.WriteByte(c)
			p.mu.Unlock()
			continue
		}
		p.mu.Lock()
		cmd := p.line.String()
		p.line.Reset()
		p.mu.Unlock()
		go p.a.handle(p, cmd)
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
