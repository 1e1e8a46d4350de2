// Package j2534test provides an in-memory PassThru driver for tests.
package j2534test

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-datalink/internal/j2534"
)

var ErrUnknownChannel = errors.New("j2534test: unknown channel")

// Connection records one PassThruConnect call.
type Connection struct {
	Device, Protocol, Flags, Baud uint32
}

// Filter records one PassThruStartMsgFilter call.
type Filter struct {
	Channel, Kind       uint32
	Mask, Pattern, Flow []byte
}

// API is a scripted driver. Frames written to a channel are recorded;
// frames queued with Inject are returned by ReadMsgs.
type API struct {
	mu       sync.Mutex
	nextID   uint32
	devices  map[uint32]bool
	channels map[uint32][]j2534.Msg

	Connections []Connection
	Filters     []Filter
	Written     []j2534.Msg
	Configs     []j2534.Param
	Opens       int
	OpenNames   []string
	Closes      int
	Unloads     int
	Disconnects int

	// OpenErr, when set, fails every Open.
	OpenErr error
	// OnWrite, when set, runs after each written message and may Inject replies.
	OnWrite func(ch uint32, m j2534.Msg)
}

var _ j2534.API = (*API)(nil)

func New() *API {
	return &API{devices: map[uint32]bool{}, channels: map[uint32][]j2534.Msg{}}
}

func (a *API) Open(name string) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.OpenNames = append(a.OpenNames, name)
	if a.OpenErr != nil {
		return 0, a.OpenErr
	}
	a.nextID++
	a.devices[a.nextID] = true
	a.Opens++
	return a.nextID, nil
}

func (a *API) CloseDevice(dev uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.devices, dev)
	a.Closes++
	return nil
}

func (a *API) Connect(dev, protocol, flags, baud uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.devices[dev] {
		return 0, j2534.ErrDriver
	}
	a.nextID++
	a.channels[a.nextID] = nil
	a.Connections = append(a.Connections, Connection{dev, protocol, flags, baud})
	return a.nextID, nil
}

func (a *API) Disconnect(ch uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.channels[ch]; !ok {
		return ErrUnknownChannel
	}
	delete(a.channels, ch)
	a.Disconnects++
	return nil
}

func (a *API) StartMsgFilter(ch, kind uint32, mask, pattern, flow *j2534.Msg) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := Filter{Channel: ch, Kind: kind, Mask: mask.Data, Pattern: pattern.Data}
	if flow != nil {
		f.Flow = flow.Data
	}
	a.Filters = append(a.Filters, f)
	return uint32(len(a.Filters)), nil
}

func (a *API) SetConfig(_ uint32, params ...j2534.Param) error {
	a.mu.Lock()
	a.Configs = append(a.Configs, params...)
	a.mu.Unlock()
	return nil
}

func (a *API) WriteMsgs(ch uint32, msgs []j2534.Msg, _ time.Duration) (int, error) {
	a.mu.Lock()
	if _, ok := a.channels[ch]; !ok {
		a.mu.Unlock()
		return 0, ErrUnknownChannel
	}
	a.Written = append(a.Written, msgs...)
	hook := a.OnWrite
	a.mu.Unlock()
	if hook != nil {
		for _, m := range msgs {
			hook(ch, m)
		}
	}
	return len(msgs), nil
}

func (a *API) ReadMsgs(ch uint32, max int, timeout time.Duration) ([]j2534.Msg, error) {
	deadline := time.Now().Add(timeout)
	for {
		a.mu.Lock()
		q, ok := a.channels[ch]
		if !ok {
			a.mu.Unlock()
			return nil, ErrUnknownChannel
		}
		if len(q) > 0 {
			n := min(max, len(q))
			out := append([]j2534.Msg(nil), q[:n]...)
			a.channels[ch] = q[n:]
			a.mu.Unlock()
			return out, nil
		}
		a.mu.Unlock()
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (a *API) Unload() error {
	a.mu.Lock()
	a.Unloads++
	a.mu.Unlock()
	return nil
}

// Inject queues a received message on ch.
func (a *API) Inject(ch uint32, m j2534.Msg) {
	a.mu.Lock()
	a.channels[ch] = append(a.channels[ch], m)
	a.mu.Unlock()
}

// Names returns the device names passed to Open, in call order.
func (a *API) Names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.OpenNames...)
}

// OpenDevices reports how many devices are open.
func (a *API) OpenDevices() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.devices)
}

// LastChannel returns the most recently connected channel id.
func (a *API) LastChannel() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var last uint32
	for id := range a.channels {
		last = max(last, id)
	}
	return last
}

// Snapshot returns copies of the recorded calls.
func (a *API) Snapshot() (conns []Connection, filters []Filter, written []j2534.Msg) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Connection(nil), a.Connections...), append([]Filter(nil), a.Filters...), append([]j2534.Msg(nil), a.Written...)
}

// Counts returns open/close/unload/disconnect totals.
func (a *API) Counts() (opens, closes, unloads, disconnects int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Opens, a.Closes, a.Unloads, a.Disconnects
}

// CANFrame builds a received raw CAN message.
func CANFrame(id uint32, data ...byte) j2534.Msg {
	b := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	return j2534.Msg{Protocol: j2534.ProtoCAN, Data: append(b, data...)}
}

// ISOTPFrame builds a received ISO15765 message.
func ISOTPFrame(id uint32, payload ...byte) j2534.Msg {
	m := CANFrame(id, payload...)
	m.Protocol = j2534.ProtoISO15765
	return m
}
