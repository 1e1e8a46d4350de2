//go:build (windows && (386 || amd64)) || (linux && amd64 && cgo) || (linux && arm64 && cgo)

package j2534

import (
	"errors"
	"fmt"
	"time"

	"github.com/roffe/gocan/pkg/passthru"
)

// binding is the part of *passthru.PassThru the driver calls. Every method
// has the same signature on each platform the binding supports.
type binding interface {
	PassThruOpen(deviceName string, pDeviceID *uint32) error
	PassThruClose(deviceID uint32) error
	PassThruConnect(deviceID, protocolID, flags, baudRate uint32, pChannelID *uint32) error
	PassThruDisconnect(channelID uint32) error
	PassThruStartMsgFilter(channelID, filterType uint32, pMaskMsg, pPatternMsg, pFlowControlMsg *passthru.PassThruMsg, pMsgID *uint32) error
	PassThruIoctl(handleID, ioctlID uint32, opts ...interface{}) error
	PassThruWriteMsgs(channelID uint32, pMsg *passthru.PassThruMsg, pNumMsgs *uint32, timeout uint32) error
	PassThruReadMsg(channelID uint32, pMsg *passthru.PassThruMsg, timeout uint32) (uint32, error)
	// Close frees the driver library.
	Close() error
}

var _ binding = (*passthru.PassThru)(nil)

// driver adapts the gocan PassThru binding to API.
type driver struct {
	path string
	pt   binding
}

func loadLibrary(path string) (API, error) {
	pt, err := passthru.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrDriver, path, err)
	}
	return &driver{path: path, pt: pt}, nil
}

func (d *driver) Open(name string) (uint32, error) {
	var id uint32
	if err := d.pt.PassThruOpen(name, &id); err != nil {
		return 0, fmt.Errorf("%w: PassThruOpen: %v", ErrDriver, err)
	}
	return id, nil
}

func (d *driver) CloseDevice(dev uint32) error {
	if err := d.pt.PassThruClose(dev); err != nil {
		return fmt.Errorf("%w: PassThruClose: %v", ErrDriver, err)
	}
	return nil
}

func (d *driver) Connect(dev, protocol, flags, baud uint32) (uint32, error) {
	var ch uint32
	if err := d.pt.PassThruConnect(dev, protocol, flags, baud, &ch); err != nil {
		return 0, fmt.Errorf("%w: PassThruConnect: %v", ErrDriver, err)
	}
	return ch, nil
}

func (d *driver) Disconnect(ch uint32) error {
	if err := d.pt.PassThruDisconnect(ch); err != nil {
		return fmt.Errorf("%w: PassThruDisconnect: %v", ErrDriver, err)
	}
	return nil
}

func (d *driver) StartMsgFilter(ch, kind uint32, mask, pattern, flow *Msg) (uint32, error) {
	var id uint32
	if err := d.pt.PassThruStartMsgFilter(ch, kind, toNative(mask), toNative(pattern), toNative(flow), &id); err != nil {
		return 0, fmt.Errorf("%w: PassThruStartMsgFilter: %v", ErrDriver, err)
	}
	return id, nil
}

func (d *driver) SetConfig(ch uint32, params ...Param) error {
	list := &passthru.SCONFIG_LIST{NumOfParams: uint32(len(params))}
	for _, p := range params {
		list.Params = append(list.Params, passthru.SCONFIG{Parameter: p.ID, Value: p.Value})
	}
	if err := d.pt.PassThruIoctl(ch, passthru.SET_CONFIG, list); err != nil {
		return fmt.Errorf("%w: SET_CONFIG: %v", ErrDriver, err)
	}
	return nil
}

func (d *driver) WriteMsgs(ch uint32, msgs []Msg, timeout time.Duration) (int, error) {
	for i := range msgs {
		n := uint32(1)
		if err := d.pt.PassThruWriteMsgs(ch, toNative(&msgs[i]), &n, uint32(timeout.Milliseconds())); err != nil {
			return i, fmt.Errorf("%w: PassThruWriteMsgs: %v", ErrDriver, err)
		}
	}
	return len(msgs), nil
}

// ReadMsgs waits up to timeout for the first message, then collects
// whatever else is already queued.
func (d *driver) ReadMsgs(ch uint32, max int, timeout time.Duration) ([]Msg, error) {
	var out []Msg
	wait := uint32(timeout.Milliseconds())
	for len(out) < max {
		var pm passthru.PassThruMsg
		n, err := d.pt.PassThruReadMsg(ch, &pm, wait)
		if err != nil {
			if len(out) > 0 || emptyRead(err) {
				return out, nil
			}
			return nil, fmt.Errorf("%w: PassThruReadMsg: %v", ErrDriver, err)
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, fromNative(&pm))
		wait = 0
	}
	return out, nil
}

// Unload frees the driver library.
func (d *driver) Unload() error {
	if err := d.pt.Close(); err != nil {
		return fmt.Errorf("%w: unload %s: %v", ErrDriver, d.path, err)
	}
	return nil
}

// emptyRead reports ERR_BUFFER_EMPTY and ERR_TIMEOUT, which only mean
// nothing arrived.
func emptyRead(err error) bool {
	return errors.Is(err, passthru.ErrBufferEmpty) || errors.Is(err, passthru.ErrTimeout)
}

func toNative(m *Msg) *passthru.PassThruMsg {
	if m == nil {
		return nil
	}
	pm := &passthru.PassThruMsg{
		ProtocolID: m.Protocol,
		TxFlags:    m.TxFlags,
		DataSize:   uint32(len(m.Data)),
	}
	copy(pm.Data[:], m.Data)
	return pm
}

func fromNative(pm *passthru.PassThruMsg) Msg {
	n := min(int(pm.DataSize), len(pm.Data))
	return Msg{
		Protocol: pm.ProtocolID,
		RxStatus: pm.RxStatus,
		TxFlags:  pm.TxFlags,
		Data:     append([]byte(nil), pm.Data[:n]...),
	}
}
