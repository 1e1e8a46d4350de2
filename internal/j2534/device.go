package j2534

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-datalink/internal/isotp"
)

// Device is an open PassThru device.
type Device struct {
	api  API
	id   uint32
	name string
	log  *slog.Logger
}

// OpenDevice opens the first (or named) device behind api.
func OpenDevice(api API, name string, l *slog.Logger) (*Device, error) {
	id, err := api.Open(name)
	if err != nil {
		return nil, err
	}
	l.Info("passthru_device_open", "device", name, "id", id)
	return &Device{api: api, id: id, name: name, log: l}, nil
}

// ID returns the driver's device handle.
func (d *Device) ID() uint32 { return d.id }

// Close closes the device. Open channels must be disconnected first.
func (d *Device) Close() error {
	err := d.api.CloseDevice(d.id)
	d.log.Info("passthru_device_close", "id", d.id, "error", err)
	return err
}

// ConnectCAN opens a raw CAN channel that passes every frame. release is
// invoked once when the channel closes.
func (d *Device) ConnectCAN(bitrate uint32, release func() error) (*CANChannel, error) {
	ch, err := d.api.Connect(d.id, ProtoCAN, FlagCANIDBoth, bitrate)
	if err != nil {
		return nil, err
	}
	// J2534 drops everything until a filter is installed
	all := &Msg{Protocol: ProtoCAN, Data: []byte{0, 0, 0, 0}}
	if _, err := d.api.StartMsgFilter(ch, PassFilter, all, all, nil); err != nil {
		_ = d.api.Disconnect(ch)
		return nil, err
	}
	if err := d.api.SetConfig(ch, Param{ID: ParamLoopback, Value: 0}); err != nil {
		d.log.Debug("passthru_loopback_config_failed", "channel", ch, "error", err)
	}
	d.log.Debug("passthru_can_connect", "channel", ch, "bitrate", bitrate)
	return newCANChannel(d.api, ch, release, d.log), nil
}

// ConnectISOTP opens a native ISO15765 channel. release is invoked once
// when the channel closes.
func (d *Device) ConnectISOTP(opts isotp.Options, release func() error) (*ISOTPChannel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ch, err := d.connectISO15765(opts)
	if err != nil {
		return nil, err
	}
	return &ISOTPChannel{dev: d, ch: ch, opts: opts, release: release}, nil
}

// connectISO15765 connects and installs the flow-control filter pairing
// opts.DestID (received) with opts.SourceID (flow control sent by the driver).
func (d *Device) connectISO15765(o isotp.Options) (uint32, error) {
	flags := uint32(0)
	if o.SourceID > 0x7FF || o.DestID > 0x7FF {
		flags = FlagCAN29BitID
	}
	ch, err := d.api.Connect(d.id, ProtoISO15765, flags, o.Bitrate)
	if err != nil {
		return 0, err
	}
	mask := &Msg{Protocol: ProtoISO15765, TxFlags: flags, Data: []byte{0xFF, 0xFF, 0xFF, 0xFF}}
	pattern := &Msg{Protocol: ProtoISO15765, TxFlags: flags, Data: encodeID(o.DestID, nil)}
	flow := &Msg{Protocol: ProtoISO15765, TxFlags: flags, Data: encodeID(o.SourceID, nil)}
	if _, err := d.api.StartMsgFilter(ch, FlowControlFilter, mask, pattern, flow); err != nil {
		_ = d.api.Disconnect(ch)
		return 0, fmt.Errorf("flow control filter 0x%X/0x%X: %w", o.SourceID, o.DestID, err)
	}
	err = d.api.SetConfig(ch,
		Param{ID: ParamISO15765BS, Value: uint32(o.BlockSize)},
		Param{ID: ParamISO15765STmin, Value: uint32(o.STmin.Milliseconds())},
	)
	if err != nil {
		d.log.Debug("passthru_isotp_config_failed", "channel", ch, "error", err)
	}
	d.log.Debug("passthru_isotp_connect", "channel", ch, "src", o.SourceID, "dst", o.DestID, "bitrate", o.Bitrate)
	return ch, nil
}
