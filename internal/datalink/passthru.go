package datalink

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-datalink/internal/can"
	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/j2534"
	"github.com/kstaniek/go-datalink/internal/logging"
	"github.com/kstaniek/go-datalink/internal/metrics"
	"github.com/kstaniek/go-datalink/internal/session"
)

var errLinkClosed = errors.New("link closed")

// PassThruLink is a J2534 driver. The driver library stays loaded while
// the link or any device opened through it is alive.
type PassThruLink struct {
	info j2534.Info
	log  *slog.Logger

	mu     sync.Mutex
	driver *session.Shared[j2534.API]
	port   string

	slot session.Slot[*j2534.Device]
}

var _ DataLink = (*PassThruLink)(nil)

// NewPassThruLink loads the driver library described by info.
func NewPassThruLink(info j2534.Info) (*PassThruLink, error) {
	log := logging.For("passthru").With("link", info.Name)
	api, err := j2534.Load(info.Library)
	if err != nil {
		return nil, linkErr(info.Name, "load driver", KindDriver, err)
	}
	log.Debug("passthru_driver_load", "library", info.Library)
	drv := session.NewShared(api, func(a j2534.API) error {
		log.Debug("passthru_driver_unload", "library", info.Library)
		return a.Unload()
	})
	return &PassThruLink{info: info, log: log, driver: drv}, nil
}

// Info returns the driver description the link was created from.
func (l *PassThruLink) Info() j2534.Info { return l.info }

func (l *PassThruLink) Name() string { return l.info.Name }
func (l *PassThruLink) Type() Type   { return TypePassThru }

func (l *PassThruLink) SupportedProtocols() Protocol { return ProtocolCAN | ProtocolISOTP }

func (l *PassThruLink) Flags() Flags {
	if l.info.Protocols.Has(j2534.SupportsISO15765) {
		return FlagHardwareISOTP
	}
	return 0
}

// Port is the device name passed to PassThruOpen; empty selects the
// driver's default device.
func (l *PassThruLink) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// SetPort applies to the next device session.
func (l *PassThruLink) SetPort(port string) {
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
}

func (l *PassThruLink) Ports() ([]string, error) { return nil, nil }
func (l *PassThruLink) Baudrate() Baudrate       { return KeepBaudrate }
func (l *PassThruLink) SetBaudrate(Baudrate)     {}

// CAN opens a raw CAN channel on the shared device.
func (l *PassThruLink) CAN(bitrate uint32) (can.Can, error) {
	lease, err := l.getDevice()
	if err != nil {
		return nil, err
	}
	ch, err := lease.Value().ConnectCAN(bitrate, lease.Release)
	if err != nil {
		_ = lease.Release()
		return nil, linkErr(l.info.Name, "connect can", KindDriver, err)
	}
	return ch, nil
}

// ISOTP uses the driver's ISO15765 channel when advertised, otherwise the
// software stack over a raw CAN channel.
func (l *PassThruLink) ISOTP(opts isotp.Options) (isotp.Transport, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !l.info.Protocols.Has(j2534.SupportsISO15765) {
		c, err := l.CAN(opts.Bitrate)
		if err != nil {
			return nil, err
		}
		st, err := isotp.NewStack(c, opts)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		metrics.IncISOTP(metrics.ISOTPSoftware)
		return st, nil
	}
	lease, err := l.getDevice()
	if err != nil {
		return nil, err
	}
	tp, err := lease.Value().ConnectISOTP(opts, lease.Release)
	if err != nil {
		_ = lease.Release()
		return nil, linkErr(l.info.Name, "connect iso15765", KindDriver, err)
	}
	metrics.IncISOTP(metrics.ISOTPNative)
	return tp, nil
}

// Close drops the link's hold on the driver. Channels already open keep
// their device, and with it the driver, alive.
func (l *PassThruLink) Close() error {
	l.mu.Lock()
	drv := l.driver
	l.driver = nil
	l.mu.Unlock()
	if drv == nil {
		return nil
	}
	return drv.Release()
}

func (l *PassThruLink) checkInterface() (*session.Shared[j2534.API], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.driver == nil {
		return nil, linkErr(l.info.Name, "check interface", KindDriver, errLinkClosed)
	}
	return l.driver, nil
}

// getDevice returns a lease on the open device. Each device holds a
// reference on the driver until it is closed.
func (l *PassThruLink) getDevice() (*session.Lease[*j2534.Device], error) {
	drv, err := l.checkInterface()
	if err != nil {
		return nil, err
	}
	return l.slot.Acquire(func() (*j2534.Device, func(*j2534.Device) error, error) {
		if !drv.Retain() {
			return nil, nil, linkErr(l.info.Name, "open device", KindDriver, errLinkClosed)
		}
		dev, err := j2534.OpenDevice(drv.Value(), l.Port(), l.log)
		if err != nil {
			_ = drv.Release()
			return nil, nil, linkErr(l.info.Name, "open device", KindOpen, err)
		}
		metrics.IncSessionOpen(metrics.LinkPassThru)
		return dev, func(d *j2534.Device) error {
			err := d.Close()
			metrics.IncSessionClose(metrics.LinkPassThru)
			return errors.Join(err, drv.Release())
		}, nil
	})
}
