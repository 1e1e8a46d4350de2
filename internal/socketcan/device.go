//go:build linux

package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-datalink/internal/can"
)

// Device is a bound raw CAN socket.
type Device struct {
	fd    int
	iface string
}

// Open binds a raw CAN socket to iface. Reads return ErrNoFrame after
// readTimeout without traffic so callers can observe shutdown.
func Open(iface string, readTimeout time.Duration) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if readTimeout > 0 {
		tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("SO_RCVTIMEO: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// Interface returns the bound interface name.
func (d *Device) Interface() string { return d.iface }

// ReadMessage reads one classic CAN data frame. Remote and error frames,
// and read timeouts, yield ErrNoFrame.
func (d *Device) ReadMessage() (can.Message, error) {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return can.Message{}, ErrNoFrame
		}
		return can.Message{}, err
	}
	if n != unix.CAN_MTU {
		return can.Message{}, fmt.Errorf("short read: %d", n)
	}
	return decodeFrame(buf[:])
}

// WriteMessage writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteMessage(m can.Message) error {
	var buf [unix.CAN_MTU]byte
	encodeFrame(buf[:], m)
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel uses host byte order; every supported Linux target here is
// little-endian.
func decodeFrame(buf []byte) (can.Message, error) {
	raw := binary.LittleEndian.Uint32(buf[0:4])
	if raw&(can.CAN_RTR_FLAG|can.CAN_ERR_FLAG) != 0 {
		return can.Message{}, ErrNoFrame
	}
	id := raw & can.CAN_SFF_MASK
	if raw&can.CAN_EFF_FLAG != 0 {
		id = raw & can.CAN_EFF_MASK
	}
	dlc := min(int(buf[4]), can.MaxLength)
	return can.NewMessage(id, buf[8:8+dlc])
}

func encodeFrame(buf []byte, m can.Message) {
	id := m.ID()
	if m.Extended() {
		id |= can.CAN_EFF_FLAG
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(m.Len())
	data := m.Bytes()
	copy(buf[8:], data[:m.Len()])
}
