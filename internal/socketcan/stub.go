//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/kstaniek/go-datalink/internal/can"
)

// ErrUnsupportedPlatform is returned by Open outside Linux.
var ErrUnsupportedPlatform = errors.New("socketcan: only available on linux")

// Device is a placeholder so callers compile on every platform.
type Device struct{}

func Open(string, time.Duration) (*Device, error) { return nil, ErrUnsupportedPlatform }

func (*Device) Close() error                      { return nil }
func (*Device) Interface() string                 { return "" }
func (*Device) ReadMessage() (can.Message, error) { return can.Message{}, ErrUnsupportedPlatform }
func (*Device) WriteMessage(can.Message) error    { return ErrUnsupportedPlatform }
