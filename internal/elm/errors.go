package elm

import (
	"errors"
	"strings"
)

var (
	ErrClosed          = errors.New("elm: device closed")
	ErrTimeout         = errors.New("elm: no prompt before timeout")
	ErrUnknownCommand  = errors.New("elm: command not understood")
	ErrNoData          = errors.New("elm: no data")
	ErrCANError        = errors.New("elm: can error")
	ErrUnableToConnect = errors.New("elm: unable to connect")
	ErrBufferFull      = errors.New("elm: buffer full")
	ErrBadResponse     = errors.New("elm: unexpected response")
	ErrBaudrate        = errors.New("elm: baudrate negotiation failed")
	ErrBitrate         = errors.New("elm: unsupported can bitrate")
)

// responseError maps adapter status lines to sentinel errors.
func responseError(lines []string) error {
	for _, ln := range lines {
		switch {
		case ln == "?":
			return ErrUnknownCommand
		case strings.Contains(ln, "NO DATA"):
			return ErrNoData
		case strings.Contains(ln, "CAN ERROR"):
			return ErrCANError
		case strings.Contains(ln, "UNABLE TO CONNECT"):
			return ErrUnableToConnect
		case strings.Contains(ln, "BUFFER FULL"):
			return ErrBufferFull
		}
	}
	return nil
}
