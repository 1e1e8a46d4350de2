//go:build linux

package elm

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-datalink/internal/isotp"
	"github.com/kstaniek/go-datalink/internal/logging"
)

// serveELM answers commands written to the slave side of a pty until master closes.
func serveELM(master *os.File, answers map[string]string) {
	buf := make([]byte, 128)
	var line strings.Builder
	for {
		n, err := master.Read(buf)
		if err != nil {
			return
		}
		for _, c := range buf[:n] {
			if c != '\r' {
				line.WriteByte(c)
				continue
			}
			cmd := line.String()
			line.Reset()
			resp, ok := answers[cmd]
			switch {
			case ok:
			case strings.HasPrefix(cmd, "AT"):
				resp = "OK"
			default:
				resp = "NO DATA"
			}
			if _, err := master.Write([]byte(resp + "\r\r>")); err != nil {
				return
			}
		}
	}
}

func TestDeviceOverPTY(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	go serveELM(master, map[string]string{
		"ATZ":  "\rELM327 v2.1",
		"010D": "410D3C",
	})

	d, err := Open(slave.Name(), 0, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.Equal(t, "ELM327 v2.1", d.Ident())

	o := isotp.DefaultOptions()
	o.Timeout = time.Second
	tp, err := NewIsoTp(d, nil, o)
	require.NoError(t, err)

	resp, err := tp.Request([]byte{0x01, 0x0D})
	require.NoError(t, err)
	require.Equal(t, []byte{0x41, 0x0D, 0x3C}, resp)

	_, err = tp.Request([]byte{0x01, 0x5C})
	require.ErrorIs(t, err, isotp.ErrTimeout)
}
