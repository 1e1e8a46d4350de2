// Package socketcan reads and writes classic CAN frames on Linux raw CAN
// sockets and lists the host's CAN interfaces.
package socketcan

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoFrame means a read finished without a data frame.
var ErrNoFrame = errors.New("socketcan: no frame")

// arphrdCAN is ARPHRD_CAN from <linux/if_arp.h>.
const arphrdCAN = "280"

// sysClassNet is swapped in tests.
var sysClassNet = "/sys/class/net"

// listInterfaces is swapped in tests.
var listInterfaces = net.Interfaces

// Interfaces lists network interfaces of link type CAN, in kernel order.
func Interfaces() ([]string, error) {
	ifs, err := listInterfaces()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ifi := range ifs {
		raw, err := os.ReadFile(filepath.Join(sysClassNet, ifi.Name, "type"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(raw)) == arphrdCAN {
			out = append(out, ifi.Name)
		}
	}
	return out, nil
}
