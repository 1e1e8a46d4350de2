package serial

import (
	"sort"

	bugst "go.bug.st/serial"
)

// listPorts is swapped in tests.
var listPorts = bugst.GetPortsList

// Ports lists the serial ports present on the host, sorted by name.
func Ports() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}
