package serial

import (
	"errors"
	"reflect"
	"testing"
)

func TestPortsSorted(t *testing.T) {
	prev := listPorts
	defer func() { listPorts = prev }()
	listPorts = func() ([]string, error) { return []string{"/dev/ttyUSB1", "/dev/ttyACM0", "/dev/ttyUSB0"}, nil }
	got, err := Ports()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyUSB1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestPortsError(t *testing.T) {
	prev := listPorts
	defer func() { listPorts = prev }()
	boom := errors.New("enumeration failed")
	listPorts = func() ([]string, error) { return nil, boom }
	if _, err := Ports(); !errors.Is(err, boom) {
		t.Fatalf("expected enumeration error, got %v", err)
	}
}
