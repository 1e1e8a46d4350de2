package socketcan

import (
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestInterfacesFiltersByLinkType(t *testing.T) {
	root := t.TempDir()
	for name, typ := range map[string]string{"can0": "280\n", "vcan0": "280\n", "eth0": "1\n"} {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "type"), []byte(typ), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	prevRoot, prevList := sysClassNet, listInterfaces
	sysClassNet = root
	listInterfaces = func() ([]net.Interface, error) {
		return []net.Interface{{Name: "lo"}, {Name: "eth0"}, {Name: "can0"}, {Name: "vcan0"}}, nil
	}
	defer func() { sysClassNet, listInterfaces = prevRoot, prevList }()

	got, err := Interfaces()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"can0", "vcan0"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
