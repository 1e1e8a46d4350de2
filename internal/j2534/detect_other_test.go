//go:build !windows

package j2534

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectReadsManifests(t *testing.T) {
	home, etc := t.TempDir(), t.TempDir()
	prev := ManifestDirs
	ManifestDirs = func() []string { return []string{home, etc} }
	defer func() { ManifestDirs = prev }()

	write := func(dir, name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(home, "openport.json", `{"Name":"Openport 2.0","Vendor":"Tactrix","FunctionLibrary":"/opt/j2534/libop20.so","CAN":1,"ISO15765":1}`)
	write(etc, "openport-copy.json", `{"Name":"dup","FunctionLibrary":"/opt/j2534/libop20.so","CAN":1}`)
	write(etc, "mini.json", `{"FunctionLibrary":"/opt/j2534/libmini.so","CAN":true}`)
	write(etc, "broken.json", `{"Name":`)
	write(etc, "nolib.json", `{"Name":"no library"}`)
	write(etc, "notes.txt", `ignored`)

	infos, errs := Detect()
	if len(errs) != 2 {
		t.Fatalf("expected 2 entry errors, got %v", errs)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 drivers, got %+v", infos)
	}
	op := infos[0]
	if op.Name != "Openport 2.0" || op.Vendor != "Tactrix" || !op.Protocols.Has(SupportsCAN|SupportsISO15765) {
		t.Fatalf("unexpected first entry %+v", op)
	}
	mini := infos[1]
	if mini.Name != "mini" || mini.Protocols != SupportsCAN {
		t.Fatalf("unexpected manifest-name fallback %+v", mini)
	}
}

func TestDetectMissingDirs(t *testing.T) {
	prev := ManifestDirs
	ManifestDirs = func() []string { return []string{filepath.Join(t.TempDir(), "absent")} }
	defer func() { ManifestDirs = prev }()
	infos, errs := Detect()
	if len(infos) != 0 || len(errs) != 0 {
		t.Fatalf("missing dir should be quiet: %v %v", infos, errs)
	}
}
