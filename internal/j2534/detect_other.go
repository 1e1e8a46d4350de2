//go:build !windows

package j2534

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ManifestDirs lists where JSON driver manifests are looked up, in order.
// Replace it to search elsewhere. A manifest mirrors the registry layout:
//
//	{"Name": "Tactrix Openport 2.0", "Vendor": "Tactrix",
//	 "FunctionLibrary": "/usr/lib/j2534/libop20pt32.so", "CAN": 1, "ISO15765": 1}
var ManifestDirs = func() []string {
	dirs := []string{"/etc/passthru"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append([]string{filepath.Join(home, ".passthru")}, dirs...)
	}
	return dirs
}

type manifest map[string]any

func (m manifest) String(name string) (string, bool) {
	s, ok := m[name].(string)
	return s, ok
}

func (m manifest) Flag(name string) bool {
	switch v := m[name].(type) {
	case float64:
		return v != 0
	case bool:
		return v
	}
	return false
}

func detect() ([]Info, []error) {
	var infos []Info
	var errs []error
	for _, dir := range ManifestDirs() {
		paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sort.Strings(paths)
		for _, p := range paths {
			info, err := readManifest(p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			infos = append(infos, info)
		}
	}
	if len(ManifestDirs()) == 0 {
		errs = append(errs, ErrNoDriverPaths)
	}
	return dedupe(infos), errs
}

func readManifest(path string) (Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Info{}, fmt.Errorf("j2534: %s: %w", path, err)
	}
	name := filepath.Base(path)
	return infoFrom(name[:len(name)-len(filepath.Ext(name))], m)
}
