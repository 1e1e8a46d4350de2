package j2534

import (
	"fmt"
	"strings"
)

// Detect lists installed PassThru drivers. Entries that cannot be read are
// reported in errs and skipped.
func Detect() (infos []Info, errs []error) {
	return detect()
}

// valueSource reads named values of one driver entry (registry key or manifest).
type valueSource interface {
	String(name string) (string, bool)
	Flag(name string) bool
}

func infoFrom(entry string, src valueSource) (Info, error) {
	lib, ok := src.String("FunctionLibrary")
	if !ok || strings.TrimSpace(lib) == "" {
		return Info{}, fmt.Errorf("j2534: %s: missing FunctionLibrary", entry)
	}
	info := Info{Library: lib}
	info.Name, _ = src.String("Name")
	if info.Name == "" {
		info.Name = entry
	}
	info.Vendor, _ = src.String("Vendor")
	info.Config, _ = src.String("ConfigApplication")
	for _, pv := range protocolValues {
		if src.Flag(pv.name) {
			info.Protocols |= pv.p
		}
	}
	return info, nil
}

// dedupe keeps the first entry per library path.
func dedupe(in []Info) []Info {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, i := range in {
		key := strings.ToLower(i.Library)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, i)
	}
	return out
}
