package datalink

import (
	"log/slog"

	"github.com/kstaniek/go-datalink/internal/j2534"
	"github.com/kstaniek/go-datalink/internal/socketcan"
)

// DetectPassThruLinks creates a link for every installed PassThru driver
// that loads. Drivers that fail are logged and skipped.
func DetectPassThruLinks(l *slog.Logger) []*PassThruLink {
	infos, errs := j2534.Detect()
	for _, err := range errs {
		l.Warn("passthru_detect_error", "error", err)
	}
	var out []*PassThruLink
	for _, info := range infos {
		link, err := NewPassThruLink(info)
		if err != nil {
			l.Warn("passthru_detect_skip", "name", info.Name, "library", info.Library, "error", err)
			continue
		}
		l.Info("passthru_detected", "name", info.Name, "vendor", info.Vendor, "protocols", info.Protocols.String())
		out = append(out, link)
	}
	return out
}

// Detect returns every link that can be found without probing hardware:
// PassThru drivers first, then SocketCAN interfaces. ELM327 adapters need
// an explicit port and are never detected.
func Detect(l *slog.Logger) []DataLink {
	var out []DataLink
	for _, p := range DetectPassThruLinks(l) {
		out = append(out, p)
	}
	ifaces, err := socketcan.Interfaces()
	if err != nil {
		l.Debug("socketcan_detect_error", "error", err)
		return out
	}
	for _, iface := range ifaces {
		link, err := NewSocketCANLink(iface)
		if err != nil {
			break
		}
		out = append(out, link)
	}
	return out
}
