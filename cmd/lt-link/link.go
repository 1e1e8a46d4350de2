package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-datalink/internal/datalink"
	"github.com/kstaniek/go-datalink/internal/socketcan"
)

var errNoLink = errors.New("no link found")

// Test hooks.
var (
	detectPassThru = datalink.DetectPassThruLinks
	socketIfaces   = socketcan.Interfaces
	newSocketLink  = datalink.NewSocketCANLink
)

// openLink resolves the configured backend to a DataLink. Nothing is opened
// on the hardware until a transport is requested.
func openLink(cfg *appConfig, l *slog.Logger) (datalink.DataLink, error) {
	switch cfg.backend {
	case "elm":
		name := cfg.link
		if name == "" {
			name = "ELM327 " + cfg.port
		}
		return datalink.NewElmLink(name, cfg.port, datalink.BaudrateOf(uint32(cfg.uartBaud))), nil
	case "passthru":
		links := detectPassThru(l)
		var picked *datalink.PassThruLink
		for _, pl := range links {
			if picked == nil && (cfg.link == "" || pl.Name() == cfg.link) {
				picked = pl
				continue
			}
			_ = pl.Close()
		}
		if picked == nil {
			if cfg.link != "" {
				return nil, fmt.Errorf("passthru %q: %w", cfg.link, errNoLink)
			}
			return nil, fmt.Errorf("passthru: %w", errNoLink)
		}
		return picked, nil
	case "socketcan":
		iface := cfg.link
		if iface == "" {
			ifaces, err := socketIfaces()
			if err != nil {
				return nil, fmt.Errorf("socketcan: %w", err)
			}
			if len(ifaces) == 0 {
				return nil, fmt.Errorf("socketcan: %w", errNoLink)
			}
			iface = ifaces[0]
		}
		return newSocketLink(iface)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.backend)
}
