package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_lt-link._tcp"

// startMDNS advertises the bridge until ctx is done or the returned stop
// function runs. Disabled config yields a no-op.
func startMDNS(ctx context.Context, cfg *appConfig, linkName string, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "lt-link-" + host
	}
	meta := []string{
		"backend=" + cfg.backend,
		"link=" + linkName,
		fmt.Sprintf("bitrate=%d", cfg.bitrate),
		"version=" + version,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-stop:
		}
		svc.Shutdown()
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}, nil
}
