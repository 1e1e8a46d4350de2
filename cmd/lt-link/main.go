package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-datalink/internal/capture"
	"github.com/kstaniek/go-datalink/internal/datalink"
	"github.com/kstaniek/go-datalink/internal/hub"
	"github.com/kstaniek/go-datalink/internal/metrics"
	"github.com/kstaniek/go-datalink/internal/server"
)

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Printf("lt-link %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, os.Stderr)
	if cfg.list {
		links := datalink.Detect(l)
		err := printLinks(os.Stdout, links)
		for _, dl := range links {
			_ = dl.Close()
		}
		if err != nil {
			os.Exit(1)
		}
		return
	}
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	h.Policy, _ = hub.ParsePolicy(cfg.hubPolicy)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}

func run(cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	h := initHub(cfg, l)

	var rec *capture.Recorder
	sink, err := newSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if sink != nil {
		rec = capture.NewRecorder(sink, capture.DefaultOptions())
		l.Info("capture_enabled", "sink", cfg.capture)
		defer func() {
			if err := rec.Close(); err != nil {
				l.Warn("capture_close_error", "error", err)
			}
		}()
	}

	dl, err := openLink(cfg, l)
	if err != nil {
		return err
	}
	send, cleanup, err := startBridge(ctx, cfg, dl, h, rec, l, &wg)
	if err != nil {
		_ = dl.Close()
		return err
	}
	startMetricsLogger(ctx, cfg.logMetricsEvery, dl, l, &wg)

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithSend(send),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := listenPort(srv.Addr())
		l.Info("listening", "addr", srv.Addr())
		stop, err := startMDNS(ctx, cfg, dl.Name(), port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "port", port)
		}
		<-ctx.Done()
		stop()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("tcp_shutdown_error", "error", err)
	}
	cleanup()
	wg.Wait()
	if err := srv.LastError(); errors.Is(err, server.ErrListen) {
		return err
	}
	return nil
}
