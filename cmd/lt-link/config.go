package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-datalink/internal/hub"
)

type appConfig struct {
	list        bool
	showVersion bool

	backend  string
	link     string
	port     string
	uartBaud int
	bitrate  int

	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	txQueue         int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	recvTimeout     time.Duration
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string

	capture           string
	chAddr            string
	chDatabase        string
	chUser            string
	chPassword        string
	chTable           string
	influxURL         string
	influxToken       string
	influxDatabase    string
	influxMeasurement string
}

const envPrefix = "LT_LINK_"

// parseFlags reads flags from args, then LT_LINK_* variables for every flag
// not given explicitly, then validates.
func parseFlags(args []string, stderr io.Writer) (*appConfig, error) {
	c := &appConfig{}
	fs := flag.NewFlagSet("lt-link", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&c.list, "list", false, "List detected links and exit")
	fs.BoolVar(&c.showVersion, "version", false, "Print version and exit")
	fs.StringVar(&c.backend, "backend", "socketcan", "Link type: elm|passthru|socketcan")
	fs.StringVar(&c.link, "link", "", "PassThru driver name or SocketCAN interface (default: first detected)")
	fs.StringVar(&c.port, "port", "/dev/ttyUSB0", "Serial port of an ELM327 adapter")
	fs.IntVar(&c.uartBaud, "uart-baud", 0, "ELM327 line speed to switch to (0 keeps 38400)")
	fs.IntVar(&c.bitrate, "bitrate", 500000, "CAN bitrate in bit/s")
	fs.StringVar(&c.listenAddr, "listen", ":20000", "TCP listen address")
	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&c.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&c.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&c.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.IntVar(&c.txQueue, "tx-queue", 1024, "Frames queued towards the bus before dropping")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.DurationVar(&c.recvTimeout, "recv-timeout", 100*time.Millisecond, "Bus receive poll interval")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Advertise the bridge over mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default lt-link-<hostname>)")
	fs.StringVar(&c.capture, "capture", "none", "Capture sink: none|clickhouse|influx")
	fs.StringVar(&c.chAddr, "clickhouse-addr", "127.0.0.1:9000", "ClickHouse native address")
	fs.StringVar(&c.chDatabase, "clickhouse-database", "default", "ClickHouse database")
	fs.StringVar(&c.chUser, "clickhouse-user", "default", "ClickHouse user")
	fs.StringVar(&c.chPassword, "clickhouse-password", "", "ClickHouse password")
	fs.StringVar(&c.chTable, "clickhouse-table", "can_frames", "ClickHouse table")
	fs.StringVar(&c.influxURL, "influx-url", "http://127.0.0.1:8181", "InfluxDB 3 URL")
	fs.StringVar(&c.influxToken, "influx-token", "", "InfluxDB 3 token")
	fs.StringVar(&c.influxDatabase, "influx-database", "can", "InfluxDB 3 database")
	fs.StringVar(&c.influxMeasurement, "influx-measurement", "can_frames", "InfluxDB 3 measurement")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if err := applyEnvOverrides(fs, set, os.LookupEnv); err != nil {
		return nil, err
	}
	if c.showVersion {
		return c, nil
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return c, nil
}

// envName maps a flag name to its variable: mdns-enable -> LT_LINK_MDNS_ENABLE.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not in set from its environment variable.
// Empty values are ignored; the first malformed value is reported.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool, lookup func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "list" || f.Name == "version" {
			return
		}
		name := envName(f.Name)
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if isBoolFlag(f) {
			v = normalizeBool(v)
		}
		if err := f.Value.Set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	})
	return firstErr
}

func isBoolFlag(f *flag.Flag) bool {
	b, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

func normalizeBool(v string) string {
	switch strings.ToLower(v) {
	case "yes", "on":
		return "true"
	case "no", "off":
		return "false"
	}
	return v
}

// validate checks values only; nothing is opened.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "elm", "passthru", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return err
	}
	switch c.capture {
	case "none", "clickhouse", "influx":
	default:
		return fmt.Errorf("invalid capture: %s", c.capture)
	}
	if c.backend == "elm" && c.port == "" {
		return errors.New("port is required for the elm backend")
	}
	if c.uartBaud < 0 {
		return fmt.Errorf("uart-baud must be >= 0 (got %d)", c.uartBaud)
	}
	if c.bitrate <= 0 {
		return fmt.Errorf("bitrate must be > 0 (got %d)", c.bitrate)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.recvTimeout <= 0 {
		return fmt.Errorf("recv-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// listenPort extracts the port from a bound host:port address.
func listenPort(addr string) int {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return 0
	}
	p, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return 0
	}
	return p
}
