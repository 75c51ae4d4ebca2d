package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/gnss-bridge/internal/serial"
)

const envPrefix = "GNSS_BRIDGE_"

type appConfig struct {
	serialDev        string
	baud             int
	dataBits         int
	stopBits         int
	parity           string
	serialReadTO     time.Duration
	configPath       string
	logFormat        string
	logLevel         string
	metricsAddr      string
	hubBuffer        int
	hubPolicy        string
	logMetricsEvery  time.Duration
	maxClients       int
	clientReadTO     time.Duration
	clientStartDelay time.Duration
	mdnsEnable       bool
	mdnsName         string
	configAPI        bool
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	flag.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "GNSS receiver serial device")
	flag.IntVar(&cfg.baud, "baud", serial.Defaults.Baud, "Serial baud rate")
	flag.IntVar(&cfg.dataBits, "data-bits", serial.Defaults.DataBits, "Serial data bits (5-8)")
	flag.IntVar(&cfg.stopBits, "stop-bits", serial.Defaults.StopBits, "Serial stop bits (1|2)")
	flag.StringVar(&cfg.parity, "parity", serial.Defaults.Parity, "Serial parity: none|odd|even|mark|space")
	flag.DurationVar(&cfg.serialReadTO, "serial-read-timeout", serial.Defaults.ReadTimeout, "Serial read timeout")
	flag.StringVar(&cfg.configPath, "config", "/etc/gnss-bridge/config.yaml", "Adapter settings file (YAML)")
	flag.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	flag.IntVar(&cfg.hubBuffer, "hub-buffer", 256, "Per-peer outbound queue (chunks) for caster and socket server")
	flag.StringVar(&cfg.hubPolicy, "hub-policy", "kick", "Backpressure policy for slow peers: drop|kick")
	flag.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	flag.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous caster or socket server peers (0 = unlimited)")
	flag.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Socket server per-connection read deadline")
	flag.DurationVar(&cfg.clientStartDelay, "client-start-delay", 10*time.Second, "Delay before the NTRIP client starts")
	flag.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement of the caster and socket server")
	flag.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default gnss-bridge-<hostname>)")
	flag.BoolVar(&cfg.configAPI, "config-api", false, "Serve GET/PUT /config on the metrics address")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Flags set on the command line take precedence over the environment.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) serialConfig() serial.Config {
	return serial.Config{
		Name:        c.serialDev,
		Baud:        c.baud,
		DataBits:    c.dataBits,
		StopBits:    c.stopBits,
		Parity:      c.parity,
		ReadTimeout: c.serialReadTO,
	}
}

// validate checks values and ranges only; it opens nothing.
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
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.serialDev == "" {
		return errors.New("serial device must be set")
	}
	if err := c.serialConfig().Validate(); err != nil {
		return err
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.configPath == "" {
		return errors.New("config path must be set")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.clientStartDelay < 0 {
		return fmt.Errorf("client-start-delay must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps GNSS_BRIDGE_* environment variables onto cfg for
// every flag not set explicitly. Empty values are ignored; the first parse
// error is returned after all variables were applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
	}
	lookup := func(flagName, name string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, name string, dst *string) {
		if v, ok := lookup(flagName, name); ok {
			*dst = v
		}
	}
	num := func(flagName, name string, min int, dst *int) {
		if v, ok := lookup(flagName, name); ok {
			n, err := strconv.Atoi(v)
			switch {
			case err != nil:
				fail(name, err)
			case n < min:
				fail(name, fmt.Errorf("must be >= %d", min))
			default:
				*dst = n
			}
		}
	}
	dur := func(flagName, name string, dst *time.Duration) {
		if v, ok := lookup(flagName, name); ok {
			d, err := time.ParseDuration(v)
			switch {
			case err != nil:
				fail(name, err)
			case d < 0:
				fail(name, errors.New("must be >= 0"))
			default:
				*dst = d
			}
		}
	}
	boolean := func(flagName, name string, dst *bool) {
		if v, ok := lookup(flagName, name); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(name, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("serial", "SERIAL", &c.serialDev)
	num("baud", "BAUD", 1, &c.baud)
	num("data-bits", "DATA_BITS", 5, &c.dataBits)
	num("stop-bits", "STOP_BITS", 1, &c.stopBits)
	str("parity", "PARITY", &c.parity)
	dur("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("config", "CONFIG", &c.configPath)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	num("hub-buffer", "HUB_BUFFER", 1, &c.hubBuffer)
	str("hub-policy", "HUB_POLICY", &c.hubPolicy)
	dur("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	num("max-clients", "MAX_CLIENTS", 0, &c.maxClients)
	dur("client-read-timeout", "CLIENT_READ_TIMEOUT", &c.clientReadTO)
	dur("client-start-delay", "CLIENT_START_DELAY", &c.clientStartDelay)
	boolean("mdns-enable", "MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "MDNS_NAME", &c.mdnsName)
	boolean("config-api", "CONFIG_API", &c.configAPI)

	// an empty GNSS_BRIDGE_METRICS disables the endpoint
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	return firstErr
}
