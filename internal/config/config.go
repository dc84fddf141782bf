// Package config loads the client configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/transport"
)

const (
	DefaultHub      = "https://koji.fedoraproject.org/kojihub"
	DefaultBodhiURL = "https://bodhi.fedoraproject.org"
)

type KojiConfig struct {
	Server string `toml:"server"`
	// Cert holds the client certificate and, unless Key is set, its key.
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
	CA   string `toml:"ca"`
	// InsecureFallback trusts any server when the certificates cannot be
	// loaded instead of failing.
	InsecureFallback bool  `toml:"insecure_fallback"`
	ChunkSize        int64 `toml:"chunk_size"`
}

type BodhiConfig struct {
	URL string `toml:"url"`
	CA  string `toml:"ca"`
}

type TransportConfig struct {
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	Retries        int           `toml:"retries"`
	RetryWaitMin   time.Duration `toml:"retry_wait_min"`
	RetryWaitMax   time.Duration `toml:"retry_wait_max"`
	UserAgent      string        `toml:"user_agent"`
}

type PollerConfig struct {
	Interval time.Duration `toml:"interval"`
	Tick     time.Duration `toml:"tick"`
}

type LoggingConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Journal bool   `toml:"journal"`
	// something like "cli" or "ci", added to every entry
	Channel string `toml:"channel"`
}

type Config struct {
	Koji      KojiConfig      `toml:"koji"`
	Bodhi     BodhiConfig     `toml:"bodhi"`
	Transport TransportConfig `toml:"transport"`
	Poller    PollerConfig    `toml:"poller"`
	Logging   LoggingConfig   `toml:"logging"`
	// Workers bounds the operations running at the same time.
	Workers int64 `toml:"workers"`
	// MetricsListen serves prometheus metrics when set, e.g. "localhost:9100".
	MetricsListen string `toml:"metrics_listen"`
	SentryDSN     string `toml:"sentry_dsn"`
}

func defaults() Config {
	return Config{
		Koji: KojiConfig{
			Server:    DefaultHub,
			ChunkSize: 1024 * 1024,
		},
		Bodhi: BodhiConfig{
			URL: DefaultBodhiURL,
		},
		Transport: TransportConfig{
			ConnectTimeout: transport.DefaultConnectTimeout,
			Retries:        3,
			RetryWaitMin:   time.Second,
			RetryWaitMax:   30 * time.Second,
			UserAgent:      "fedpkg-hub",
		},
		Poller: PollerConfig{
			Interval: 60 * time.Second,
			Tick:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Channel: "cli",
		},
		Workers: 4,
	}
}

// DefaultPath is the per-user configuration file.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "fedpkg-hub.toml"
	}
	return filepath.Join(dir, "fedpkg-hub", "config.toml")
}

// Load reads file on top of the defaults. A missing file is not an error.
func Load(file string) (*Config, error) {
	config := defaults()

	md, err := toml.DecodeFile(file, &config)
	if err != nil {
		// A non-existing config isn't an error, use defaults in this case.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot load %s: %w", file, err)
		}
		logrus.Info("Configuration file not found, using defaults")
	} else if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logrus.Warnf("Unknown configuration keys in %s: %s", file, strings.Join(keys, ", "))
	}

	config.Koji.Cert = expandHome(config.Koji.Cert)
	config.Koji.Key = expandHome(config.Koji.Key)
	config.Koji.CA = expandHome(config.Koji.CA)
	config.Bodhi.CA = expandHome(config.Bodhi.CA)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	for name, u := range map[string]string{"koji.server": c.Koji.Server, "bodhi.url": c.Bodhi.URL} {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, u)
		}
	}
	if c.Koji.ChunkSize <= 0 {
		return fmt.Errorf("invalid koji.chunk_size: %d", c.Koji.ChunkSize)
	}
	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid transport.connect_timeout: %s", c.Transport.ConnectTimeout)
	}
	if c.Transport.Retries < 0 {
		return fmt.Errorf("invalid transport.retries: %d", c.Transport.Retries)
	}
	if c.Transport.RetryWaitMax < c.Transport.RetryWaitMin {
		return fmt.Errorf("transport.retry_wait_max (%s) is shorter than retry_wait_min (%s)", c.Transport.RetryWaitMax, c.Transport.RetryWaitMin)
	}
	if c.Poller.Interval <= 0 || c.Poller.Tick <= 0 || c.Poller.Tick > c.Poller.Interval {
		return fmt.Errorf("poller.tick (%s) must be positive and at most poller.interval (%s)", c.Poller.Tick, c.Poller.Interval)
	}
	if c.Workers < 1 {
		return fmt.Errorf("invalid number of workers: %d", c.Workers)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format needs to be text or json. Got: %s", c.Logging.Format)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	return nil
}

// KojiTransport returns the transport options for the build hub.
func (c *Config) KojiTransport(logger *logrus.Logger) transport.Options {
	opts := c.transportOptions(logger)
	if c.Koji.Cert != "" || c.Koji.CA != "" {
		opts.TLS = &transport.TLSOptions{
			CACertFile:       c.Koji.CA,
			ClientCertFile:   c.Koji.Cert,
			ClientKeyFile:    c.Koji.Key,
			InsecureFallback: c.Koji.InsecureFallback,
		}
	}
	return opts
}

// BodhiTransport returns the transport options for the update service.
func (c *Config) BodhiTransport(logger *logrus.Logger) transport.Options {
	opts := c.transportOptions(logger)
	if c.Bodhi.CA != "" {
		opts.TLS = &transport.TLSOptions{CACertFile: c.Bodhi.CA}
	}
	return opts
}

func (c *Config) transportOptions(logger *logrus.Logger) transport.Options {
	return transport.Options{
		ConnectTimeout: c.Transport.ConnectTimeout,
		RetryMax:       c.Transport.Retries,
		RetryWaitMin:   c.Transport.RetryWaitMin,
		RetryWaitMax:   c.Transport.RetryWaitMax,
		UserAgent:      c.Transport.UserAgent,
		Logger:         logger,
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
