package netload

import (
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max  string `yaml:"max"`
			Path string `yaml:"path"`
		} `yaml:"disk"`
		Cookies struct {
			Path string `yaml:"path"`
		} `yaml:"cookies"`

		// compiled
		ramMax  int64
		diskMax int64
	} `yaml:"storage"`

	Network struct {
		Workers           int         `yaml:"workers"`
		IdleTimeout       string      `yaml:"idleTimeout"`
		Timeout           string      `yaml:"timeout"`
		UserAgent         string      `yaml:"userAgent"`
		ChunkedPost       bool        `yaml:"chunkedPost"`
		DefaultExpiration string      `yaml:"defaultExpiration"`
		LocalFileCharset  string      `yaml:"localFileCharset"`
		Proxies           []ProxyRule `yaml:"proxies"`

		// compiled
		idleTimeoutDur time.Duration
		timeoutDur     time.Duration
		defaultExpDur  time.Duration
	} `yaml:"network"`

	Sandbox struct {
		Root string `yaml:"root"`
	} `yaml:"sandbox"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Prefetch struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`

		// compiled
		initialDelayDur    time.Duration
		rediscoverEveryDur time.Duration
	} `yaml:"prefetch"`
}

// ProxyRule routes hosts matching Match (a path.Match pattern such as
// "*.example.com", or "*" for every host) through the proxy at URL. An empty
// URL sends matching hosts direct. The first matching rule wins.
type ProxyRule struct {
	Match string `yaml:"match"`
	URL   string `yaml:"url"`

	proxyURL *url.URL
}

// DefaultConfig returns the configuration used for keys a file leaves out.
func DefaultConfig() Config {
	var cfg Config
	cfg.Storage.RAM.Max = "64mb"
	cfg.Storage.Disk.Max = "512mb"
	cfg.Storage.Disk.Path = "./data/cache"
	cfg.Storage.Cookies.Path = "./data/cookies.db"
	cfg.Network.Workers = 8
	cfg.Network.IdleTimeout = "30s"
	cfg.Network.Timeout = "60s"
	cfg.Network.UserAgent = "netload/1.0"
	cfg.Network.LocalFileCharset = "utf-8"
	cfg.Logging.Level = "info"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile validates the configuration and resolves sizes, durations and proxy
// URLs. LoadConfig calls it; configurations built in code must call it before
// use.
func (c *Config) Compile() error {
	var err error
	if c.Storage.ramMax, err = parseBytes(c.Storage.RAM.Max); err != nil {
		return errors.Wrap(err, "storage.ram.max")
	}
	if c.Storage.diskMax, err = parseBytes(c.Storage.Disk.Max); err != nil {
		return errors.Wrap(err, "storage.disk.max")
	}
	if c.Network.Workers < 1 {
		return errors.Errorf("network.workers must be positive, got %d", c.Network.Workers)
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"network.idleTimeout", c.Network.IdleTimeout, &c.Network.idleTimeoutDur},
		{"network.timeout", c.Network.Timeout, &c.Network.timeoutDur},
		{"network.defaultExpiration", c.Network.DefaultExpiration, &c.Network.defaultExpDur},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, &c.Logging.logStatsEveryDur},
		{"prefetch.initialDelay", c.Prefetch.InitialDelay, &c.Prefetch.initialDelayDur},
		{"prefetch.rediscoverEvery", c.Prefetch.RediscoverEvery, &c.Prefetch.rediscoverEveryDur},
	}
	for _, d := range durations {
		*d.dst = 0
		if strings.TrimSpace(d.val) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return errors.Wrap(err, d.key)
		}
		if v < 0 {
			return errors.Errorf("%s: negative duration", d.key)
		}
		*d.dst = v
	}

	for i := range c.Network.Proxies {
		r := &c.Network.Proxies[i]
		r.Match = strings.ToLower(strings.TrimSpace(r.Match))
		if _, err := path.Match(r.Match, ""); err != nil || r.Match == "" {
			return errors.Errorf("network.proxies[%d].match: invalid pattern %q", i, r.Match)
		}
		r.proxyURL = nil
		if r.URL == "" {
			continue
		}
		u, err := url.Parse(r.URL)
		if err != nil || u.Host == "" {
			return errors.Errorf("network.proxies[%d].url: invalid proxy %q", i, r.URL)
		}
		r.proxyURL = u
	}
	return nil
}

// proxyFor returns the proxy for host, or nil to connect directly.
func (c *Config) proxyFor(host string) *url.URL {
	host = strings.ToLower(host)
	for _, r := range c.Network.Proxies {
		if ok, _ := path.Match(r.Match, host); ok {
			return r.proxyURL
		}
	}
	return nil
}
