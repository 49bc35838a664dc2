package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config is the tracker configuration. Intervals are in seconds.
type Config struct {
	ListenAddress     string `yaml:"listen_address"`
	DatabasePath      string `yaml:"database_path"`
	SitePassword      string `yaml:"site_password"`
	ReportPassword    string `yaml:"report_password"`
	AuthSecret        string `yaml:"auth_secret"`
	SiteURL           string `yaml:"site_url"`
	WhitelistFile     string `yaml:"whitelist_file"`
	AnnounceInterval  uint   `yaml:"announce_interval"`
	AnnounceJitter    uint   `yaml:"announce_jitter"`
	DelReasonLifetime uint   `yaml:"del_reason_lifetime"`
	PeersTimeout      uint   `yaml:"peers_timeout"`
	ReapPeersInterval uint   `yaml:"reap_peers_interval"`
	NumwantLimit      uint   `yaml:"numwant_limit"`
	KeepaliveTimeout  uint   `yaml:"keepalive_timeout"`
	FlushInterval     uint   `yaml:"flush_interval"`
	Debug             bool   `yaml:"debug"`
}

const (
	insecurePassword  = "00000000000000000000000000000000"
	maxAnnounceJitter = 86400
)

var DefaultConfig = Config{
	ListenAddress:     ":34000",
	DatabasePath:      "~/.ocelot.db",
	SitePassword:      insecurePassword,
	ReportPassword:    insecurePassword,
	AnnounceInterval:  1800,
	AnnounceJitter:    180,
	DelReasonLifetime: 86400,
	PeersTimeout:      7200,
	ReapPeersInterval: 1800,
	NumwantLimit:      50,
	KeepaliveTimeout:  0,
	FlushInterval:     3,
}

// LoadConfig reads filename over DefaultConfig. A missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	path, err := homedir.Expand(filename)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}
	//nolint:gosec // Path is controlled by admin
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &c, c.validate()
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.UnmarshalStrict(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch {
	case c.AnnounceInterval == 0:
		return errors.New("announce_interval must be > 0")
	case c.PeersTimeout == 0:
		return errors.New("peers_timeout must be > 0")
	case c.ReapPeersInterval == 0:
		return errors.New("reap_peers_interval must be > 0")
	case c.NumwantLimit == 0:
		return errors.New("numwant_limit must be > 0")
	case c.AnnounceJitter > maxAnnounceJitter:
		return fmt.Errorf("announce_jitter must be <= %d", maxAnnounceJitter)
	case !validPasskey(c.SitePassword):
		return fmt.Errorf("site_password must be %d letters or digits", passkeyLength)
	case !validPasskey(c.ReportPassword):
		return fmt.Errorf("report_password must be %d letters or digits", passkeyLength)
	}
	return nil
}

func seconds(n uint) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) peersTimeout() time.Duration      { return seconds(c.PeersTimeout) }
func (c *Config) delReasonLifetime() time.Duration { return seconds(c.DelReasonLifetime) }
func (c *Config) reapInterval() time.Duration      { return seconds(c.ReapPeersInterval) }
func (c *Config) keepAlive() bool                  { return c.KeepaliveTimeout != 0 }

func (c *Config) flushInterval() time.Duration {
	if c.FlushInterval == 0 {
		return time.Second
	}
	return seconds(c.FlushInterval)
}
