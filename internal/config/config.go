// Package config loads the resolver's process-wide tunables from a
// YAML file, with defaults applied to anything the file omits.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RootServer is one of the 13 well-known root nameservers.
type RootServer struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// File is the on-disk YAML shape; Load converts it into a
// Config with defaults filled in.
type File struct {
	MaxRetries        *int         `yaml:"max_retries"`
	MaxRetriesPerHost *int         `yaml:"max_retries_per_host"`
	SendTimeoutMillis *int         `yaml:"send_timeout_ms"`
	RecvTimeoutMillis *int         `yaml:"recv_timeout_ms"`
	PreferredRoot     string       `yaml:"preferred_root"`
	RD                *bool        `yaml:"rd"`
	RequiredAA        *bool        `yaml:"required_aa"`
	RootServers       []RootServer `yaml:"root_servers"`
}

// Config is the resolved, defaulted configuration the resolver reads.
type Config struct {
	MaxRetries        int
	MaxRetriesPerHost int
	SendTimeout       time.Duration
	RecvTimeout       time.Duration
	PreferredRoot     string
	RD                bool
	RequiredAA        bool
	RootServers       map[string]netip.Addr
}

// defaultRootServers is the well-known root hints list.
func defaultRootServers() map[string]netip.Addr {
	return map[string]netip.Addr{
		"a.root-servers.net.": netip.MustParseAddr("198.41.0.4"),
		"b.root-servers.net.": netip.MustParseAddr("192.228.79.201"),
		"c.root-servers.net.": netip.MustParseAddr("192.33.4.12"),
		"d.root-servers.net.": netip.MustParseAddr("199.7.91.13"),
		"e.root-servers.net.": netip.MustParseAddr("192.203.230.10"),
		"f.root-servers.net.": netip.MustParseAddr("192.5.5.241"),
		"g.root-servers.net.": netip.MustParseAddr("192.112.36.4"),
		"h.root-servers.net.": netip.MustParseAddr("198.97.190.53"),
		"i.root-servers.net.": netip.MustParseAddr("192.36.148.17"),
		"j.root-servers.net.": netip.MustParseAddr("192.58.128.30"),
		"k.root-servers.net.": netip.MustParseAddr("193.0.14.129"),
		"l.root-servers.net.": netip.MustParseAddr("199.7.83.42"),
		"m.root-servers.net.": netip.MustParseAddr("202.12.27.33"),
	}
}

// Default returns the stock configuration: 20 total retries, 3 per
// host, 6s/20s send/recv timeouts, RD set, non-authoritative answers
// accepted, f.root-servers.net tried first on a cold cache.
func Default() Config {
	return Config{
		MaxRetries:        20,
		MaxRetriesPerHost: 3,
		SendTimeout:       6 * time.Second,
		RecvTimeout:       20 * time.Second,
		PreferredRoot:     "f.root-servers.net.",
		RD:                true,
		RequiredAA:        false,
		RootServers:       defaultRootServers(),
	}
}

// Load reads a YAML config file at path and overlays it onto Default.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return applyFile(Default(), f)
}

func applyFile(c Config, f File) (Config, error) {
	if f.MaxRetries != nil {
		c.MaxRetries = *f.MaxRetries
	}
	if f.MaxRetriesPerHost != nil {
		c.MaxRetriesPerHost = *f.MaxRetriesPerHost
	}
	if f.SendTimeoutMillis != nil {
		c.SendTimeout = time.Duration(*f.SendTimeoutMillis) * time.Millisecond
	}
	if f.RecvTimeoutMillis != nil {
		c.RecvTimeout = time.Duration(*f.RecvTimeoutMillis) * time.Millisecond
	}
	if f.PreferredRoot != "" {
		c.PreferredRoot = f.PreferredRoot
	}
	if f.RD != nil {
		c.RD = *f.RD
	}
	if f.RequiredAA != nil {
		c.RequiredAA = *f.RequiredAA
	}
	if len(f.RootServers) > 0 {
		servers := make(map[string]netip.Addr, len(f.RootServers))
		for _, rs := range f.RootServers {
			addr, err := netip.ParseAddr(rs.Address)
			if err != nil {
				return Config{}, fmt.Errorf("config: root server %s: %w", rs.Name, err)
			}
			servers[rs.Name] = addr
		}
		c.RootServers = servers
	}
	return c, nil
}
