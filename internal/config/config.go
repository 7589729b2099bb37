// Package config loads the optional YAML file behind the command line flags.
//
// File locations, first match wins:
//  1. $SUMMIT_STREAM_CONFIG
//  2. ./summit-stream.yaml
//  3. $XDG_CONFIG_HOME/summit-stream/config.yaml or ~/.config/summit-stream/config.yaml
//  4. /etc/summit-stream/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/summitcomms/summit-stream/internal/endpoint"
	"github.com/summitcomms/summit-stream/internal/ingest"
)

const (
	EnvConfigPath  = "SUMMIT_STREAM_CONFIG"
	ConfigFileName = "summit-stream.yaml"
	ConfigDirName  = "summit-stream"
)

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	RTSP    RTSPConfig    `yaml:"rtsp"`
	Lookup  LookupConfig  `yaml:"lookup"`
	Network NetworkConfig `yaml:"network"`
	Media   MediaConfig   `yaml:"media"`
	MDNS    MDNSConfig    `yaml:"mdns"`

	Autostart bool   `yaml:"autostart"`
	Data      string `yaml:"data"`
	LogLevel  string `yaml:"log_level"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RTSPConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

type LookupConfig struct {
	Services       []string `yaml:"services"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
}

type NetworkConfig struct {
	// Mode is auto, lan, wan or none.
	Mode string `yaml:"mode"`
}

type MediaConfig struct {
	SDP  string `yaml:"sdp"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type MDNSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

// Duration reads "10s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load finds and loads the config file, or returns defaults if none is found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, path, nil
}

func DefaultConfig() *Config {
	cfg := &Config{
		MDNS: MDNSConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.RTSP.Port == 0 {
		c.RTSP.Port = 9554
	}
	if c.RTSP.Path == "" {
		c.RTSP.Path = "live"
	}
	if len(c.Lookup.Services) == 0 {
		c.Lookup.Services = append([]string(nil), endpoint.DefaultLookupServices...)
	}
	if c.Lookup.ConnectTimeout == 0 {
		c.Lookup.ConnectTimeout = Duration(endpoint.DefaultTimeout)
	}
	if c.Lookup.ReadTimeout == 0 {
		c.Lookup.ReadTimeout = Duration(endpoint.DefaultTimeout)
	}
	if c.Network.Mode == "" {
		c.Network.Mode = "auto"
	}
	if c.Media.Host == "" {
		c.Media.Host = "127.0.0.1"
	}
	if c.Media.Port == 0 {
		c.Media.Port = ingest.DefaultPort
	}
	if c.Data == "" {
		c.Data = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// FindConfigPath returns an empty string when no file exists.
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" && fileExists(path) {
		return path
	}
	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		if path := filepath.Join(xdgHome, ConfigDirName, "config.yaml"); fileExists(path) {
			return path
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		if path := filepath.Join(home, ".config", ConfigDirName, "config.yaml"); fileExists(path) {
			return path
		}
	}
	if path := filepath.Join("/etc", ConfigDirName, "config.yaml"); fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
