// Package mdns announces the LAN stream URL with DNS-SD so players on the same
// network can find it without typing an address.
package mdns

import (
	"fmt"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_rtsp._tcp"
	Domain      = "local."
)

type Config struct {
	Name string
	Port int
	Path string
	URL  string
}

// Advertiser registers at most one service at a time.
type Advertiser interface {
	Start(cfg Config) error
	Stop()
	IsRunning() bool
}

type advertiser struct {
	sync.Mutex
	server *zeroconf.Server
}

func NewAdvertiser() Advertiser {
	return &advertiser{}
}

// Start replaces any running registration with cfg.
func (a *advertiser) Start(cfg Config) error {
	a.Lock()
	defer a.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(instanceName(cfg), ServiceType, Domain, cfg.Port, TXT(cfg), nil)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}
	a.server = server
	return nil
}

func (a *advertiser) Stop() {
	a.Lock()
	defer a.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *advertiser) IsRunning() bool {
	a.Lock()
	defer a.Unlock()
	return a.server != nil
}

// TXT follows the RFC 7826 DNS-SD convention of a path key; url carries the
// full address for players that do not build it themselves.
func TXT(cfg Config) []string {
	path := cfg.Path
	if path == "" {
		path = "/"
	} else if path[0] != '/' {
		path = "/" + path
	}
	txt := []string{"path=" + path}
	if cfg.URL != "" {
		txt = append(txt, "url="+cfg.URL)
	}
	return txt
}

func instanceName(cfg Config) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "summit-stream"
}
