package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/summitcomms/summit-stream/internal/api"
	"github.com/summitcomms/summit-stream/internal/config"
	"github.com/summitcomms/summit-stream/internal/endpoint"
	"github.com/summitcomms/summit-stream/internal/ingest"
	"github.com/summitcomms/summit-stream/internal/mdns"
	"github.com/summitcomms/summit-stream/internal/netstate"
	"github.com/summitcomms/summit-stream/internal/rtsp"
	"github.com/summitcomms/summit-stream/internal/state"
	"github.com/summitcomms/summit-stream/internal/stream"
)

const (
	appName = "summit-stream"
	appDesc = "RTSP stream toggle that advertises the address remote players can reach"
)

func main() {
	app := cli.App(appName, appDesc)

	var set struct {
		httpAddr, rtspPort, rtspPath, services, connect, read, mode bool
		sdp, mediaHost, mediaPort, mdns, autostart, data, level     bool
	}

	configPath := app.String(cli.StringOpt{
		Name:   "config",
		Desc:   "YAML configuration file, searched for when empty",
		EnvVar: "SUMMIT_STREAM_CONFIG",
	})
	httpAddr := app.String(cli.StringOpt{
		Name:      "http.addr",
		Desc:      "address of the control API",
		EnvVar:    "HTTP_ADDR",
		Value:     ":8080",
		SetByUser: &set.httpAddr,
	})
	rtspPort := app.Int(cli.IntOpt{
		Name:      "rtsp.port",
		Desc:      "default RTSP port",
		EnvVar:    "RTSP_PORT",
		Value:     9554,
		SetByUser: &set.rtspPort,
	})
	rtspPath := app.String(cli.StringOpt{
		Name:      "rtsp.path",
		Desc:      "stream path in the advertised URL",
		EnvVar:    "RTSP_PATH",
		Value:     "live",
		SetByUser: &set.rtspPath,
	})
	services := app.Strings(cli.StringsOpt{
		Name:      "lookup.services",
		Desc:      "public IP echo services, tried in order",
		EnvVar:    "LOOKUP_SERVICES",
		Value:     endpoint.DefaultLookupServices,
		SetByUser: &set.services,
	})
	connectTimeout := app.String(cli.StringOpt{
		Name:      "lookup.connect-timeout",
		Desc:      "connect timeout per lookup service",
		EnvVar:    "LOOKUP_CONNECT_TIMEOUT",
		Value:     endpoint.DefaultTimeout.String(),
		SetByUser: &set.connect,
	})
	readTimeout := app.String(cli.StringOpt{
		Name:      "lookup.read-timeout",
		Desc:      "read timeout per lookup service",
		EnvVar:    "LOOKUP_READ_TIMEOUT",
		Value:     endpoint.DefaultTimeout.String(),
		SetByUser: &set.read,
	})
	mode := app.String(cli.StringOpt{
		Name:      "network.mode",
		Desc:      "auto, lan, wan or none",
		EnvVar:    "NETWORK_MODE",
		Value:     netstate.ModeAuto,
		SetByUser: &set.mode,
	})
	sdpPath := app.String(cli.StringOpt{
		Name:      "media.sdp",
		Desc:      "SDP file written by the publisher (ffmpeg -sdp_file)",
		EnvVar:    "MEDIA_SDP",
		SetByUser: &set.sdp,
	})
	mediaHost := app.String(cli.StringOpt{
		Name:      "media.host",
		Desc:      "address the RTP ingest sockets bind",
		EnvVar:    "MEDIA_HOST",
		Value:     "127.0.0.1",
		SetByUser: &set.mediaHost,
	})
	mediaPort := app.Int(cli.IntOpt{
		Name:      "media.port",
		Desc:      "RTP port of the default H264 track when no SDP file is given",
		EnvVar:    "MEDIA_PORT",
		Value:     ingest.DefaultPort,
		SetByUser: &set.mediaPort,
	})
	announce := app.Bool(cli.BoolOpt{
		Name:      "mdns",
		Desc:      "announce LAN streams over mDNS",
		EnvVar:    "MDNS",
		Value:     true,
		SetByUser: &set.mdns,
	})
	autostart := app.Bool(cli.BoolOpt{
		Name:      "autostart",
		Desc:      "start streaming at boot",
		EnvVar:    "AUTOSTART",
		SetByUser: &set.autostart,
	})
	dataFolder := app.String(cli.StringOpt{
		Name:      "data",
		Desc:      "folder for the persisted stream toggle",
		EnvVar:    "DATA_FOLDER",
		Value:     "data",
		SetByUser: &set.data,
	})
	logLevel := app.String(cli.StringOpt{
		Name:      "log.level",
		Desc:      "logrus level",
		EnvVar:    "LOG_LEVEL",
		Value:     "info",
		SetByUser: &set.level,
	})

	// flags given explicitly win over the config file
	loadConfig := func() *config.Config {
		var (
			cfg  *config.Config
			path string
			err  error
		)
		if *configPath != "" {
			cfg, path, err = config.LoadFromPath(*configPath)
		} else {
			cfg, path, err = config.Load()
		}
		if err != nil {
			log.WithError(err).WithField("path", path).Fatal("failed to load configuration")
		}

		if set.httpAddr {
			cfg.HTTP.Addr = *httpAddr
		}
		if set.rtspPort {
			cfg.RTSP.Port = *rtspPort
		}
		if set.rtspPath {
			cfg.RTSP.Path = *rtspPath
		}
		if set.services {
			cfg.Lookup.Services = *services
		}
		if set.connect {
			cfg.Lookup.ConnectTimeout = mustDuration("lookup.connect-timeout", *connectTimeout)
		}
		if set.read {
			cfg.Lookup.ReadTimeout = mustDuration("lookup.read-timeout", *readTimeout)
		}
		if set.mode {
			cfg.Network.Mode = *mode
		}
		if set.sdp {
			cfg.Media.SDP = *sdpPath
		}
		if set.mediaHost {
			cfg.Media.Host = *mediaHost
		}
		if set.mediaPort {
			cfg.Media.Port = *mediaPort
		}
		if set.mdns {
			cfg.MDNS.Enabled = *announce
		}
		if set.autostart {
			cfg.Autostart = *autostart
		}
		if set.data {
			cfg.Data = *dataFolder
		}
		if set.level {
			cfg.LogLevel = *logLevel
		}

		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			log.WithError(err).Fatal("invalid log level")
		}
		log.SetLevel(level)
		if path != "" {
			log.WithField("path", path).Info("configuration loaded")
		}
		return cfg
	}

	serveAction := func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx, loadConfig()); err != nil {
			log.WithError(err).Panic("stopped")
		}
	}

	app.Action = serveAction

	app.Command("serve", "serve the control API and the stream (default)", func(cmd *cli.Cmd) {
		cmd.Action = serveAction
	})

	app.Command("resolve", "print the endpoint remote players would be given", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			cfg := loadConfig()
			detector, resolver, err := newResolver(cfg)
			if err != nil {
				log.WithError(err).Fatal("failed to configure resolver")
			}
			attachment := detector.Attachment()
			candidate, err := resolver.Resolve(context.Background(), attachment, detector, cfg.Lookup.Services)
			if err != nil {
				log.WithError(err).Error("no reachable endpoint")
				cli.Exit(1)
			}
			printJSON(api.EndpointResponse{
				Address:    candidate.Address,
				Source:     candidate.Source.String(),
				Attachment: attachment.String(),
				URL:        stream.StreamURL(candidate.Address, cfg.RTSP.Port, cfg.RTSP.Path),
			})
		}
	})

	app.Command("probe", "check that an RTSP URL answers OPTIONS and DESCRIBE", func(cmd *cli.Cmd) {
		cmd.Spec = "[--timeout] URL"
		timeout := cmd.String(cli.StringOpt{Name: "timeout", Desc: "overall deadline", Value: "10s"})
		target := cmd.StringArg("URL", "", "rtsp:// or rtsps:// URL")
		cmd.Action = func() {
			loadConfig()
			ctx, cancel := context.WithTimeout(context.Background(), mustDuration("timeout", *timeout).Duration())
			defer cancel()

			res, err := rtsp.Probe(ctx, *target)
			if err != nil {
				log.WithError(err).Error("probe failed")
				cli.Exit(1)
			}
			b, err := res.Description.Marshal()
			if err != nil {
				log.WithError(err).Error("failed to print session description")
				cli.Exit(1)
			}
			fmt.Printf("Public: %s\nContent-Base: %s\n\n%s", res.Methods, res.ContentBase, b)
		}
	})

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Panic("failed to execute application")
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	detector, resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	tracks := ingest.DefaultTracks(cfg.Media.Port)
	if cfg.Media.SDP != "" {
		tracks, err = ingest.LoadSDP(cfg.Media.SDP)
		if err != nil {
			return err
		}
	}

	store, err := state.NewStore(cfg.Data)
	if err != nil {
		return err
	}

	var advertiser mdns.Advertiser
	if cfg.MDNS.Enabled {
		advertiser = mdns.NewAdvertiser()
	}

	streams := stream.NewService(stream.Config{
		Path:      cfg.RTSP.Path,
		Services:  cfg.Lookup.Services,
		MediaHost: cfg.Media.Host,
		Tracks:    tracks,
		MDNS:      cfg.MDNS.Enabled,
		MDNSName:  cfg.MDNS.Name,
	}, resolver, detector, advertiser)

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewHTTPAPI(api.Config{
			StreamID:       cfg.RTSP.Path,
			DefaultPort:    cfg.RTSP.Port,
			Path:           cfg.RTSP.Path,
			LookupServices: len(cfg.Lookup.Services),
			LookupTimeout:  cfg.Lookup.ConnectTimeout.Duration() + cfg.Lookup.ReadTimeout.Duration(),
		}, streams, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.WithField("addr", cfg.HTTP.Addr).Info("control API listening")
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-ctx.Done()
		streams.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		resume(ctx, cfg, streams, store)
		return nil
	})

	if cfg.Media.SDP != "" {
		group.Go(func() error {
			if err := ingest.WatchSDP(ctx, cfg.Media.SDP, streams.SetTracks); err != nil {
				log.WithError(err).Warn("sdp changes will not be picked up until restart")
			}
			return nil
		})
	}

	return group.Wait()
}

// resume restarts the stream when it was left on, or when autostart is set.
func resume(ctx context.Context, cfg *config.Config, streams stream.Service, store state.Store) {
	port, enabled := cfg.RTSP.Port, cfg.Autostart
	meta, err := store.Get(cfg.RTSP.Path)
	switch {
	case err == nil && meta.Enabled:
		enabled = true
		if meta.Port != 0 {
			port = meta.Port
		}
	case err != nil && !errors.Is(err, state.ErrNotFound):
		log.WithError(err).Warn("failed to read stored stream toggle")
	}
	if !enabled {
		log.Info("stream is off, waiting for a start request")
		return
	}

	status, err := streams.Start(ctx, port)
	if err != nil {
		log.WithError(err).Error("failed to resume stream")
		return
	}
	log.WithField("url", status.URL).Info("stream resumed")
}

func newResolver(cfg *config.Config) (netstate.Detector, endpoint.Resolver, error) {
	detector, err := netstate.WithMode(netstate.NewDetector(), cfg.Network.Mode)
	if err != nil {
		return nil, nil, err
	}
	resolver := endpoint.NewResolver(endpoint.WithTimeouts(
		cfg.Lookup.ConnectTimeout.Duration(),
		cfg.Lookup.ReadTimeout.Duration(),
	))
	return detector, resolver, nil
}

func mustDuration(name, value string) config.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		log.WithError(err).Fatalf("invalid duration for %s", name)
	}
	return config.Duration(d)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Error("failed to print result")
	}
}
