// Command uploadengine runs the resumable multipart upload engine as a
// standalone process: it serves the Message Bus over a websocket listener,
// drives the Upload Engine against a persistent bbolt store and a
// generic-S3 control plane, and responds to install/activate/online/
// shutdown lifecycle events.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/duneflow/uploadengine/internal/bus"
	"github.com/duneflow/uploadengine/internal/controlplane"
	"github.com/duneflow/uploadengine/internal/engine"
	"github.com/duneflow/uploadengine/internal/engineconfig"
	"github.com/duneflow/uploadengine/internal/lifecycle"
	"github.com/duneflow/uploadengine/internal/obslog"
	"github.com/duneflow/uploadengine/internal/store"
	flag "github.com/spf13/pflag"
)

func usage() {
	fmt.Printf(`uploadengine - a resumable multipart upload engine.

Drives chunked uploads to a generic S3-compatible object store over a
websocket command/event channel, with durable local progress tracking so
uploads survive a process restart.

Usage: uploadengine [options]

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.StringP("config-file", "f", "config.yaml",
		"A YAML-formatted configuration file used by uploadengine.")
	versionFlag := flag.BoolP("version", "v", false, "Display program version.")
	helpFlag := flag.BoolP("help", "h", false, "Display this help message.")
	flag.Usage = usage

	cfg := engineconfig.Load(*configPath)
	applyFlags := engineconfig.BindFlags(flag.CommandLine, cfg)
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Println("uploadengine version dev")
		os.Exit(0)
	}
	applyFlags()

	level, err := obslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = obslog.InfoLevel
	}
	obslog.SetGlobalLevel(level)
	if cfg.LogOutput == "console" {
		obslog.DefaultLogger = obslog.New(obslog.NewConsoleWriter())
	}

	obslog.Info().Str("dbPath", cfg.DBPath).Str("listenAddr", cfg.ListenAddr).Msg("Starting upload engine")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		obslog.Fatal().Err(err).Msg("Failed to open persistence store")
	}
	defer st.Close()

	cp := controlplane.New(
		cfg.APIBaseURL,
		cfg.APITimeoutDuration(),
		controlplane.RetryPolicy{
			Attempts:     cfg.Retry.Attempts,
			BaseDelay:    cfg.RetryDelay(),
			MaxDelay:     cfg.RetryMaxDelay(),
			JitterFactor: cfg.Retry.JitterFactor,
		},
		controlplane.AccelerationPolicy{
			Enabled:      cfg.Acceleration.Enabled,
			MinSizeBytes: cfg.Acceleration.MinSizeBytes,
		},
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())

	var hub *bus.Hub
	eng := engine.New(rootCtx, st, cp, hubSink{get: func() *bus.Hub { return hub }}, engine.NewFileSourceOpener(), engine.Config{
		PartSize:             cfg.PartSize,
		MaxConcurrentUploads: cfg.MaxConcurrentUploads,
		MaxFileSize:          cfg.MaxFileSize,
		AllowedFileTypes:     cfg.AllowedFileTypes,
		Retry: engine.RetryPolicy{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.RetryDelay(),
			MaxDelay:  cfg.RetryMaxDelay(),
		},
		AccelerationEnabled: cfg.Acceleration.Enabled,
		AccelerationMinSize: cfg.Acceleration.MinSizeBytes,
	})
	hub = bus.NewHub(eng)

	lc := lifecycle.New(eng, cfg.APIBaseURL, 30*time.Second)
	lc.Install()
	lc.Activate()
	go lc.RunConnectivityProbe(rootCtx)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.Fatal().Err(err).Msg("Message bus listener failed")
		}
	}()

	lifecycle.WaitForSignal(func(signalName string) {
		obslog.Info().Str("signal", signalName).Msg("Signal received, shutting down")
		lc.Shutdown(rootCancel, httpServer)
	})

	obslog.Info().Msg("Upload engine stopped")
}

// hubSink defers resolving *bus.Hub until after it is constructed, since the
// Hub's constructor itself needs the Engine as its command handler --
// engine.New and bus.NewHub are mutually referential.
type hubSink struct {
	get func() *bus.Hub
}

func (s hubSink) Broadcast(ev bus.Event) {
	if h := s.get(); h != nil {
		h.Broadcast(ev)
	}
}
