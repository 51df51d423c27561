// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package run implements the run subcommand: it wires every component and
// serves until a termination signal arrives.
package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/tracknet-io/tracknet/pkg/api"
	"github.com/tracknet-io/tracknet/pkg/commands"
	"github.com/tracknet-io/tracknet/pkg/config"
	"github.com/tracknet-io/tracknet/pkg/events"
	"github.com/tracknet-io/tracknet/pkg/geofence"
	"github.com/tracknet-io/tracknet/pkg/livehub"
	"github.com/tracknet-io/tracknet/pkg/processor"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/protocols/gt06"
	"github.com/tracknet-io/tracknet/pkg/protocols/h02"
	"github.com/tracknet-io/tracknet/pkg/protocols/osmand"
	"github.com/tracknet-io/tracknet/pkg/protocols/suntech"
	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/storage/postgres"
	"github.com/tracknet-io/tracknet/pkg/storage/rediscache"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// Command returns the run subcommand.
func Command() *cobra.Command {
	var confPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the telemetry backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(confPath)
		},
	}
	cmd.Flags().StringVarP(&confPath, "cfgpath", "c", "", "path to the configuration file")
	return cmd
}

func run(confPath string) error {
	if err := config.Load(confPath); err != nil {
		return err
	}
	level := config.Tracknet.GetString("log_level")
	logger, err := log.BuildLogger(level)
	if err != nil {
		return err
	}
	log.SetupLogger(logger, level)
	defer log.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage.
	store, err := postgres.New(ctx, config.Tracknet.GetString("database.url"), postgres.Options{
		QueryTimeout:    config.Tracknet.GetDuration("database.timeout"),
		RetryMaxElapsed: config.Tracknet.GetDuration("database.retry_max_elapsed"),
	})
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	// Redis is optional; without it the latest-position cache and cross-node
	// geofence invalidation are skipped.
	var latest processor.LatestCache
	var invalidator api.Invalidator
	redisCache, err := rediscache.New(ctx, config.Tracknet.GetString("redis.url"))
	if err != nil {
		log.Warnf("Redis unavailable, running without position cache: %v", err) //nolint:errcheck
	} else {
		defer redisCache.Close() //nolint:errcheck
		latest = redisCache
		invalidator = redisCache
	}

	// Geofence spatial cache.
	geoCache := geofence.New(store.Geofences(), config.Tracknet.GetFloat64("geofence.default_buffer_m"))
	if err := geoCache.Reload(ctx); err != nil {
		return err
	}
	if redisCache != nil {
		geoCache.WatchInvalidations(ctx, redisCache.SubscribeGeofenceInvalidation(ctx))
	}

	// Core pipeline.
	clk := clock.New()
	registry := session.NewRegistry()
	hub := livehub.New(clk, livehub.Options{
		HeartbeatInterval: config.Tracknet.GetDuration("websocket.heartbeat_interval"),
		QueueSize:         config.Tracknet.GetInt("websocket.queue_size"),
	})
	dispatcher := events.NewDispatcher(store.Events(), hub, store.Users())
	proc := processor.New(store, latest, geoCache, registry, dispatcher, hub, clk, processor.ConfigFromSettings())

	manager := protocols.NewManager(registry, proc, nil, protocols.ServerOptions{
		ReadTimeout:     config.Tracknet.GetDuration("server.read_timeout"),
		MaxFrameSize:    config.Tracknet.GetInt("server.max_frame_size"),
		FrameErrorLimit: config.Tracknet.GetInt("server.frame_error_limit"),
		ShutdownGrace:   config.Tracknet.GetDuration("server.shutdown_grace"),
	})
	manager.Register(suntech.New())
	manager.Register(gt06.New())
	manager.Register(h02.New())
	manager.Register(osmand.New())

	engine := commands.New(store.Commands(), store.Devices(), registry, manager, dispatcher, nil, clk, commands.ConfigFromSettings())
	manager.SetAckSink(engine)

	proc.Start()
	if err := engine.Start(); err != nil {
		return err
	}
	servers, err := config.ProtocolServers()
	if err != nil {
		return err
	}
	if err := manager.Start(ctx, servers); err != nil {
		return err
	}

	apiServer := api.New(config.Tracknet.GetString("http.bind"), store, engine, geoCache, hub, invalidator)
	apiErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErr <- err
		}
	}()

	// Serve until a termination signal or an API bind failure.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.Infof("Received %s, shutting down", sig)
	case err := <-apiErr:
		log.Errorf("REST API failed: %v", err) //nolint:errcheck
	}

	// Cooperative shutdown inside the grace period: stop accepting, drain
	// in-flight work, then tear down.
	grace := config.Tracknet.GetDuration("server.shutdown_grace")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()

	var errs *multierror.Error
	if err := manager.Stop(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	proc.Stop()
	engine.Stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	cancel()
	return errs.ErrorOrNil()
}
