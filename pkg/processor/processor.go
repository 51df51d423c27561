// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package processor turns decoded positions into canonical records: ownership
// attribution, sanity filtering, enrichment, accumulator updates, geofence
// residency, motion and overspeed state machines, event synthesis,
// persistence, and live fan-out.
//
// Processing for one device is serialized by hashing its wire identifier onto
// a fixed pool of workers; each worker owns the state of its device set, so
// pipeline steps never lock.
package processor

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tracknet-io/tracknet/pkg/config"
	"github.com/tracknet-io/tracknet/pkg/events"
	"github.com/tracknet-io/tracknet/pkg/geofence"
	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// Config tunes the pipeline.
type Config struct {
	Workers               int
	TripGap               time.Duration
	SkewBound             time.Duration
	MotionThresholdM      float64
	MotionTimeout         time.Duration
	MotionSpeedKmh        float64
	OverspeedThresholdKmh float64
	DefaultSpeedLimitKmh  float64
	DeviceCacheTTL        time.Duration
}

// ConfigFromSettings reads the processor settings from the runtime
// configuration.
func ConfigFromSettings() Config {
	return Config{
		Workers:               config.Tracknet.GetInt("processor.workers"),
		TripGap:               config.Tracknet.GetDuration("processor.trip_gap"),
		SkewBound:             config.Tracknet.GetDuration("processor.skew_bound"),
		MotionThresholdM:      config.Tracknet.GetFloat64("processor.motion_threshold_m"),
		MotionTimeout:         config.Tracknet.GetDuration("processor.motion_timeout"),
		MotionSpeedKmh:        config.Tracknet.GetFloat64("processor.motion_speed_kmh"),
		OverspeedThresholdKmh: config.Tracknet.GetFloat64("processor.overspeed_threshold_kmh"),
		DefaultSpeedLimitKmh:  config.Tracknet.GetFloat64("processor.default_speed_limit_kmh"),
		DeviceCacheTTL:        5 * time.Minute,
	}
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.TripGap <= 0 {
		c.TripGap = 30 * time.Minute
	}
	if c.SkewBound <= 0 {
		c.SkewBound = 5 * time.Minute
	}
	if c.MotionThresholdM <= 0 {
		c.MotionThresholdM = 50
	}
	if c.MotionTimeout <= 0 {
		c.MotionTimeout = 300 * time.Second
	}
	if c.MotionSpeedKmh <= 0 {
		c.MotionSpeedKmh = 3
	}
	if c.OverspeedThresholdKmh <= 0 {
		c.OverspeedThresholdKmh = 5
	}
	if c.DefaultSpeedLimitKmh <= 0 {
		c.DefaultSpeedLimitKmh = 80
	}
	if c.DeviceCacheTTL <= 0 {
		c.DeviceCacheTTL = 5 * time.Minute
	}
}

// LatestCache is the optional write-through cache for latest positions.
type LatestCache interface {
	SetLatest(ctx context.Context, position *model.Position) error
}

// Processor implements protocols.Sink.
type Processor struct {
	store      storage.Store
	latest     LatestCache
	geofences  *geofence.Cache
	registry   *session.Registry
	dispatcher *events.Dispatcher
	hub        events.Publisher
	clk        clock.Clock
	cfg        Config

	// deviceCache memoizes unique_id lookups on the ingest edge; workers keep
	// their own authoritative per-device state.
	deviceCache *gocache.Cache
	// unknownCache remembers failed lookups with an expiry. Wire identifiers
	// are attacker controlled, so the negative set is LRU bounded.
	unknownCache *lru.Cache[string, time.Time]

	workers []*worker
	// deviceWorker remembers which worker owns a device id, for jobs that
	// arrive without a wire identifier (offline notifications).
	deviceWorker sync.Map // int64 -> *worker

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds the processor. latest and the dispatcher's collaborators may be
// nil for reduced deployments.
func New(store storage.Store, latest LatestCache, geofences *geofence.Cache, registry *session.Registry,
	dispatcher *events.Dispatcher, hub events.Publisher, clk clock.Clock, cfg Config) *Processor {
	cfg.defaults()
	unknownCache, _ := lru.New[string, time.Time](4096)
	p := &Processor{
		store:        store,
		latest:       latest,
		geofences:    geofences,
		registry:     registry,
		dispatcher:   dispatcher,
		hub:          hub,
		clk:          clk,
		cfg:          cfg,
		deviceCache:  gocache.New(cfg.DeviceCacheTTL, 10*time.Minute),
		unknownCache: unknownCache,
		quit:         make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, newWorker(p, i))
	}
	registry.OnOffline(p.deviceOffline)
	return p
}

// Start launches the worker pool and the motion timeout sweep.
func (p *Processor) Start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
	p.wg.Add(1)
	go p.sweepLoop()
	log.Infof("Position processor started with %d workers", len(p.workers))
}

// Stop drains the mailboxes and waits for the workers to finish.
func (p *Processor) Stop() {
	close(p.quit)
	for _, w := range p.workers {
		close(w.mailbox)
	}
	p.wg.Wait()
}

// workerFor hashes a wire identifier onto its owning worker.
func (p *Processor) workerFor(uniqueID string) *worker {
	h := fnv.New32a()
	h.Write([]byte(uniqueID)) //nolint:errcheck
	return p.workers[int(h.Sum32())%len(p.workers)]
}

// sweepLoop periodically asks every worker to time out stale motion state.
func (p *Processor) sweepLoop() {
	defer p.wg.Done()
	ticker := p.clk.Ticker(p.cfg.MotionTimeout / 10)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case now := <-ticker.C:
			for _, w := range p.workers {
				select {
				case w.mailbox <- job{kind: jobSweep, now: now}:
				case <-p.quit:
					return
				}
			}
		}
	}
}

// IngestPosition implements protocols.Sink. The position is stamped with the
// arrival time and handed to the owning worker; ordering per device follows
// mailbox FIFO.
func (p *Processor) IngestPosition(ctx context.Context, src protocols.Source, sess *session.Session, uniqueID string, position *model.Position) {
	if uniqueID == "" {
		telemetry.FramesDropped.WithLabelValues(src.Protocol, "identify-failed").Inc()
		return
	}
	position.ServerTime = p.clk.Now().UTC()
	select {
	case p.workerFor(uniqueID).mailbox <- job{kind: jobPosition, src: src, sess: sess, uniqueID: uniqueID, position: position}:
	case <-p.quit:
	}
}

// IngestLogin implements protocols.Sink. The lookup answers synchronously so
// protocols can refuse unknown devices at the door; the session binding and
// status transition run on the owning worker.
func (p *Processor) IngestLogin(ctx context.Context, src protocols.Source, sess *session.Session, uniqueID string) bool {
	known := p.lookupKnown(ctx, uniqueID)
	select {
	case p.workerFor(uniqueID).mailbox <- job{kind: jobLogin, src: src, sess: sess, uniqueID: uniqueID}:
	case <-p.quit:
	}
	return known
}

// IngestHeartbeat implements protocols.Sink.
func (p *Processor) IngestHeartbeat(ctx context.Context, src protocols.Source, sess *session.Session, uniqueID string) {
	if uniqueID == "" {
		return
	}
	select {
	case p.workerFor(uniqueID).mailbox <- job{kind: jobHeartbeat, src: src, sess: sess, uniqueID: uniqueID}:
	case <-p.quit:
	}
}

// lookupKnown consults the ingest-edge caches, falling back to storage.
func (p *Processor) lookupKnown(ctx context.Context, uniqueID string) bool {
	if _, found := p.deviceCache.Get(uniqueID); found {
		return true
	}
	if until, found := p.unknownCache.Get(uniqueID); found {
		if p.clk.Now().Before(until) {
			return false
		}
		p.unknownCache.Remove(uniqueID)
	}
	device, err := p.store.Devices().ByUniqueID(ctx, uniqueID)
	if err != nil {
		p.unknownCache.Add(uniqueID, p.clk.Now().Add(p.cfg.DeviceCacheTTL))
		return false
	}
	p.deviceCache.SetDefault(uniqueID, device)
	return true
}

// deviceOffline is the registry callback fired when the last session for a
// device is released.
func (p *Processor) deviceOffline(deviceID int64) {
	w, ok := p.deviceWorker.Load(deviceID)
	if !ok {
		return
	}
	select {
	case w.(*worker).mailbox <- job{kind: jobOffline, deviceID: deviceID}:
	case <-p.quit:
	}
}

type jobKind int

const (
	jobPosition jobKind = iota
	jobLogin
	jobHeartbeat
	jobOffline
	jobSweep
)

type job struct {
	kind     jobKind
	src      protocols.Source
	sess     *session.Session
	uniqueID string
	position *model.Position
	deviceID int64
	now      time.Time
}

// worker serializes pipeline execution for its device set.
type worker struct {
	p       *Processor
	index   int
	mailbox chan job

	// Per-device pipeline state, touched only by this worker.
	states   map[string]*devState
	byDevice map[int64]*devState
}

func newWorker(p *Processor, index int) *worker {
	return &worker{
		p:       p,
		index:   index,
		mailbox: make(chan job, 128),
		states:  map[string]*devState{},

		byDevice: map[int64]*devState{},
	}
}

func (w *worker) run() {
	defer w.p.wg.Done()
	ctx := context.Background()
	for j := range w.mailbox {
		switch j.kind {
		case jobPosition:
			w.processPosition(ctx, j)
		case jobLogin:
			w.processLogin(ctx, j)
		case jobHeartbeat:
			w.processHeartbeat(ctx, j)
		case jobOffline:
			w.processOffline(ctx, j.deviceID)
		case jobSweep:
			w.sweepMotion(ctx)
		}
	}
}

// devState is the in-memory pipeline state for one device, owned by exactly
// one worker.
type devState struct {
	device    *model.Device
	last      *model.Position
	lastDedup string
	lastFix   time.Time
	geofences []int64
	ignition  *bool
	fuelLevel *float64

	// Coordinates of the motion reference position; the persisted device row
	// only carries its id.
	motionLat, motionLon float64
	motionSet            bool
	motionUpdated        bool
}
