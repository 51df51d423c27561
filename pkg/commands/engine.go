// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package commands delivers operator-submitted commands to devices: a
// priority queue over the command store, a worker pool with a high/low
// priority split, per-device single-flight sends, ack correlation, retry
// with exponential backoff, SMS fallback, and cron-armed scheduled commands.
package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/tracknet-io/tracknet/pkg/config"
	"github.com/tracknet-io/tracknet/pkg/events"
	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// ProtocolSource resolves a protocol by name for command encoding. The
// protocol manager implements it.
type ProtocolSource interface {
	Get(name string) (protocols.Protocol, bool)
}

// SmsGateway is the external text-message channel used for fallback
// delivery. The reply path is left unhooked.
type SmsGateway interface {
	Send(ctx context.Context, phone, body string) error
}

// Config tunes the engine.
type Config struct {
	Workers           int
	SessionBackoff    time.Duration
	AckTimeout        time.Duration
	RetryBase         time.Duration
	RetryCap          time.Duration
	DefaultMaxRetries int
	ScheduleSweep     string
	PopBatch          int
}

// ConfigFromSettings reads the engine settings from the runtime
// configuration.
func ConfigFromSettings() Config {
	return Config{
		Workers:           config.Tracknet.GetInt("commands.workers"),
		SessionBackoff:    config.Tracknet.GetDuration("commands.session_backoff"),
		AckTimeout:        config.Tracknet.GetDuration("commands.ack_timeout"),
		RetryBase:         config.Tracknet.GetDuration("commands.retry_base"),
		RetryCap:          config.Tracknet.GetDuration("commands.retry_cap"),
		DefaultMaxRetries: config.Tracknet.GetInt("commands.default_max_retries"),
		ScheduleSweep:     config.Tracknet.GetString("commands.schedule_sweep"),
	}
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SessionBackoff <= 0 {
		c.SessionBackoff = 15 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 60 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 10 * time.Minute
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.ScheduleSweep == "" {
		c.ScheduleSweep = "@every 30s"
	}
	if c.PopBatch <= 0 {
		c.PopBatch = 64
	}
}

// Engine implements protocols.AckSink.
type Engine struct {
	store      storage.CommandStore
	devices    storage.DeviceStore
	registry   *session.Registry
	source     ProtocolSource
	dispatcher *events.Dispatcher
	sms        SmsGateway
	clk        clock.Clock
	cfg        Config

	highPrio chan *model.Command
	lowPrio  chan *model.Command
	quit     chan struct{}
	wg       sync.WaitGroup
	cron     *cron.Cron

	mu sync.Mutex
	// inflight keeps pump and direct submission from double-processing one
	// command id.
	inflight map[int64]bool
	// pending tracks sent commands awaiting acknowledgment, by device.
	pending map[int64]*pendingAck
	// cancelled aborts in-flight delivery attempts before the next send.
	cancelled map[int64]bool
	// devSem enforces at most one in-flight send per device.
	devSem map[int64]*semaphore.Weighted
}

type pendingAck struct {
	command  *model.Command
	sequence int
	timer    *clock.Timer
}

// New builds the engine. sms may be nil when no gateway is configured.
func New(store storage.CommandStore, devices storage.DeviceStore, registry *session.Registry,
	source ProtocolSource, dispatcher *events.Dispatcher, sms SmsGateway, clk clock.Clock, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		store:      store,
		devices:    devices,
		registry:   registry,
		source:     source,
		dispatcher: dispatcher,
		sms:        sms,
		clk:        clk,
		cfg:        cfg,
		highPrio:   make(chan *model.Command, cfg.PopBatch),
		lowPrio:    make(chan *model.Command, cfg.PopBatch),
		quit:       make(chan struct{}),
		inflight:   map[int64]bool{},
		pending:    map[int64]*pendingAck{},
		cancelled:  map[int64]bool{},
		devSem:     map[int64]*semaphore.Weighted{},
	}
}

// Start launches the pump, the worker pool, and the scheduled-command sweep.
func (e *Engine) Start() error {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.pump()

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.cfg.ScheduleSweep, e.sweepScheduled); err != nil {
		return fmt.Errorf("arming scheduled command sweep: %w", err)
	}
	e.cron.Start()
	log.Infof("Command engine started with %d workers", e.cfg.Workers)
	return nil
}

// Stop drains the workers. Pending ack timers are left to fire into a
// stopped engine, where they no-op.
func (e *Engine) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	close(e.quit)
	e.wg.Wait()
}

// pump feeds QUEUED commands from the store into the priority channels. The
// interval doubles as the session backoff: a command left QUEUED because no
// session was bound is re-popped on a later pass.
func (e *Engine) pump() {
	defer e.wg.Done()
	ticker := e.clk.Ticker(e.cfg.SessionBackoff)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			ready, err := e.store.PopReady(context.Background(), e.cfg.PopBatch)
			if err != nil {
				log.Errorf("Popping command queue failed: %v", err) //nolint:errcheck
				continue
			}
			for _, cmd := range ready {
				e.offer(cmd)
			}
		}
	}
}

// offer routes one command to its priority channel unless it is already in
// flight. Non-blocking: a full channel leaves the command QUEUED for the
// next pump pass.
func (e *Engine) offer(cmd *model.Command) {
	e.mu.Lock()
	if e.inflight[cmd.ID] {
		e.mu.Unlock()
		return
	}
	e.inflight[cmd.ID] = true
	e.mu.Unlock()

	ch := e.lowPrio
	if cmd.Priority >= model.PriorityHigh {
		ch = e.highPrio
	}
	select {
	case ch <- cmd:
	default:
		e.clearInflight(cmd.ID)
	}
}

func (e *Engine) clearInflight(id int64) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// worker drains the priority channels, always preferring high priority.
func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		// High priority first, without blocking.
		select {
		case cmd := <-e.highPrio:
			e.deliver(context.Background(), cmd)
			continue
		default:
		}
		select {
		case <-e.quit:
			return
		case cmd := <-e.highPrio:
			e.deliver(context.Background(), cmd)
		case cmd := <-e.lowPrio:
			e.deliver(context.Background(), cmd)
		}
	}
}

// semFor returns the per-device single-flight semaphore.
func (e *Engine) semFor(deviceID int64) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.devSem[deviceID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		e.devSem[deviceID] = sem
	}
	return sem
}
