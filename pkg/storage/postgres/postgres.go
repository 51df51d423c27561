// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package postgres implements the storage contract on PostgreSQL via bun.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// Store implements storage.Store on a bun.DB handle.
type Store struct {
	db           *bun.DB
	queryTimeout time.Duration
	retryElapsed time.Duration

	positions *positionStore
	events    *eventStore
	devices   *deviceStore
	commands  *commandStore
	geofences *geofenceStore
	users     *userStore
}

// Options tunes the store; zero values fall back to sane defaults.
type Options struct {
	QueryTimeout    time.Duration
	RetryMaxElapsed time.Duration
}

// New opens a connection pool for the given DSN and returns the store.
// The pool is verified with a ping before returning.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.RetryMaxElapsed == 0 {
		opts.RetryMaxElapsed = 30 * time.Second
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &Store{
		db:           db,
		queryTimeout: opts.QueryTimeout,
		retryElapsed: opts.RetryMaxElapsed,
	}
	s.positions = &positionStore{s}
	s.events = &eventStore{s}
	s.devices = &deviceStore{s}
	s.commands = &commandStore{s}
	s.geofences = &geofenceStore{s}
	s.users = &userStore{s}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Positions implements storage.Store.
func (s *Store) Positions() storage.PositionStore { return s.positions }

// Events implements storage.Store.
func (s *Store) Events() storage.EventStore { return s.events }

// Devices implements storage.Store.
func (s *Store) Devices() storage.DeviceStore { return s.devices }

// Commands implements storage.Store.
func (s *Store) Commands() storage.CommandStore { return s.commands }

// Geofences implements storage.Store.
func (s *Store) Geofences() storage.GeofenceStore { return s.geofences }

// Users implements storage.Store.
func (s *Store) Users() storage.UserStore { return s.users }

// EnsureSchema creates missing tables and the indexes the core relies on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	models := []interface{}{
		(*model.Device)(nil),
		(*model.UnknownDevice)(nil),
		(*model.Position)(nil),
		(*model.Event)(nil),
		(*model.Geofence)(nil),
		(*model.Command)(nil),
		(*model.ScheduledCommand)(nil),
		(*model.CommandTemplate)(nil),
		(*model.User)(nil),
		(*model.UserDevice)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	indexes := []*bun.CreateIndexQuery{
		s.db.NewCreateIndex().Model((*model.Position)(nil)).IfNotExists().
			Index("ix_positions_device_time").Column("device_id", "server_time"),
		s.db.NewCreateIndex().Model((*model.Position)(nil)).IfNotExists().
			Index("ix_positions_coords").Column("latitude", "longitude"),
		s.db.NewCreateIndex().Model((*model.Event)(nil)).IfNotExists().
			Index("ix_events_device_time").Column("device_id", "event_time"),
		s.db.NewCreateIndex().Model((*model.Command)(nil)).IfNotExists().
			Index("ix_commands_queue").Column("priority", "queued_at").
			Where("status = 'QUEUED'"),
		s.db.NewCreateIndex().Model((*model.Geofence)(nil)).IfNotExists().
			Index("ix_geofences_active").Column("disabled", "type"),
		s.db.NewCreateIndex().Model((*model.UserDevice)(nil)).IfNotExists().
			Index("ix_user_devices_device").Column("device_id"),
	}
	for _, q := range indexes {
		if _, err := q.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

// withRetry runs op under the write retry policy. Used for appends the wire
// cannot re-deliver (positions, events); reads fail fast instead.
func (s *Store) withRetry(ctx context.Context, what string, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = s.retryElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		opCtx, cancel := s.timeout(ctx)
		defer cancel()
		err := op(opCtx)
		if err != nil && attempt > 1 {
			log.Debugf("retrying %s (attempt %d): %v", what, attempt, err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return err
	}
	return nil
}
