// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package storage defines the narrow persistence contract the runtime core
// consumes. Implementations live in the postgres and memory subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tracknet-io/tracknet/pkg/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// EventQuery filters an event listing.
type EventQuery struct {
	DeviceID int64
	Types    []string
	From     time.Time
	To       time.Time
	Limit    int
}

// PositionStore persists and reads back normalized positions. Inserts must
// preserve per-device monotonic ordering.
type PositionStore interface {
	Insert(ctx context.Context, position *model.Position) error
	Latest(ctx context.Context, deviceID int64) (*model.Position, error)
	LatestPerDevice(ctx context.Context, deviceIDs []int64) ([]*model.Position, error)
	History(ctx context.Context, deviceID int64, from, to time.Time) ([]*model.Position, error)
}

// EventStore persists immutable events.
type EventStore interface {
	Insert(ctx context.Context, event *model.Event) error
	Query(ctx context.Context, q EventQuery) ([]*model.Event, error)
}

// DeviceStore reads devices and mutates their runtime state. Accumulator
// updates require read-committed isolation from the backing store.
type DeviceStore interface {
	ByID(ctx context.Context, id int64) (*model.Device, error)
	ByUniqueID(ctx context.Context, uniqueID string) (*model.Device, error)
	UpdateAccumulators(ctx context.Context, device *model.Device) error
	UpdateStatus(ctx context.Context, id int64, status model.DeviceStatus, lastUpdate time.Time) error

	UpsertUnknown(ctx context.Context, unknown *model.UnknownDevice) error
	MarkRegistered(ctx context.Context, uniqueID string, deviceID int64) error
}

// CommandStore persists commands and the delivery queue.
type CommandStore interface {
	Upsert(ctx context.Context, command *model.Command) error
	ByID(ctx context.Context, id int64) (*model.Command, error)
	ListByDevice(ctx context.Context, deviceID int64) ([]*model.Command, error)
	// PopReady returns QUEUED commands in priority order (CRITICAL first),
	// FIFO by queue time within a priority, marking nothing; callers own the
	// status transitions.
	PopReady(ctx context.Context, limit int) ([]*model.Command, error)

	DueScheduled(ctx context.Context, now time.Time) ([]*model.ScheduledCommand, error)
	UpdateScheduled(ctx context.Context, scheduled *model.ScheduledCommand) error

	TemplateByID(ctx context.Context, id int64) (*model.CommandTemplate, error)
	SaveTemplate(ctx context.Context, template *model.CommandTemplate) error
}

// GeofenceStore reads geofences for the spatial cache.
type GeofenceStore interface {
	ListActive(ctx context.Context) ([]*model.Geofence, error)
}

// UserStore resolves notification recipients: enabled administrators plus
// every enabled user whose grants cover the device. Ids come back distinct,
// ascending.
type UserStore interface {
	UsersWithDeviceAccess(ctx context.Context, deviceID int64) ([]int64, error)
}

// Store bundles the per-entity stores behind one handle.
type Store interface {
	Positions() PositionStore
	Events() EventStore
	Devices() DeviceStore
	Commands() CommandStore
	Geofences() GeofenceStore
	Users() UserStore
}
