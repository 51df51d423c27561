// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package events owns the routing of synthesized events to persistence, the
// live hub, and per-user notifications. The rules that produce events live in
// the position pipeline; this package only dispatches what it is handed.
package events

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// Publisher is the live fan-out surface the dispatcher and the position
// pipeline write to. Implementations must never block the caller.
type Publisher interface {
	BroadcastPosition(position *model.Position)
	BroadcastEvent(event *model.Event)
	BroadcastDeviceStatus(deviceID int64, status model.DeviceStatus, at time.Time)
	// Notify delivers an event to the notification channel of specific users.
	Notify(userIDs []int64, event *model.Event)
}

// UserAccess is the external permission graph. The dispatcher consumes it to
// resolve notification recipients: all admins plus every user whose grants
// cover the owning device.
type UserAccess interface {
	UsersWithDeviceAccess(ctx context.Context, deviceID int64) ([]int64, error)
}

// Dispatcher persists events and routes them to downstream consumers.
// Critical and high severity events reach the hub synchronously, before the
// pipeline returns to the next frame for that device.
type Dispatcher struct {
	events storage.EventStore
	hub    Publisher
	access UserAccess
}

// NewDispatcher wires the dispatcher. access may be nil, in which case no
// notifications are produced.
func NewDispatcher(events storage.EventStore, hub Publisher, access UserAccess) *Dispatcher {
	return &Dispatcher{events: events, hub: hub, access: access}
}

// Dispatch persists and routes the events synthesized for one position, in
// pipeline order. The position (when present) must already be persisted so
// events can reference its row.
func (d *Dispatcher) Dispatch(ctx context.Context, device *model.Device, position *model.Position, evts []*model.Event) error {
	var errs *multierror.Error
	for _, event := range evts {
		if position != nil && event.PositionID == 0 {
			event.PositionID = position.ID
		}
		if err := d.events.Insert(ctx, event); err != nil {
			log.Errorf("Persisting %s event for device %d failed: %v", event.Type, event.DeviceID, err) //nolint:errcheck
			errs = multierror.Append(errs, err)
			continue
		}
		telemetry.EventsEmitted.WithLabelValues(event.Type).Inc()

		if d.hub != nil {
			d.hub.BroadcastEvent(event)
		}
		if model.EventSeverity(event.Type) >= model.SeverityHigh {
			d.notify(ctx, event)
		}
	}
	return errs.ErrorOrNil()
}

func (d *Dispatcher) notify(ctx context.Context, event *model.Event) {
	if d.access == nil || d.hub == nil {
		return
	}
	userIDs, err := d.access.UsersWithDeviceAccess(ctx, event.DeviceID)
	if err != nil {
		log.Warnf("Resolving recipients for %s event on device %d failed: %v", event.Type, event.DeviceID, err) //nolint:errcheck
		return
	}
	if len(userIDs) > 0 {
		d.hub.Notify(userIDs, event)
	}
}
