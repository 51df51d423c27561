// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package model

import (
	"time"

	"github.com/uptrace/bun"
)

// Event types synthesized by the pipeline.
const (
	EventDeviceOnline   = "deviceOnline"
	EventDeviceOffline  = "deviceOffline"
	EventDeviceMoving   = "deviceMoving"
	EventDeviceStopped  = "deviceStopped"
	EventDeviceOverspeed = "deviceOverspeed"
	EventDeviceFuelDrop = "deviceFuelDrop"
	EventGeofenceEnter  = "geofenceEnter"
	EventGeofenceExit   = "geofenceExit"
	EventIgnitionOn     = "ignitionOn"
	EventIgnitionOff    = "ignitionOff"
	EventAlarm          = "alarm"
	EventMaintenance    = "maintenance"
	EventDriverChanged  = "driverChanged"
	EventCommandResult  = "commandResult"
	EventMedia          = "media"
)

// Severity classifies an event for routing purposes.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// EventSeverity is the fixed type-to-severity routing table. Critical and
// high events are pushed to the live hub before the pipeline moves on.
func EventSeverity(eventType string) Severity {
	switch eventType {
	case EventAlarm:
		return SeverityCritical
	case EventDeviceOffline, EventDeviceOverspeed:
		return SeverityHigh
	case EventGeofenceEnter, EventGeofenceExit, EventDeviceFuelDrop:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Event is an immutable derived record. Once inserted it is never updated.
type Event struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID            int64      `bun:"id,pk,autoincrement" json:"id"`
	Type          string     `bun:"type,notnull" json:"type"`
	DeviceID      int64      `bun:"device_id,notnull" json:"deviceId"`
	PositionID    int64      `bun:"position_id,nullzero" json:"positionId,omitempty"`
	GeofenceID    int64      `bun:"geofence_id,nullzero" json:"geofenceId,omitempty"`
	MaintenanceID int64      `bun:"maintenance_id,nullzero" json:"maintenanceId,omitempty"`
	EventTime     time.Time  `bun:"event_time,notnull" json:"eventTime"`
	Attributes    Attributes `bun:"attributes,type:jsonb" json:"attributes,omitempty"`
}

// NewEvent builds an event stamped with the given time.
func NewEvent(eventType string, deviceID int64, at time.Time) *Event {
	return &Event{
		Type:       eventType,
		DeviceID:   deviceID,
		EventTime:  at,
		Attributes: Attributes{},
	}
}
