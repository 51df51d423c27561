// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package model

import (
	"time"

	"github.com/uptrace/bun"
)

// DeviceStatus is the reported connectivity state of a device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusUnknown DeviceStatus = "unknown"
)

// MotionState is the per-device motion state machine state.
type MotionState string

const (
	MotionStill  MotionState = "still"
	MotionMoving MotionState = "moving"
)

// Device is a known tracker. The accumulator fields are only ever written by
// the position pipeline worker owning the device; TotalDistance and Hours
// are monotonically non-decreasing.
type Device struct {
	bun.BaseModel `bun:"table:devices,alias:d"`

	ID             int64        `bun:"id,pk,autoincrement" json:"id"`
	Name           string       `bun:"name" json:"name"`
	UniqueID       string       `bun:"unique_id,notnull,unique" json:"uniqueId"`
	Status         DeviceStatus `bun:"status" json:"status"`
	LastUpdate     *time.Time   `bun:"last_update" json:"lastUpdate,omitempty"`
	GroupID        int64        `bun:"group_id,nullzero" json:"groupId,omitempty"`
	CalendarID     int64        `bun:"calendar_id,nullzero" json:"calendarId,omitempty"`
	ExpirationTime *time.Time   `bun:"expiration_time" json:"expirationTime,omitempty"`
	Phone          string       `bun:"phone" json:"phone,omitempty"`
	Disabled       bool         `bun:"disabled" json:"disabled"`

	// Accumulators.
	TotalDistance float64 `bun:"total_distance" json:"totalDistance"` // meters
	Hours         float64 `bun:"hours" json:"hours"`                  // seconds

	// Motion state machine.
	MotionState      MotionState `bun:"motion_state" json:"motionState,omitempty"`
	MotionStreak     int         `bun:"motion_streak" json:"-"`
	MotionPositionID int64       `bun:"motion_position_id,nullzero" json:"-"`
	MotionTime       *time.Time  `bun:"motion_time" json:"-"`
	MotionDistance   float64     `bun:"motion_distance" json:"-"`

	// Overspeed state machine.
	OverspeedState      bool       `bun:"overspeed_state" json:"overspeedState"`
	OverspeedTime       *time.Time `bun:"overspeed_time" json:"-"`
	OverspeedGeofenceID int64      `bun:"overspeed_geofence_id,nullzero" json:"-"`

	Attributes Attributes `bun:"attributes,type:jsonb" json:"attributes,omitempty"`
}

// Expired reports whether the device subscription has lapsed.
func (d *Device) Expired(now time.Time) bool {
	return d.ExpirationTime != nil && now.After(*d.ExpirationTime)
}

// UnknownDevice records a wire identifier with no matching Device row.
type UnknownDevice struct {
	bun.BaseModel `bun:"table:unknown_devices,alias:ud"`

	ID                 int64     `bun:"id,pk,autoincrement" json:"id"`
	UniqueID           string    `bun:"unique_id,notnull,unique" json:"uniqueId"`
	Protocol           string    `bun:"protocol" json:"protocol"`
	Port               int       `bun:"port" json:"port"`
	Transport          string    `bun:"transport" json:"transport"`
	FirstSeen          time.Time `bun:"first_seen,notnull" json:"firstSeen"`
	LastSeen           time.Time `bun:"last_seen,notnull" json:"lastSeen"`
	IsRegistered       bool      `bun:"is_registered" json:"isRegistered"`
	RegisteredDeviceID int64     `bun:"registered_device_id,nullzero" json:"registeredDeviceId,omitempty"`
}
