// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package model

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Position is one normalized device report. Exactly one of DeviceID and
// UnknownDeviceID is set; Valid reflects the device's own fix validity bit.
type Position struct {
	bun.BaseModel `bun:"table:positions,alias:p"`

	ID              int64      `bun:"id,pk,autoincrement" json:"id"`
	DeviceID        int64      `bun:"device_id,nullzero" json:"deviceId,omitempty"`
	UnknownDeviceID int64      `bun:"unknown_device_id,nullzero" json:"unknownDeviceId,omitempty"`
	Protocol        string     `bun:"protocol" json:"protocol"`
	ServerTime      time.Time  `bun:"server_time,notnull" json:"serverTime"`
	DeviceTime      *time.Time `bun:"device_time" json:"deviceTime,omitempty"`
	FixTime         *time.Time `bun:"fix_time" json:"fixTime,omitempty"`
	Valid           bool       `bun:"valid" json:"valid"`
	Latitude        float64    `bun:"latitude,notnull" json:"latitude"`
	Longitude       float64    `bun:"longitude,notnull" json:"longitude"`
	Altitude        float64    `bun:"altitude" json:"altitude"`
	Speed           float64    `bun:"speed" json:"speed"` // km/h
	Course          float64    `bun:"course" json:"course"`
	Accuracy        float64    `bun:"accuracy" json:"accuracy"`
	Address         string     `bun:"address" json:"address,omitempty"`
	Attributes      Attributes `bun:"attributes,type:jsonb" json:"attributes"`
}

// Knots to km/h conversion factor, used by decoders that report speed in knots.
const KnotsToKmh = 1.852

// ValidCoordinates reports whether latitude and longitude are inside the
// allowed ranges.
func (p *Position) ValidCoordinates() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Set stores an attribute value, allocating the bag on first use.
func (p *Position) Set(key string, value interface{}) {
	if p.Attributes == nil {
		p.Attributes = Attributes{}
	}
	p.Attributes[key] = value
}

// DedupKey identifies a position for duplicate suppression: a repeat of the
// immediately previous (fix time, lat, lon) for the same device is dropped.
func (p *Position) DedupKey() string {
	var fix int64
	if p.FixTime != nil {
		fix = p.FixTime.UnixMilli()
	}
	return fmt.Sprintf("%d:%d:%.6f:%.6f", p.DeviceID, fix, p.Latitude, p.Longitude)
}

// EffectiveTime returns the fix time when present, else the server time.
func (p *Position) EffectiveTime() time.Time {
	if p.FixTime != nil {
		return *p.FixTime
	}
	return p.ServerTime
}
