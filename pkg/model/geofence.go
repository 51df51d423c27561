// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package model

import (
	"encoding/json"

	"github.com/uptrace/bun"
)

// Geofence geometry types.
const (
	GeometryPolygon    = "Polygon"
	GeometryCircle     = "Circle"
	GeometryLineString = "LineString"
)

// Geofence is the persisted record; the spatial cache compiles Geometry into
// its index form at load time.
type Geofence struct {
	bun.BaseModel `bun:"table:geofences,alias:g"`

	ID         int64           `bun:"id,pk,autoincrement" json:"id"`
	Name       string          `bun:"name,notnull" json:"name"`
	Type       string          `bun:"type" json:"type"`
	Geometry   json.RawMessage `bun:"geometry,type:jsonb,notnull" json:"geometry"`
	Disabled   bool            `bun:"disabled" json:"disabled"`
	CalendarID int64           `bun:"calendar_id,nullzero" json:"calendarId,omitempty"`
	Attributes Attributes      `bun:"attributes,type:jsonb" json:"attributes,omitempty"`
}

// SpeedLimit returns the geofence speed limit in km/h, or 0 when unset.
func (g *Geofence) SpeedLimit() float64 {
	return g.Attributes.Float(AttrSpeedLimit, 0)
}

// BufferDistance returns the corridor width for LineString geofences.
func (g *Geofence) BufferDistance(def float64) float64 {
	return g.Attributes.Float(AttrBuffer, def)
}
