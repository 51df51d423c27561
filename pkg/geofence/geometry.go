// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package geofence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/util/geo"
)

type geofenceKind int

const (
	kindPolygon geofenceKind = iota
	kindCircle
	kindCorridor
)

// compiledGeofence is the index form of one geofence: a bounding box for the
// candidate filter plus whatever the exact containment test needs.
type compiledGeofence struct {
	id         int64
	name       string
	kind       geofenceKind
	bound      orb.Bound
	speedLimit float64

	polygon orb.Polygon

	center orb.Point
	radius float64

	line   orb.LineString
	buffer float64
}

func (f *compiledGeofence) contains(point orb.Point) bool {
	switch f.kind {
	case kindPolygon:
		// Ray casting in planar coordinates; on-boundary counts as inside.
		return planar.PolygonContains(f.polygon, point)
	case kindCircle:
		return geo.PointDistance(f.center, point) <= f.radius
	case kindCorridor:
		for i := 0; i < len(f.line)-1; i++ {
			if geo.DistanceToSegment(point, f.line[i], f.line[i+1]) <= f.buffer {
				return true
			}
		}
		return false
	}
	return false
}

// rawGeometry splits the type tag off so Circle (not valid GeoJSON) can be
// handled before handing the rest to the geojson decoder.
type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

func compile(g *model.Geofence, defaultBuffer float64) (*compiledGeofence, error) {
	var raw rawGeometry
	if err := json.Unmarshal(g.Geometry, &raw); err != nil {
		return nil, fmt.Errorf("invalid geometry: %w", err)
	}

	compiled := &compiledGeofence{
		id:         g.ID,
		name:       g.Name,
		speedLimit: g.SpeedLimit(),
	}

	switch raw.Type {
	case model.GeometryCircle:
		var coords []float64
		if err := json.Unmarshal(raw.Coordinates, &coords); err != nil || len(coords) != 3 {
			return nil, errors.New("circle coordinates must be [lon, lat, radius_m]")
		}
		lon, lat, radius := coords[0], coords[1], coords[2]
		if radius <= 0 {
			return nil, errors.New("circle radius must be positive")
		}
		compiled.kind = kindCircle
		compiled.center = orb.Point{lon, lat}
		compiled.radius = radius
		compiled.bound = geo.BoundPad(orb.Bound{Min: compiled.center, Max: compiled.center}, radius)

	case model.GeometryPolygon:
		geom, err := geojson.UnmarshalGeometry(g.Geometry)
		if err != nil {
			return nil, fmt.Errorf("invalid polygon: %w", err)
		}
		polygon, ok := geom.Geometry().(orb.Polygon)
		if !ok || len(polygon) == 0 || len(polygon[0]) < 4 {
			return nil, errors.New("polygon must have a closed outer ring")
		}
		compiled.kind = kindPolygon
		compiled.polygon = polygon
		compiled.bound = polygon.Bound()

	case model.GeometryLineString:
		geom, err := geojson.UnmarshalGeometry(g.Geometry)
		if err != nil {
			return nil, fmt.Errorf("invalid linestring: %w", err)
		}
		line, ok := geom.Geometry().(orb.LineString)
		if !ok || len(line) < 2 {
			return nil, errors.New("linestring must have at least two points")
		}
		buffer := g.BufferDistance(defaultBuffer)
		if buffer <= 0 {
			return nil, errors.New("linestring corridor requires a positive bufferDistance")
		}
		compiled.kind = kindCorridor
		compiled.line = line
		compiled.buffer = buffer
		compiled.bound = geo.BoundPad(line.Bound(), buffer)

	default:
		return nil, fmt.Errorf("unsupported geometry type %q", raw.Type)
	}

	return compiled, nil
}
