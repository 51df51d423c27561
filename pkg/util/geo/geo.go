// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package geo holds the great-circle math shared by the position pipeline and
// the geofence cache.
package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// EarthRadiusM is the WGS-84 mean earth radius used for all distance math.
const EarthRadiusM = 6371000.0

const metersPerDegreeLat = 111320.0

// Distance returns the haversine great-circle distance in meters between two
// coordinates.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// PointDistance is Distance over orb points ([lon, lat] order).
func PointDistance(a, b orb.Point) float64 {
	return Distance(a[1], a[0], b[1], b[0])
}

// DistanceToSegment returns the distance in meters from p to the segment ab.
// The projection is done on an equirectangular plane anchored at p, which is
// accurate for the segment lengths geofence corridors use.
func DistanceToSegment(p, a, b orb.Point) float64 {
	cosLat := math.Cos(p[1] * math.Pi / 180)

	ax := (a[0] - p[0]) * cosLat * metersPerDegreeLat
	ay := (a[1] - p[1]) * metersPerDegreeLat
	bx := (b[0] - p[0]) * cosLat * metersPerDegreeLat
	by := (b[1] - p[1]) * metersPerDegreeLat

	dx, dy := bx-ax, by-ay
	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return math.Hypot(ax, ay)
	}
	t := -(ax*dx + ay*dy) / lengthSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(ax+t*dx, ay+t*dy)
}

// BoundPad grows a bound by the given number of meters on every side.
func BoundPad(bound orb.Bound, meters float64) orb.Bound {
	latDelta := meters / metersPerDegreeLat
	midLat := (bound.Min[1] + bound.Max[1]) / 2
	cosLat := math.Cos(midLat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonDelta := meters / (metersPerDegreeLat * cosLat)

	return orb.Bound{
		Min: orb.Point{bound.Min[0] - lonDelta, bound.Min[1] - latDelta},
		Max: orb.Point{bound.Max[0] + lonDelta, bound.Max[1] + latDelta},
	}
}
