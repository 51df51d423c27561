// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package geo

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	assert.Equal(t, 0.0, Distance(10, 20, 10, 20))

	// One degree of longitude on the equator.
	assert.InDelta(t, 111195, Distance(0, 0, 0, 1), 1)

	// Paris - London.
	assert.InDelta(t, 343900, Distance(48.8566, 2.3522, 51.5074, -0.1278), 500)

	// Symmetry.
	assert.InDelta(t,
		Distance(48.8566, 2.3522, 51.5074, -0.1278),
		Distance(51.5074, -0.1278, 48.8566, 2.3522), 1e-6)
}

func TestPointDistance(t *testing.T) {
	a := orb.Point{2.3522, 48.8566}
	b := orb.Point{-0.1278, 51.5074}
	assert.InDelta(t, Distance(48.8566, 2.3522, 51.5074, -0.1278), PointDistance(a, b), 1e-6)
}

func TestDistanceToSegment(t *testing.T) {
	a := orb.Point{0, 0}
	b := orb.Point{0.01, 0}

	// Perpendicular projection onto the middle of the segment.
	assert.InDelta(t, 111.32, DistanceToSegment(orb.Point{0.005, 0.001}, a, b), 1)

	// Past the end: distance to the nearest endpoint.
	assert.InDelta(t, Distance(0, 0.02, 0, 0.01), DistanceToSegment(orb.Point{0.02, 0}, a, b), 5)

	// Degenerate segment.
	assert.InDelta(t, 111.32, DistanceToSegment(orb.Point{0, 0.001}, a, a), 1)
}

func TestBoundPad(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{10, 20}, Max: orb.Point{10, 20}}
	padded := BoundPad(bound, 1000)

	assert.True(t, padded.Contains(orb.Point{10, 20}))
	assert.True(t, padded.Min[1] < 20 && padded.Max[1] > 20)
	assert.True(t, padded.Min[0] < 10 && padded.Max[0] > 10)
	// ~1 km of latitude is about 0.009 degrees.
	assert.InDelta(t, 20-1000/111320.0, padded.Min[1], 1e-9)
}
