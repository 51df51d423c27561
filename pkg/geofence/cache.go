// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package geofence is the in-memory spatial index consulted on every
// position. Lookups run against an immutable snapshot; Reload builds a new
// snapshot and swaps it atomically, so readers never synchronize with each
// other or with reloads.
package geofence

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/paulmach/orb"

	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// Cache indexes all non-disabled geofences.
type Cache struct {
	store         storage.GeofenceStore
	defaultBuffer float64

	snapshot atomic.Pointer[snapshot]
}

// snapshot holds compiled geofences. Candidate filtering is a linear scan
// over precomputed bounding boxes; exact containment runs only on candidates.
// With the typical few hundred active geofences the scan is cheaper than
// maintaining a tree, and the snapshot swap keeps it trivially safe.
type snapshot struct {
	fences []*compiledGeofence
	byID   map[int64]*compiledGeofence
}

// New builds an empty cache; call Reload before serving lookups.
func New(store storage.GeofenceStore, defaultBuffer float64) *Cache {
	c := &Cache{store: store, defaultBuffer: defaultBuffer}
	c.snapshot.Store(&snapshot{byID: map[int64]*compiledGeofence{}})
	return c
}

// Reload fetches all active geofences and swaps in a freshly compiled
// snapshot. In-flight readers keep the old snapshot until their lookup ends.
func (c *Cache) Reload(ctx context.Context) error {
	geofences, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("geofence reload: %w", err)
	}

	next := &snapshot{
		fences: make([]*compiledGeofence, 0, len(geofences)),
		byID:   make(map[int64]*compiledGeofence, len(geofences)),
	}
	for _, g := range geofences {
		compiled, err := compile(g, c.defaultBuffer)
		if err != nil {
			log.Warnf("Skipping geofence %d (%s): %v", g.ID, g.Name, err) //nolint:errcheck
			continue
		}
		next.fences = append(next.fences, compiled)
		next.byID[g.ID] = compiled
	}
	// The scan order decides the PointIn output order; the store gives no
	// ordering guarantee.
	sort.Slice(next.fences, func(i, j int) bool { return next.fences[i].id < next.fences[j].id })

	c.snapshot.Store(next)
	log.Infof("Geofence cache loaded with %d geofences", len(next.fences))
	return nil
}

// WatchInvalidations reloads the cache whenever the notification channel
// fires, until ctx is done. Used with the redis invalidation subscription.
func (c *Cache) WatchInvalidations(ctx context.Context, notify <-chan struct{}) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
				if err := c.Reload(ctx); err != nil {
					log.Errorf("Geofence cache reload failed: %v", err) //nolint:errcheck
				}
			}
		}
	}()
}

// PointIn returns the ids of all geofences containing the coordinate, in
// ascending id order.
func (c *Cache) PointIn(lat, lon float64) []int64 {
	snap := c.snapshot.Load()
	point := orb.Point{lon, lat}

	var ids []int64
	for _, f := range snap.fences {
		if !f.bound.Contains(point) {
			continue
		}
		if f.contains(point) {
			ids = append(ids, f.id)
		}
	}
	return ids
}

// Contains reports whether the given geofence contains the coordinate.
// Unknown ids are treated as an empty membership (logged by the caller).
func (c *Cache) Contains(id int64, lat, lon float64) bool {
	snap := c.snapshot.Load()
	f, ok := snap.byID[id]
	if !ok {
		return false
	}
	point := orb.Point{lon, lat}
	return f.bound.Contains(point) && f.contains(point)
}

// SpeedLimit returns the speed limit attribute of the given geofence in km/h
// and whether one is set.
func (c *Cache) SpeedLimit(id int64) (float64, bool) {
	snap := c.snapshot.Load()
	f, ok := snap.byID[id]
	if !ok || f.speedLimit <= 0 {
		return 0, false
	}
	return f.speedLimit, true
}

// FirstSpeedLimit scans ids in order and returns the first geofence carrying
// a speed limit, used by the overspeed step.
func (c *Cache) FirstSpeedLimit(ids []int64) (limit float64, geofenceID int64, ok bool) {
	snap := c.snapshot.Load()
	for _, id := range ids {
		if f, found := snap.byID[id]; found && f.speedLimit > 0 {
			return f.speedLimit, id, true
		}
	}
	return 0, 0, false
}

// Size returns the number of indexed geofences.
func (c *Cache) Size() int {
	return len(c.snapshot.Load().fences)
}
