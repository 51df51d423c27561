// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package processor

import (
	"context"
	"errors"
	"time"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/geo"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// identify resolves the wire identifier to a device and binds the session.
// Unknown identifiers take the UnknownDevice path and return ok=false.
func (w *worker) identify(ctx context.Context, j job) (*devState, bool) {
	st, cached := w.states[j.uniqueID]
	if !cached {
		device, err := w.p.store.Devices().ByUniqueID(ctx, j.uniqueID)
		if errors.Is(err, storage.ErrNotFound) {
			w.handleUnknown(ctx, j)
			return nil, false
		}
		if err != nil {
			log.Errorf("Device lookup for %q failed: %v", j.uniqueID, err) //nolint:errcheck
			telemetry.PositionsFiltered.WithLabelValues("lookup-error").Inc()
			return nil, false
		}
		st = w.seedState(ctx, device)
		w.states[j.uniqueID] = st
		w.byDevice[device.ID] = st
		w.p.deviceWorker.Store(device.ID, w)
		w.p.deviceCache.SetDefault(j.uniqueID, device)
	}

	if j.sess != nil && j.sess.Transport != "http" {
		if j.sess.DeviceID() == 0 {
			j.sess.SetIdentity(st.device.ID, j.uniqueID)
		}
		w.p.registry.Bind(j.sess, st.device.ID)
	}
	return st, true
}

// seedState rebuilds in-memory pipeline state from the last persisted
// position, so restarts do not reset dedup, residency, or distance baselines.
func (w *worker) seedState(ctx context.Context, device *model.Device) *devState {
	st := &devState{device: device}
	last, err := w.p.store.Positions().Latest(ctx, device.ID)
	if err == nil && last != nil {
		st.last = last
		st.lastDedup = last.DedupKey()
		if last.FixTime != nil {
			st.lastFix = *last.FixTime
		}
		st.geofences = last.Attributes.IntSlice(model.AttrGeofences)
		if last.Attributes.Has(model.AttrIgnition) {
			ign := last.Attributes.Bool(model.AttrIgnition, false)
			st.ignition = &ign
		}
	}
	return st
}

// handleUnknown records the sighting and archives the position against the
// UnknownDevice row. No events, no broadcast.
func (w *worker) handleUnknown(ctx context.Context, j job) {
	telemetry.FramesDropped.WithLabelValues(j.src.Protocol, "identify-failed").Inc()
	now := w.p.clk.Now().UTC()
	unknown := &model.UnknownDevice{
		UniqueID:  j.uniqueID,
		Protocol:  j.src.Protocol,
		Port:      j.src.Port,
		Transport: j.src.Transport,
		FirstSeen: now,
		LastSeen:  now,
	}
	if err := w.p.store.Devices().UpsertUnknown(ctx, unknown); err != nil {
		log.Warnf("Recording unknown device %q failed: %v", j.uniqueID, err) //nolint:errcheck
		return
	}
	log.Infof("Unknown device %q seen on %s:%d/%s", j.uniqueID, j.src.Protocol, j.src.Port, j.src.Transport)

	if j.position != nil && j.position.ValidCoordinates() {
		j.position.UnknownDeviceID = unknown.ID
		if err := w.p.store.Positions().Insert(ctx, j.position); err != nil {
			log.Warnf("Archiving position for unknown device %q failed: %v", j.uniqueID, err) //nolint:errcheck
		}
	}
}

// markOnline transitions the device to online, returning the event to
// dispatch when the status actually changed.
func (w *worker) markOnline(ctx context.Context, st *devState) (*model.Event, bool) {
	now := w.p.clk.Now().UTC()
	device := st.device
	device.LastUpdate = &now
	if device.Status == model.StatusOnline {
		return nil, false
	}
	device.Status = model.StatusOnline
	if err := w.p.store.Devices().UpdateStatus(ctx, device.ID, model.StatusOnline, now); err != nil {
		log.Warnf("Marking device %d online failed: %v", device.ID, err) //nolint:errcheck
	}
	return model.NewEvent(model.EventDeviceOnline, device.ID, now), true
}

func (w *worker) processLogin(ctx context.Context, j job) {
	st, ok := w.identify(ctx, j)
	if !ok {
		return
	}
	if ev, changed := w.markOnline(ctx, st); changed {
		w.dispatch(ctx, st.device, nil, []*model.Event{ev})
		w.broadcastStatus(st.device)
	}
}

func (w *worker) processHeartbeat(ctx context.Context, j job) {
	st, ok := w.identify(ctx, j)
	if !ok {
		return
	}
	if ev, changed := w.markOnline(ctx, st); changed {
		w.dispatch(ctx, st.device, nil, []*model.Event{ev})
		w.broadcastStatus(st.device)
		return
	}
	// Refresh last_update so the device does not look stale between positions.
	now := w.p.clk.Now().UTC()
	if err := w.p.store.Devices().UpdateStatus(ctx, st.device.ID, model.StatusOnline, now); err != nil {
		log.Debugf("Refreshing last_update for device %d failed: %v", st.device.ID, err)
	}
}

func (w *worker) processOffline(ctx context.Context, deviceID int64) {
	st, ok := w.byDevice[deviceID]
	if !ok || st.device.Status == model.StatusOffline {
		return
	}
	now := w.p.clk.Now().UTC()
	st.device.Status = model.StatusOffline
	if err := w.p.store.Devices().UpdateStatus(ctx, deviceID, model.StatusOffline, now); err != nil {
		log.Warnf("Marking device %d offline failed: %v", deviceID, err) //nolint:errcheck
	}
	w.dispatch(ctx, st.device, nil, []*model.Event{model.NewEvent(model.EventDeviceOffline, deviceID, now)})
	w.broadcastStatus(st.device)
}

// processPosition runs the full ordered pipeline for one accepted frame.
func (w *worker) processPosition(ctx context.Context, j job) {
	st, ok := w.identify(ctx, j)
	if !ok {
		return
	}
	device := st.device
	position := j.position
	position.DeviceID = device.ID

	if device.Disabled || device.Expired(position.ServerTime) {
		telemetry.PositionsFiltered.WithLabelValues("device-disabled").Inc()
		return
	}

	// Sanity filtering.
	if !position.ValidCoordinates() {
		telemetry.PositionsFiltered.WithLabelValues("invalid-coordinates").Inc()
		return
	}
	dedup := position.DedupKey()
	if dedup == st.lastDedup {
		telemetry.PositionsFiltered.WithLabelValues("duplicate").Inc()
		return
	}
	if position.FixTime != nil && !st.lastFix.IsZero() &&
		st.lastFix.Sub(*position.FixTime) > w.p.cfg.SkewBound {
		// Archived for history, but stale fixes must not move state machines.
		position.Set(model.AttrOutdated, true)
		if err := w.p.store.Positions().Insert(ctx, position); err != nil {
			log.Errorf("Persisting outdated position for device %d failed: %v", device.ID, err) //nolint:errcheck
			return
		}
		st.lastDedup = dedup
		return
	}

	var evts []*model.Event
	if ev, changed := w.markOnline(ctx, st); changed {
		evts = append(evts, ev)
		defer w.broadcastStatus(device)
	}

	// Enrichment.
	distance := 0.0
	if st.last != nil && position.ServerTime.Sub(st.last.ServerTime) <= w.p.cfg.TripGap {
		distance = geo.Distance(st.last.Latitude, st.last.Longitude, position.Latitude, position.Longitude)
	}
	position.Set(model.AttrDistance, distance)
	if !position.Attributes.Has(model.AttrMotion) {
		position.Set(model.AttrMotion, position.Speed >= w.p.cfg.MotionSpeedKmh)
	}

	// Accumulators.
	device.TotalDistance += distance
	if st.last != nil {
		gap := position.ServerTime.Sub(st.last.ServerTime)
		if gap > 0 && gap <= w.p.cfg.TripGap && engineRunning(position) {
			device.Hours += gap.Seconds()
		}
	}
	position.Set(model.AttrTotalDist, device.TotalDistance)
	position.Set(model.AttrHours, device.Hours)

	// Geofence residency.
	current := w.p.geofences.PointIn(position.Latitude, position.Longitude)
	if len(current) > 0 {
		position.Set(model.AttrGeofences, current)
	}
	evts = append(evts, diffGeofences(device.ID, st.geofences, current, position.EffectiveTime())...)

	// Motion and overspeed state machines.
	evts = append(evts, w.updateMotion(st, position)...)
	evts = append(evts, w.updateOverspeed(st, position, current)...)

	// Derived flags.
	evts = append(evts, w.flagEvents(st, position)...)

	// Persistence: position first, then events, in pipeline order.
	if err := w.p.store.Positions().Insert(ctx, position); err != nil {
		// The wire has no back-pressure channel; after the storage layer's
		// own retries the record is dropped.
		log.Errorf("Persisting position for device %d failed, dropping: %v", device.ID, err) //nolint:errcheck
		telemetry.PositionsFiltered.WithLabelValues("persist-error").Inc()
		return
	}
	if st.motionUpdated {
		device.MotionPositionID = position.ID
		st.motionUpdated = false
	}
	if err := w.p.store.Devices().UpdateAccumulators(ctx, device); err != nil {
		log.Errorf("Updating accumulators for device %d failed: %v", device.ID, err) //nolint:errcheck
	}
	w.dispatch(ctx, device, position, evts)

	// Fan-out.
	if w.p.latest != nil {
		if err := w.p.latest.SetLatest(ctx, position); err != nil {
			log.Debugf("Caching latest position for device %d failed: %v", device.ID, err)
		}
	}
	if w.p.hub != nil {
		w.p.hub.BroadcastPosition(position)
	}
	telemetry.PositionsProcessed.Inc()

	// Commit in-memory state only after the position is durable.
	st.last = position
	st.lastDedup = dedup
	if position.FixTime != nil && position.FixTime.After(st.lastFix) {
		st.lastFix = *position.FixTime
	}
	st.geofences = current
}

// engineRunning gates the hours accumulator: ignition when reported, motion
// otherwise.
func engineRunning(position *model.Position) bool {
	if position.Attributes.Has(model.AttrIgnition) {
		return position.Attributes.Bool(model.AttrIgnition, false)
	}
	return position.Attributes.Bool(model.AttrMotion, false)
}

// updateMotion advances the still/moving state machine. The timeout half
// lives in sweepMotion.
func (w *worker) updateMotion(st *devState, position *model.Position) []*model.Event {
	device := st.device
	at := position.EffectiveTime()

	if !st.motionSet {
		st.motionLat, st.motionLon, st.motionSet = position.Latitude, position.Longitude, true
		st.motionUpdated = true
		if device.MotionState == "" {
			device.MotionState = model.MotionStill
		}
		device.MotionTime = &at
		return nil
	}

	moved := geo.Distance(st.motionLat, st.motionLon, position.Latitude, position.Longitude)
	if moved < w.p.cfg.MotionThresholdM {
		return nil
	}
	device.MotionDistance += moved
	device.MotionTime = &at
	st.motionLat, st.motionLon = position.Latitude, position.Longitude
	st.motionUpdated = true
	device.MotionStreak++

	if device.MotionState != model.MotionMoving {
		device.MotionState = model.MotionMoving
		ev := model.NewEvent(model.EventDeviceMoving, device.ID, at)
		ev.Attributes[model.AttrDistance] = moved
		return []*model.Event{ev}
	}
	return nil
}

// sweepMotion expires moving devices that produced no qualifying move within
// the motion timeout.
func (w *worker) sweepMotion(ctx context.Context) {
	now := w.p.clk.Now().UTC()
	for _, st := range w.byDevice {
		device := st.device
		if device.MotionState != model.MotionMoving || device.MotionTime == nil {
			continue
		}
		if now.Sub(*device.MotionTime) <= w.p.cfg.MotionTimeout {
			continue
		}
		device.MotionState = model.MotionStill
		device.MotionStreak = 0
		ev := model.NewEvent(model.EventDeviceStopped, device.ID, now)
		ev.Attributes[model.AttrDistance] = device.MotionDistance
		device.MotionDistance = 0
		if err := w.p.store.Devices().UpdateAccumulators(ctx, device); err != nil {
			log.Warnf("Persisting motion stop for device %d failed: %v", device.ID, err) //nolint:errcheck
		}
		w.dispatch(ctx, device, nil, []*model.Event{ev})
	}
}

// updateOverspeed resolves the applicable speed limit and drives the
// overspeed latch. One reading at or below the limit clears it.
func (w *worker) updateOverspeed(st *devState, position *model.Position, geofenceIDs []int64) []*model.Event {
	device := st.device

	limit := w.p.cfg.DefaultSpeedLimitKmh
	var limitGeofence int64
	if device.OverspeedGeofenceID != 0 &&
		w.p.geofences.Contains(device.OverspeedGeofenceID, position.Latitude, position.Longitude) {
		if l, ok := w.p.geofences.SpeedLimit(device.OverspeedGeofenceID); ok {
			limit, limitGeofence = l, device.OverspeedGeofenceID
		}
	} else if l, id, ok := w.p.geofences.FirstSpeedLimit(geofenceIDs); ok {
		limit, limitGeofence = l, id
	}

	switch {
	case position.Speed > limit+w.p.cfg.OverspeedThresholdKmh:
		if device.OverspeedState {
			return nil
		}
		at := position.EffectiveTime()
		device.OverspeedState = true
		device.OverspeedTime = &at
		device.OverspeedGeofenceID = limitGeofence
		position.Set(model.AttrSpeedLimit, limit)
		ev := model.NewEvent(model.EventDeviceOverspeed, device.ID, at)
		ev.GeofenceID = limitGeofence
		ev.Attributes[model.AttrSpeedLimit] = limit
		ev.Attributes["speed"] = position.Speed
		return []*model.Event{ev}

	case position.Speed <= limit && device.OverspeedState:
		device.OverspeedState = false
		device.OverspeedTime = nil
		device.OverspeedGeofenceID = 0
	}
	return nil
}

// flagEvents turns ignition transitions, alarms, and fuel drops into events.
func (w *worker) flagEvents(st *devState, position *model.Position) []*model.Event {
	var evts []*model.Event
	device := st.device
	at := position.EffectiveTime()

	if position.Attributes.Has(model.AttrIgnition) {
		ignition := position.Attributes.Bool(model.AttrIgnition, false)
		if st.ignition != nil && *st.ignition != ignition {
			eventType := model.EventIgnitionOff
			if ignition {
				eventType = model.EventIgnitionOn
			}
			evts = append(evts, model.NewEvent(eventType, device.ID, at))
		}
		st.ignition = &ignition
	}

	if alarm := position.Attributes.String(model.AttrAlarm, ""); alarm != "" {
		ev := model.NewEvent(model.EventAlarm, device.ID, at)
		ev.Attributes[model.AttrAlarm] = alarm
		evts = append(evts, ev)
	}

	if position.Attributes.Has(model.AttrFuelLevel) {
		fuel := position.Attributes.Float(model.AttrFuelLevel, 0)
		threshold := device.Attributes.Float("fuelDropThreshold", 0)
		if st.fuelLevel != nil && threshold > 0 && *st.fuelLevel-fuel >= threshold {
			ev := model.NewEvent(model.EventDeviceFuelDrop, device.ID, at)
			ev.Attributes[model.AttrFuelLevel] = fuel
			ev.Attributes["fuelBefore"] = *st.fuelLevel
			evts = append(evts, ev)
		}
		st.fuelLevel = &fuel
	}
	return evts
}

// diffGeofences turns membership changes into enter/exit events.
func diffGeofences(deviceID int64, prev, current []int64, at time.Time) []*model.Event {
	inPrev := make(map[int64]bool, len(prev))
	for _, id := range prev {
		inPrev[id] = true
	}
	inCurrent := make(map[int64]bool, len(current))
	for _, id := range current {
		inCurrent[id] = true
	}

	var evts []*model.Event
	for _, id := range current {
		if !inPrev[id] {
			ev := model.NewEvent(model.EventGeofenceEnter, deviceID, at)
			ev.GeofenceID = id
			evts = append(evts, ev)
		}
	}
	for _, id := range prev {
		if !inCurrent[id] {
			ev := model.NewEvent(model.EventGeofenceExit, deviceID, at)
			ev.GeofenceID = id
			evts = append(evts, ev)
		}
	}
	return evts
}

// dispatch hands events to the dispatcher when one is wired.
func (w *worker) dispatch(ctx context.Context, device *model.Device, position *model.Position, evts []*model.Event) {
	if len(evts) == 0 || w.p.dispatcher == nil {
		return
	}
	if err := w.p.dispatcher.Dispatch(ctx, device, position, evts); err != nil {
		log.Warnf("Dispatching %d events for device %d failed: %v", len(evts), device.ID, err) //nolint:errcheck
	}
}

func (w *worker) broadcastStatus(device *model.Device) {
	if w.p.hub == nil {
		return
	}
	at := w.p.clk.Now().UTC()
	if device.LastUpdate != nil {
		at = *device.LastUpdate
	}
	w.p.hub.BroadcastDeviceStatus(device.ID, device.Status, at)
}
