// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracknet-io/tracknet/pkg/events"
	"github.com/tracknet-io/tracknet/pkg/geofence"
	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/storage"
	"github.com/tracknet-io/tracknet/pkg/storage/memory"
	"github.com/tracknet-io/tracknet/pkg/util/geo"
)

// recordingHub captures live fan-out without a websocket in sight.
type recordingHub struct {
	positions []*model.Position
	events    []*model.Event
	statuses  []model.DeviceStatus
	notified  [][]int64
}

func (h *recordingHub) BroadcastPosition(position *model.Position) {
	h.positions = append(h.positions, position)
}

func (h *recordingHub) BroadcastEvent(event *model.Event) {
	h.events = append(h.events, event)
}

func (h *recordingHub) BroadcastDeviceStatus(_ int64, status model.DeviceStatus, _ time.Time) {
	h.statuses = append(h.statuses, status)
}

func (h *recordingHub) Notify(userIDs []int64, _ *model.Event) {
	h.notified = append(h.notified, userIDs)
}

type fixture struct {
	p     *Processor
	store *memory.Store
	hub   *recordingHub
	clk   *clock.Mock
}

func newFixture(t *testing.T, cfg Config, geofences ...*model.Geofence) *fixture {
	t.Helper()
	store := memory.New()
	for _, g := range geofences {
		store.AddGeofence(g)
	}
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	geoCache := geofence.New(store.Geofences(), 25)
	require.NoError(t, geoCache.Reload(context.Background()))

	hub := &recordingHub{}
	dispatcher := events.NewDispatcher(store.Events(), hub, nil)
	p := New(store, nil, geoCache, session.NewRegistry(), dispatcher, hub, clk, cfg)
	return &fixture{p: p, store: store, hub: hub, clk: clk}
}

// feed runs one position through the owning worker synchronously.
func (f *fixture) feed(uniqueID string, position *model.Position) {
	position.ServerTime = f.clk.Now().UTC()
	w := f.p.workerFor(uniqueID)
	w.processPosition(context.Background(), job{
		kind:     jobPosition,
		src:      protocols.Source{Protocol: "gt06", Port: 42010, Transport: "tcp"},
		uniqueID: uniqueID,
		position: position,
	})
}

// report builds a valid position fixed at the mock clock's current time.
func (f *fixture) report(lat, lon, speed float64) *model.Position {
	fix := f.clk.Now().UTC()
	return &model.Position{
		Protocol:  "gt06",
		Valid:     true,
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		FixTime:   &fix,
	}
}

func (f *fixture) countEvents(t *testing.T, eventType string) int {
	t.Helper()
	evts, err := f.store.Events().Query(context.Background(), storage.EventQuery{Types: []string{eventType}})
	require.NoError(t, err)
	return len(evts)
}

func circleGeofence(id int64, lon, lat, radius float64, attrs model.Attributes) *model.Geofence {
	geometry, _ := json.Marshal(map[string]interface{}{
		"type":        model.GeometryCircle,
		"coordinates": []float64{lon, lat, radius},
	})
	return &model.Geofence{ID: id, Name: "zone", Geometry: geometry, Attributes: attrs}
}

func TestUnknownDeviceArchived(t *testing.T) {
	f := newFixture(t, Config{})

	f.feed("359632100000001", f.report(10, 20, 0))

	unknown := f.store.UnknownByUniqueID("359632100000001")
	require.NotNil(t, unknown)
	assert.Equal(t, "gt06", unknown.Protocol)
	assert.Equal(t, 42010, unknown.Port)

	// The position is archived against the unknown row; nothing else happens.
	history, err := f.store.Positions().History(context.Background(),
		0, time.Time{}, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, unknown.ID, history[0].UnknownDeviceID)

	assert.Empty(t, f.hub.positions)
	assert.Empty(t, f.hub.events)

	// A repeat sighting updates the same row.
	f.clk.Add(time.Minute)
	f.feed("359632100000001", f.report(10, 20, 0))
	again := f.store.UnknownByUniqueID("359632100000001")
	assert.Equal(t, unknown.ID, again.ID)
	assert.True(t, again.LastSeen.After(again.FirstSeen))
}

func TestFirstPositionMarksOnline(t *testing.T) {
	f := newFixture(t, Config{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	f.feed("907126119", f.report(-3.843813, -38.615475, 0))

	assert.Equal(t, model.StatusOnline, device.Status)
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceOnline))
	assert.Equal(t, []model.DeviceStatus{model.StatusOnline}, f.hub.statuses)
	require.Len(t, f.hub.positions, 1)

	// The second position does not re-announce.
	f.clk.Add(10 * time.Second)
	f.feed("907126119", f.report(-3.843813, -38.615475, 0))
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceOnline))
	assert.Len(t, f.hub.statuses, 1)
}

func TestDuplicateSuppressed(t *testing.T) {
	f := newFixture(t, Config{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	first := f.report(10, 20, 30)
	f.feed("907126119", first)
	distanceAfterFirst := device.TotalDistance

	// Same fix time and coordinates: dropped before any state machine runs.
	repeat := f.report(10, 20, 30)
	f.feed("907126119", repeat)

	assert.Len(t, f.hub.positions, 1)
	assert.Equal(t, distanceAfterFirst, device.TotalDistance)

	history, err := f.store.Positions().History(context.Background(),
		device.ID, time.Time{}, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAccumulators(t *testing.T) {
	f := newFixture(t, Config{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	first := f.report(0, 0, 40)
	first.Set(model.AttrIgnition, true)
	f.feed("907126119", first)
	assert.Equal(t, 0.0, device.TotalDistance)
	assert.Equal(t, 0.0, device.Hours)

	f.clk.Add(60 * time.Second)
	second := f.report(0.009, 0, 40)
	second.Set(model.AttrIgnition, true)
	f.feed("907126119", second)

	want := geo.Distance(0, 0, 0.009, 0)
	assert.InDelta(t, want, device.TotalDistance, 0.01)
	assert.Equal(t, 60.0, device.Hours)
	assert.InDelta(t, want, second.Attributes.Float(model.AttrTotalDist, 0), 0.01)
	assert.Equal(t, 60.0, second.Attributes.Float(model.AttrHours, 0))

	// Ignition off: distance still accrues, hours do not.
	f.clk.Add(60 * time.Second)
	third := f.report(0.018, 0, 40)
	third.Set(model.AttrIgnition, false)
	f.feed("907126119", third)
	assert.InDelta(t, 2*want, device.TotalDistance, 0.02)
	assert.Equal(t, 60.0, device.Hours)
}

func TestTripGapSkipsDistance(t *testing.T) {
	f := newFixture(t, Config{TripGap: 30 * time.Minute})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	f.feed("907126119", f.report(0, 0, 0))

	// A report after a long silence starts a new trip: the jump is not
	// credited to the odometer.
	f.clk.Add(31 * time.Minute)
	jump := f.report(1, 1, 0)
	f.feed("907126119", jump)

	assert.Equal(t, 0.0, device.TotalDistance)
	assert.Equal(t, 0.0, jump.Attributes.Float(model.AttrDistance, -1))
}

func TestOutdatedFixArchivedOnly(t *testing.T) {
	f := newFixture(t, Config{SkewBound: 5 * time.Minute})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	f.feed("907126119", f.report(10, 20, 0))
	broadcasts := len(f.hub.positions)
	distance := device.TotalDistance

	// A fix 10 minutes behind the newest accepted fix is history backfill.
	f.clk.Add(time.Second)
	stale := f.report(11, 21, 90)
	backdated := f.clk.Now().UTC().Add(-10 * time.Minute)
	stale.FixTime = &backdated
	f.feed("907126119", stale)

	history, err := f.store.Positions().History(context.Background(),
		device.ID, time.Time{}, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, stale.Attributes.Bool(model.AttrOutdated, false))

	// No broadcast, no accumulator movement, no overspeed latch.
	assert.Len(t, f.hub.positions, broadcasts)
	assert.Equal(t, distance, device.TotalDistance)
	assert.False(t, device.OverspeedState)

	// A fix exactly at the skew bound is still accepted.
	f.clk.Add(time.Second)
	edge := f.report(10.001, 20, 0)
	lastFix := f.p.workerFor("907126119").states["907126119"].lastFix
	edgeFix := lastFix.Add(-5 * time.Minute)
	edge.FixTime = &edgeFix
	f.feed("907126119", edge)
	assert.Len(t, f.hub.positions, broadcasts+1)
}

func TestGeofenceEnterExit(t *testing.T) {
	f := newFixture(t, Config{}, circleGeofence(1, 0, 0, 1000, nil))
	f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	// Outside, inside, still inside, outside.
	f.feed("907126119", f.report(0.05, 0, 20))
	assert.Equal(t, 0, f.countEvents(t, model.EventGeofenceEnter))

	f.clk.Add(10 * time.Second)
	inside := f.report(0, 0, 20)
	f.feed("907126119", inside)
	assert.Equal(t, 1, f.countEvents(t, model.EventGeofenceEnter))
	assert.Equal(t, []int64{1}, inside.Attributes.IntSlice(model.AttrGeofences))

	f.clk.Add(10 * time.Second)
	f.feed("907126119", f.report(0.001, 0, 20))
	assert.Equal(t, 1, f.countEvents(t, model.EventGeofenceEnter))
	assert.Equal(t, 0, f.countEvents(t, model.EventGeofenceExit))

	f.clk.Add(10 * time.Second)
	f.feed("907126119", f.report(0.05, 0, 20))
	assert.Equal(t, 1, f.countEvents(t, model.EventGeofenceExit))

	evts, err := f.store.Events().Query(context.Background(),
		storage.EventQuery{Types: []string{model.EventGeofenceEnter, model.EventGeofenceExit}})
	require.NoError(t, err)
	for _, ev := range evts {
		assert.Equal(t, int64(1), ev.GeofenceID)
		assert.NotZero(t, ev.PositionID)
	}
}

func TestOverspeedHysteresis(t *testing.T) {
	f := newFixture(t, Config{DefaultSpeedLimitKmh: 80, OverspeedThresholdKmh: 5})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	for i, speed := range []float64{70, 86, 90, 70} {
		if i > 0 {
			f.clk.Add(10 * time.Second)
		}
		f.feed("907126119", f.report(10, 20+float64(i)*0.001, speed))
	}

	// One event at 86; 90 is inside the latch; 70 clears it.
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceOverspeed))
	assert.False(t, device.OverspeedState)

	// Above the limit but inside the threshold band: no event.
	f.clk.Add(10 * time.Second)
	f.feed("907126119", f.report(10, 20.01, 83))
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceOverspeed))
}

func TestOverspeedGeofenceLimit(t *testing.T) {
	fence := circleGeofence(1, 0, 0, 2000, model.Attributes{model.AttrSpeedLimit: 50.0})
	f := newFixture(t, Config{DefaultSpeedLimitKmh: 80, OverspeedThresholdKmh: 5}, fence)
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	// 60 km/h inside a 50 km/h zone trips the zone limit, not the default.
	f.feed("907126119", f.report(0, 0, 60))
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceOverspeed))
	assert.Equal(t, int64(1), device.OverspeedGeofenceID)

	evts, err := f.store.Events().Query(context.Background(),
		storage.EventQuery{Types: []string{model.EventDeviceOverspeed}})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, int64(1), evts[0].GeofenceID)
	assert.Equal(t, 50.0, evts[0].Attributes.Float(model.AttrSpeedLimit, 0))
}

func TestIgnitionEvents(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	first := f.report(10, 20, 0)
	first.Set(model.AttrIgnition, false)
	f.feed("907126119", first)
	assert.Equal(t, 0, f.countEvents(t, model.EventIgnitionOn))

	f.clk.Add(10 * time.Second)
	on := f.report(10, 20.001, 0)
	on.Set(model.AttrIgnition, true)
	f.feed("907126119", on)
	assert.Equal(t, 1, f.countEvents(t, model.EventIgnitionOn))

	f.clk.Add(10 * time.Second)
	off := f.report(10, 20.002, 0)
	off.Set(model.AttrIgnition, false)
	f.feed("907126119", off)
	assert.Equal(t, 1, f.countEvents(t, model.EventIgnitionOff))
}

func TestAlarmEvent(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	pos := f.report(10, 20, 0)
	pos.Set(model.AttrAlarm, model.AlarmSOS)
	f.feed("907126119", pos)

	evts, err := f.store.Events().Query(context.Background(),
		storage.EventQuery{Types: []string{model.EventAlarm}})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, model.AlarmSOS, evts[0].Attributes.String(model.AttrAlarm, ""))
}

func TestFuelDropEvent(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddDevice(&model.Device{
		UniqueID:   "907126119",
		Attributes: model.Attributes{"fuelDropThreshold": 10.0},
	})

	first := f.report(10, 20, 0)
	first.Set(model.AttrFuelLevel, 50.0)
	f.feed("907126119", first)
	assert.Equal(t, 0, f.countEvents(t, model.EventDeviceFuelDrop))

	// -3: normal consumption.
	f.clk.Add(time.Minute)
	second := f.report(10, 20.001, 0)
	second.Set(model.AttrFuelLevel, 47.0)
	f.feed("907126119", second)
	assert.Equal(t, 0, f.countEvents(t, model.EventDeviceFuelDrop))

	// -15: past the threshold.
	f.clk.Add(time.Minute)
	third := f.report(10, 20.002, 0)
	third.Set(model.AttrFuelLevel, 32.0)
	f.feed("907126119", third)
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceFuelDrop))
}

func TestMotionStateMachine(t *testing.T) {
	f := newFixture(t, Config{MotionThresholdM: 50, MotionTimeout: 300 * time.Second})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})
	w := f.p.workerFor("907126119")

	f.feed("907126119", f.report(0, 0, 0))
	assert.Equal(t, model.MotionStill, device.MotionState)

	// ~110 m: past the threshold, still -> moving.
	f.clk.Add(10 * time.Second)
	f.feed("907126119", f.report(0.001, 0, 20))
	assert.Equal(t, model.MotionMoving, device.MotionState)
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceMoving))

	// More qualifying moves extend the streak without re-announcing.
	f.clk.Add(10 * time.Second)
	f.feed("907126119", f.report(0.002, 0, 20))
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceMoving))
	movedDistance := device.MotionDistance
	assert.Greater(t, movedDistance, 100.0)

	// No qualifying move within the timeout: the sweep expires to still.
	f.clk.Add(301 * time.Second)
	w.sweepMotion(context.Background())
	assert.Equal(t, model.MotionStill, device.MotionState)
	assert.Equal(t, 0, device.MotionStreak)
	assert.Equal(t, 0.0, device.MotionDistance)
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceStopped))

	evts, err := f.store.Events().Query(context.Background(),
		storage.EventQuery{Types: []string{model.EventDeviceStopped}})
	require.NoError(t, err)
	assert.Equal(t, movedDistance, evts[0].Attributes.Float(model.AttrDistance, 0))

	// Sweeping a still device is a no-op.
	w.sweepMotion(context.Background())
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceStopped))
}

func TestOfflineTransition(t *testing.T) {
	f := newFixture(t, Config{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})
	w := f.p.workerFor("907126119")

	f.feed("907126119", f.report(10, 20, 0))
	require.Equal(t, model.StatusOnline, device.Status)

	f.clk.Add(time.Minute)
	w.processOffline(context.Background(), device.ID)
	assert.Equal(t, model.StatusOffline, device.Status)
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceOffline))
	assert.Equal(t, []model.DeviceStatus{model.StatusOnline, model.StatusOffline}, f.hub.statuses)

	// Repeat notifications collapse.
	w.processOffline(context.Background(), device.ID)
	assert.Equal(t, 1, f.countEvents(t, model.EventDeviceOffline))
}

func TestDisabledDeviceFiltered(t *testing.T) {
	f := newFixture(t, Config{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119", Disabled: true})

	f.feed("907126119", f.report(10, 20, 0))

	history, err := f.store.Positions().History(context.Background(),
		device.ID, time.Time{}, f.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.hub.positions)
}

func TestInvalidCoordinatesFiltered(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	f.feed("907126119", f.report(95, 20, 0))
	assert.Empty(t, f.hub.positions)
}

func TestIngestLoginKnown(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddDevice(&model.Device{UniqueID: "123456789012345"})

	src := protocols.Source{Protocol: "gt06", Port: 42010, Transport: "tcp"}
	assert.True(t, f.p.IngestLogin(context.Background(), src, nil, "123456789012345"))
	assert.False(t, f.p.IngestLogin(context.Background(), src, nil, "000000000000000"))
	// Second lookup hits the ingest-edge cache.
	assert.True(t, f.p.IngestLogin(context.Background(), src, nil, "123456789012345"))
}

func TestLoginNegativeCache(t *testing.T) {
	f := newFixture(t, Config{})
	src := protocols.Source{Protocol: "gt06", Port: 42010, Transport: "tcp"}

	assert.False(t, f.p.IngestLogin(context.Background(), src, nil, "555000111222333"))

	// A device provisioned right after a failed lookup stays shadowed by the
	// negative entry until it expires.
	f.store.AddDevice(&model.Device{UniqueID: "555000111222333"})
	assert.False(t, f.p.IngestLogin(context.Background(), src, nil, "555000111222333"))

	f.clk.Add(6 * time.Minute)
	assert.True(t, f.p.IngestLogin(context.Background(), src, nil, "555000111222333"))
}

func TestSessionBinding(t *testing.T) {
	f := newFixture(t, Config{})
	device := f.store.AddDevice(&model.Device{UniqueID: "907126119"})

	sess := session.New("gt06", "tcp", "10.0.0.1:42010", "10.0.0.1:42010", nil, nil)
	w := f.p.workerFor("907126119")
	w.processPosition(context.Background(), job{
		kind:     jobPosition,
		src:      protocols.Source{Protocol: "gt06", Port: 42010, Transport: "tcp"},
		sess:     sess,
		uniqueID: "907126119",
		position: f.report(10, 20, 0),
	})

	assert.Equal(t, device.ID, sess.DeviceID())
	assert.Same(t, sess, f.p.registry.LookupByDevice(device.ID))
}
