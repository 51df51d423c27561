// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package memory is an in-memory storage.Store used by tests and by the
// single-node dev mode. It mirrors the postgres semantics, including the
// queue ordering of PopReady.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/storage"
)

// Store implements storage.Store entirely in memory.
type Store struct {
	mu sync.RWMutex

	nextID    int64
	positions []*model.Position
	events    []*model.Event
	devices   map[int64]*model.Device
	unknown   map[string]*model.UnknownDevice
	commands  map[int64]*model.Command
	scheduled map[int64]*model.ScheduledCommand
	templates map[int64]*model.CommandTemplate
	geofences map[int64]*model.Geofence
	users     map[int64]*model.User
	grants    map[int64]map[int64]bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		devices:   map[int64]*model.Device{},
		unknown:   map[string]*model.UnknownDevice{},
		commands:  map[int64]*model.Command{},
		scheduled: map[int64]*model.ScheduledCommand{},
		templates: map[int64]*model.CommandTemplate{},
		geofences: map[int64]*model.Geofence{},
		users:     map[int64]*model.User{},
		grants:    map[int64]map[int64]bool{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Positions implements storage.Store.
func (s *Store) Positions() storage.PositionStore { return (*positionStore)(s) }

// Events implements storage.Store.
func (s *Store) Events() storage.EventStore { return (*eventStore)(s) }

// Devices implements storage.Store.
func (s *Store) Devices() storage.DeviceStore { return (*deviceStore)(s) }

// Commands implements storage.Store.
func (s *Store) Commands() storage.CommandStore { return (*commandStore)(s) }

// Geofences implements storage.Store.
func (s *Store) Geofences() storage.GeofenceStore { return (*geofenceStore)(s) }

// Users implements storage.Store.
func (s *Store) Users() storage.UserStore { return (*userStore)(s) }

// AddDevice seeds a device, assigning an id when missing.
func (s *Store) AddDevice(device *model.Device) *model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device.ID == 0 {
		device.ID = s.id()
	}
	if device.Status == "" {
		device.Status = model.StatusUnknown
	}
	s.devices[device.ID] = device
	return device
}

// AddGeofence seeds a geofence, assigning an id when missing.
func (s *Store) AddGeofence(geofence *model.Geofence) *model.Geofence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if geofence.ID == 0 {
		geofence.ID = s.id()
	}
	s.geofences[geofence.ID] = geofence
	return geofence
}

// AddUser seeds a user, assigning an id when missing.
func (s *Store) AddUser(user *model.User) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		user.ID = s.id()
	}
	s.users[user.ID] = user
	return user
}

// GrantDeviceAccess seeds a user-device grant.
func (s *Store) GrantDeviceAccess(userID, deviceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[userID] == nil {
		s.grants[userID] = map[int64]bool{}
	}
	s.grants[userID][deviceID] = true
}

// UnknownByUniqueID returns the unknown-device row, for tests.
func (s *Store) UnknownByUniqueID(uniqueID string) *model.UnknownDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unknown[uniqueID]
}

type positionStore Store

func (ps *positionStore) Insert(_ context.Context, position *model.Position) error {
	s := (*Store)(ps)
	s.mu.Lock()
	defer s.mu.Unlock()
	if position.ID == 0 {
		position.ID = s.id()
	}
	s.positions = append(s.positions, position)
	return nil
}

func (ps *positionStore) Latest(_ context.Context, deviceID int64) (*model.Position, error) {
	s := (*Store)(ps)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.positions) - 1; i >= 0; i-- {
		if s.positions[i].DeviceID == deviceID {
			return s.positions[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

func (ps *positionStore) LatestPerDevice(_ context.Context, deviceIDs []int64) ([]*model.Position, error) {
	s := (*Store)(ps)
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := map[int64]bool{}
	for _, id := range deviceIDs {
		wanted[id] = true
	}
	latest := map[int64]*model.Position{}
	for _, p := range s.positions {
		if p.DeviceID == 0 {
			continue
		}
		if len(wanted) > 0 && !wanted[p.DeviceID] {
			continue
		}
		cur, ok := latest[p.DeviceID]
		if !ok || p.ServerTime.After(cur.ServerTime) {
			latest[p.DeviceID] = p
		}
	}
	out := make([]*model.Position, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (ps *positionStore) History(_ context.Context, deviceID int64, from, to time.Time) ([]*model.Position, error) {
	s := (*Store)(ps)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Position
	for _, p := range s.positions {
		if p.DeviceID != deviceID {
			continue
		}
		if p.ServerTime.Before(from) || p.ServerTime.After(to) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

type eventStore Store

func (es *eventStore) Insert(_ context.Context, event *model.Event) error {
	s := (*Store)(es)
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == 0 {
		event.ID = s.id()
	}
	s.events = append(s.events, event)
	return nil
}

func (es *eventStore) Query(_ context.Context, q storage.EventQuery) ([]*model.Event, error) {
	s := (*Store)(es)
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := map[string]bool{}
	for _, t := range q.Types {
		types[t] = true
	}
	var out []*model.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if q.DeviceID != 0 && e.DeviceID != q.DeviceID {
			continue
		}
		if len(types) > 0 && !types[e.Type] {
			continue
		}
		if !q.From.IsZero() && e.EventTime.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.EventTime.After(q.To) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

type deviceStore Store

func (ds *deviceStore) ByID(_ context.Context, id int64) (*model.Device, error) {
	s := (*Store)(ds)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.devices[id]; ok {
		return d, nil
	}
	return nil, storage.ErrNotFound
}

func (ds *deviceStore) ByUniqueID(_ context.Context, uniqueID string) (*model.Device, error) {
	s := (*Store)(ds)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.UniqueID == uniqueID {
			return d, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (ds *deviceStore) UpdateAccumulators(_ context.Context, device *model.Device) error {
	s := (*Store)(ds)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device
	return nil
}

func (ds *deviceStore) UpdateStatus(_ context.Context, id int64, status model.DeviceStatus, lastUpdate time.Time) error {
	s := (*Store)(ds)
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		d.Status = status
		d.LastUpdate = &lastUpdate
	}
	return nil
}

func (ds *deviceStore) UpsertUnknown(_ context.Context, unknown *model.UnknownDevice) error {
	s := (*Store)(ds)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.unknown[unknown.UniqueID]; ok {
		existing.LastSeen = unknown.LastSeen
		existing.Protocol = unknown.Protocol
		existing.Port = unknown.Port
		existing.Transport = unknown.Transport
		unknown.ID = existing.ID
		unknown.FirstSeen = existing.FirstSeen
		return nil
	}
	if unknown.ID == 0 {
		unknown.ID = s.id()
	}
	s.unknown[unknown.UniqueID] = unknown
	return nil
}

func (ds *deviceStore) MarkRegistered(_ context.Context, uniqueID string, deviceID int64) error {
	s := (*Store)(ds)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.unknown[uniqueID]; ok {
		u.IsRegistered = true
		u.RegisteredDeviceID = deviceID
	}
	return nil
}

type commandStore Store

func (cs *commandStore) Upsert(_ context.Context, command *model.Command) error {
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()
	if command.ID == 0 {
		command.ID = s.id()
	}
	s.commands[command.ID] = command
	return nil
}

func (cs *commandStore) ByID(_ context.Context, id int64) (*model.Command, error) {
	s := (*Store)(cs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.commands[id]; ok {
		return c, nil
	}
	return nil, storage.ErrNotFound
}

func (cs *commandStore) ListByDevice(_ context.Context, deviceID int64) ([]*model.Command, error) {
	s := (*Store)(cs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Command
	for _, c := range s.commands {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (cs *commandStore) PopReady(_ context.Context, limit int) ([]*model.Command, error) {
	s := (*Store)(cs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Command
	for _, c := range s.commands {
		if c.Status == model.CommandQueued {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		ti, tj := out[i].QueuedAt, out[j].QueuedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.Before(*tj)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (cs *commandStore) DueScheduled(_ context.Context, now time.Time) ([]*model.ScheduledCommand, error) {
	s := (*Store)(cs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ScheduledCommand
	for _, sc := range s.scheduled {
		if !sc.Done && !sc.ScheduledAt.After(now) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (cs *commandStore) UpdateScheduled(_ context.Context, scheduled *model.ScheduledCommand) error {
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()
	if scheduled.ID == 0 {
		scheduled.ID = s.id()
	}
	s.scheduled[scheduled.ID] = scheduled
	return nil
}

func (cs *commandStore) TemplateByID(_ context.Context, id int64) (*model.CommandTemplate, error) {
	s := (*Store)(cs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.templates[id]; ok {
		return t, nil
	}
	return nil, storage.ErrNotFound
}

func (cs *commandStore) SaveTemplate(_ context.Context, template *model.CommandTemplate) error {
	s := (*Store)(cs)
	s.mu.Lock()
	defer s.mu.Unlock()
	if template.ID == 0 {
		template.ID = s.id()
	}
	s.templates[template.ID] = template
	return nil
}

type userStore Store

func (us *userStore) UsersWithDeviceAccess(_ context.Context, deviceID int64) ([]int64, error) {
	s := (*Store)(us)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, u := range s.users {
		if u.Disabled {
			continue
		}
		if u.Administrator || s.grants[u.ID][deviceID] {
			out = append(out, u.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type geofenceStore Store

func (gs *geofenceStore) ListActive(_ context.Context) ([]*model.Geofence, error) {
	s := (*Store)(gs)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Geofence
	for _, g := range s.geofences {
		if !g.Disabled {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
