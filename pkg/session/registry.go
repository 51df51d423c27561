// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package session

import (
	"sync"

	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// Registry is the shared session table. Reads vastly outnumber writes, so
// lookups take the read lock only.
type Registry struct {
	mu       sync.RWMutex
	byDevice map[int64]*Session
	byKey    map[string]*Session

	offlineFn func(deviceID int64)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDevice: map[int64]*Session{},
		byKey:    map[string]*Session{},
	}
}

// OnOffline installs the callback fired when the last session for a device
// is released. The position pipeline uses it to emit deviceOffline.
func (r *Registry) OnOffline(fn func(deviceID int64)) {
	r.offlineFn = fn
}

func sessionKey(protocol, key string) string {
	return protocol + "/" + key
}

// Bind associates a session with a device after successful identification.
// Any prior session for the device is superseded and closed.
func (r *Registry) Bind(s *Session, deviceID int64) {
	r.mu.Lock()
	prior := r.byDevice[deviceID]
	if prior == s {
		r.mu.Unlock()
		return
	}
	if prior != nil {
		delete(r.byKey, sessionKey(prior.Protocol, prior.Key))
	}
	r.byDevice[deviceID] = s
	r.byKey[sessionKey(s.Protocol, s.Key)] = s
	total := len(r.byDevice)
	r.mu.Unlock()

	telemetry.ActiveSessions.Set(float64(total))
	if prior != nil {
		log.Debugf("Session for device %d superseded by %s", deviceID, s.RemoteAddr)
		prior.Close("superseded")
	}
}

// LookupByDevice returns the live session bound to the device, or nil.
func (r *Registry) LookupByDevice(deviceID int64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byDevice[deviceID]
}

// LookupByKey returns the session for a (protocol, transport key) pair.
// UDP listeners use it to reuse the per-source session across datagrams.
func (r *Registry) LookupByKey(protocol, key string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[sessionKey(protocol, key)]
}

// Release drops a session from the registry when its transport closes. If it
// was the last session for its device, the offline callback fires.
func (r *Registry) Release(s *Session) {
	deviceID := s.DeviceID()

	r.mu.Lock()
	delete(r.byKey, sessionKey(s.Protocol, s.Key))
	lastForDevice := false
	if deviceID != 0 && r.byDevice[deviceID] == s {
		delete(r.byDevice, deviceID)
		lastForDevice = true
	}
	total := len(r.byDevice)
	r.mu.Unlock()

	telemetry.ActiveSessions.Set(float64(total))
	if lastForDevice && r.offlineFn != nil {
		r.offlineFn(deviceID)
	}
}

// Count returns the number of device-bound sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice)
}
