// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package session binds live transport connections to device identities so
// that decoding can attribute frames without a database lookup and the
// command engine can find an outbound channel.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Send on a closed session.
var ErrClosed = errors.New("session closed")

// Session is the ephemeral binding between one transport connection (or UDP
// source) and, after identification, a device. The owning listener supplies
// the write and close hooks.
type Session struct {
	Protocol   string
	Transport  string
	RemoteAddr string
	// Key distinguishes sessions within a protocol: the connection address
	// for TCP, the datagram source for UDP.
	Key string

	mu        sync.Mutex
	deviceID  int64
	uniqueID  string
	firstSeen time.Time
	lastSeen  time.Time
	closed    bool

	writeFn func([]byte) error
	closeFn func(reason string)
}

// New builds a session for a freshly accepted transport.
func New(protocol, transport, remoteAddr, key string, writeFn func([]byte) error, closeFn func(reason string)) *Session {
	now := time.Now()
	return &Session{
		Protocol:   protocol,
		Transport:  transport,
		RemoteAddr: remoteAddr,
		Key:        key,
		firstSeen:  now,
		lastSeen:   now,
		writeFn:    writeFn,
		closeFn:    closeFn,
	}
}

// SetIdentity records the wire identity once a login/first frame names it.
func (s *Session) SetIdentity(deviceID int64, uniqueID string) {
	s.mu.Lock()
	s.deviceID = deviceID
	s.uniqueID = uniqueID
	s.mu.Unlock()
}

// SetUniqueID records the wire identifier alone. Decoders call this from the
// login frame so later frames in the same read pass see the identity before
// the registry binds a device id.
func (s *Session) SetUniqueID(uniqueID string) {
	s.mu.Lock()
	s.uniqueID = uniqueID
	s.mu.Unlock()
}

// DeviceID returns the bound device id, zero when unidentified.
func (s *Session) DeviceID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// UniqueID returns the wire identifier announced on this session.
func (s *Session) UniqueID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uniqueID
}

// Touch refreshes the last-seen stamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the last activity time.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Send writes raw bytes to the device over this session's transport.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	writeFn := s.writeFn
	s.mu.Unlock()
	if closed || writeFn == nil {
		return ErrClosed
	}
	return writeFn(payload)
}

// Close tears the transport down. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closeFn := s.closeFn
	s.mu.Unlock()
	if closeFn != nil {
		closeFn(reason)
	}
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
