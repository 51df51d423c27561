// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package livehub fans positions, events, and device status out to connected
// operators over WebSocket. Delivery is best-effort: each subscriber owns a
// bounded queue, full queues drop their oldest message, and a dropped message
// is signaled with a stale control frame. The hub never blocks a publisher.
package livehub

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Subscription channels a client can ask for.
const (
	ChannelPositions     = "positions"
	ChannelEvents        = "events"
	ChannelDevices       = "devices"
	ChannelNotifications = "notifications"
)

// Frame is the JSON envelope for both directions.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// clientFrame is what we accept from the browser.
type clientFrame struct {
	Type string `json:"type"`
	Data struct {
		Type string `json:"type"`
	} `json:"data"`
}

type deviceStatusData struct {
	DeviceID int64     `json:"deviceId"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// Options tunes the hub.
type Options struct {
	HeartbeatInterval time.Duration
	QueueSize         int
}

// Hub tracks connected subscribers and multiplexes published messages onto
// their queues.
type Hub struct {
	clk  clock.Clock
	opts Options

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	upgrader websocket.Upgrader
}

// New builds a hub.
func New(clk clock.Clock, opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Hub{
		clk:  clk,
		opts: opts,
		subs: map[*subscriber]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// subscriber is one connected operator socket.
type subscriber struct {
	hub    *Hub
	userID int64
	conn   *websocket.Conn
	queue  chan Frame
	stale  atomic.Bool
	once   sync.Once
	done   chan struct{}

	subMu    sync.RWMutex
	channels map[string]bool
}

// Handler returns the /ws/{user_id} endpoint.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
		if err != nil {
			http.Error(w, "bad user id", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		h.attach(userID, conn)
	})
}

func (h *Hub) attach(userID int64, conn *websocket.Conn) {
	s := &subscriber{
		hub:      h,
		userID:   userID,
		conn:     conn,
		queue:    make(chan Frame, h.opts.QueueSize),
		done:     make(chan struct{}),
		channels: map[string]bool{},
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()
	telemetry.LiveSubscribers.Set(float64(total))
	log.Infof("WebSocket subscriber attached for user %d (%d connected)", userID, total)

	s.enqueue(Frame{Type: "info", Data: map[string]interface{}{
		"heartbeatInterval": h.opts.HeartbeatInterval.Seconds(),
	}})
	go s.writeLoop()
	go s.readLoop()
}

func (h *Hub) detach(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	total := len(h.subs)
	h.mu.Unlock()
	telemetry.LiveSubscribers.Set(float64(total))
	log.Debugf("WebSocket subscriber for user %d detached (%d connected)", s.userID, total)
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops every subscriber; used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.close("shutdown")
	}
}

// publish drops the frame into the queue of every subscriber of the channel.
func (h *Hub) publish(channel string, frame Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.subscribed(channel) {
			s.enqueue(frame)
		}
	}
}

// BroadcastPosition implements events.Publisher.
func (h *Hub) BroadcastPosition(position *model.Position) {
	h.publish(ChannelPositions, Frame{Type: "position", Data: position})
}

// BroadcastEvent implements events.Publisher.
func (h *Hub) BroadcastEvent(event *model.Event) {
	h.publish(ChannelEvents, Frame{Type: "event", Data: event})
}

// BroadcastDeviceStatus implements events.Publisher.
func (h *Hub) BroadcastDeviceStatus(deviceID int64, status model.DeviceStatus, at time.Time) {
	h.publish(ChannelDevices, Frame{Type: "device_status", Data: deviceStatusData{
		DeviceID: deviceID,
		Status:   string(status),
		At:       at.UTC(),
	}})
}

// Notify implements events.Publisher: targeted delivery to the notification
// channel of specific users.
func (h *Hub) Notify(userIDs []int64, event *model.Event) {
	targets := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		targets[id] = true
	}
	frame := Frame{Type: "notification", Data: event}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if targets[s.userID] && s.subscribed(ChannelNotifications) {
			s.enqueue(frame)
		}
	}
}

func (s *subscriber) subscribed(channel string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.channels[channel]
}

func (s *subscriber) subscribe(channel string) error {
	switch channel {
	case ChannelPositions, ChannelEvents, ChannelDevices, ChannelNotifications:
	default:
		return fmt.Errorf("unknown subscription %q", channel)
	}
	s.subMu.Lock()
	s.channels[channel] = true
	s.subMu.Unlock()
	return nil
}

// enqueue never blocks: when the queue is full the oldest message is dropped
// and the subscriber is flagged for a stale control frame.
func (s *subscriber) enqueue(frame Frame) {
	for {
		select {
		case s.queue <- frame:
			return
		default:
		}
		select {
		case <-s.queue:
			telemetry.LiveMessagesDropped.Inc()
			s.stale.Store(true)
		default:
		}
	}
}

func (s *subscriber) writeLoop() {
	ticker := s.hub.clk.Ticker(s.hub.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(Frame{Type: "heartbeat", Data: map[string]interface{}{"time": s.hub.clk.Now().UTC()}}); err != nil {
				s.close("heartbeat write failed")
				return
			}
		case frame := <-s.queue:
			if s.stale.Swap(false) {
				if err := s.write(Frame{Type: "stale"}); err != nil {
					s.close("write failed")
					return
				}
			}
			if err := s.write(frame); err != nil {
				s.close("write failed")
				return
			}
		}
	}
}

func (s *subscriber) write(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *subscriber) readLoop() {
	// Two missed heartbeats end the subscriber.
	deadline := 2 * s.hub.opts.HeartbeatInterval
	for {
		s.conn.SetReadDeadline(time.Now().Add(deadline)) //nolint:errcheck
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.close("read failed or heartbeat missed")
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Debugf("Ignoring malformed client frame from user %d: %v", s.userID, err)
			continue
		}
		switch frame.Type {
		case "heartbeat":
			// The read deadline reset above is the whole point.
		case "subscribe":
			if err := s.subscribe(frame.Data.Type); err != nil {
				s.enqueue(Frame{Type: "info", Data: map[string]interface{}{"error": err.Error()}})
			}
		default:
			log.Debugf("Ignoring client frame type %q from user %d", frame.Type, s.userID)
		}
	}
}

func (s *subscriber) close(reason string) {
	s.once.Do(func() {
		log.Debugf("Closing WebSocket subscriber for user %d: %s", s.userID, reason)
		close(s.done)
		s.conn.Close() //nolint:errcheck
		s.hub.detach(s)
	})
}
