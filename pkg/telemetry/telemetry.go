// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package telemetry holds the process-wide metrics registry. Counters are
// registered once at init and bumped from hot paths without further setup.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesDecoded counts frames successfully framed+decoded, per protocol.
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracknet",
		Name:      "frames_decoded_total",
		Help:      "Frames successfully decoded.",
	}, []string{"protocol"})

	// FramesDropped counts frames discarded before decoding, per protocol and reason.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracknet",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped (bad-frame, unsupported-kind, identify-failed).",
	}, []string{"protocol", "reason"})

	// PositionsProcessed counts positions accepted by the pipeline.
	PositionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracknet",
		Name:      "positions_processed_total",
		Help:      "Positions run through the full pipeline.",
	})

	// PositionsFiltered counts positions rejected by sanity filtering.
	PositionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracknet",
		Name:      "positions_filtered_total",
		Help:      "Positions rejected before enrichment.",
	}, []string{"reason"})

	// EventsEmitted counts synthesized events by type.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracknet",
		Name:      "events_emitted_total",
		Help:      "Events synthesized by the position pipeline.",
	}, []string{"type"})

	// CommandsSent counts outbound command deliveries by result.
	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracknet",
		Name:      "commands_sent_total",
		Help:      "Command delivery attempts.",
	}, []string{"result"})

	// LiveSubscribers tracks currently connected websocket subscribers.
	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracknet",
		Name:      "live_subscribers",
		Help:      "Connected websocket subscribers.",
	})

	// LiveMessagesDropped counts fan-out messages dropped on full queues.
	LiveMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracknet",
		Name:      "live_messages_dropped_total",
		Help:      "Messages dropped because a subscriber queue was full.",
	})

	// ActiveSessions tracks currently bound device sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tracknet",
		Name:      "active_sessions",
		Help:      "Device sessions currently bound in the registry.",
	})
)

// Handler returns the HTTP handler exposing the metrics registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
