// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package osmand ingests the OsmAnd HTTP protocol: phone clients POST or GET
// their position as query parameters, newer clients send a nested JSON body.
// Every request is its own short-lived session.
package osmand

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

const protocolName = "osmand"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Protocol implements protocols.HTTPProtocol.
type Protocol struct{}

// New returns the osmand protocol.
func New() *Protocol {
	return &Protocol{}
}

// Name implements protocols.Protocol.
func (p *Protocol) Name() string { return protocolName }

// NewFramer implements protocols.Protocol. The HTTP transport delivers whole
// requests, so there is nothing to frame.
func (p *Protocol) NewFramer() protocols.Framer { return noFramer{} }

type noFramer struct{}

func (noFramer) Frame(buffer []byte) ([]byte, int, error) {
	return nil, len(buffer), protocols.ErrBadFrame
}

// Decode implements protocols.Protocol. Unused: ingestion happens in the
// HTTP handler.
func (p *Protocol) Decode(frame []byte, s *session.Session) ([]protocols.Decoded, error) {
	return nil, nil
}

// EncodeCommand implements protocols.Protocol. The client only ever polls;
// there is no downstream channel.
func (p *Protocol) EncodeCommand(command *model.Command, device *model.Device) ([]byte, error) {
	return nil, protocols.ErrCommandUnsupported
}

// HTTPHandler implements protocols.HTTPProtocol.
func (p *Protocol) HTTPHandler(sink protocols.Sink, src protocols.Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uniqueID, position, err := parseRequest(r)
		if err != nil {
			telemetry.FramesDropped.WithLabelValues(protocolName, "bad-frame").Inc()
			log.Debugf("%s: rejected request from %s: %v", protocolName, r.RemoteAddr, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		telemetry.FramesDecoded.WithLabelValues(protocolName).Inc()

		sess := session.New(protocolName, "http", r.RemoteAddr, r.RemoteAddr, nil, nil)
		sess.SetIdentity(0, uniqueID)
		sink.IngestPosition(r.Context(), src, sess, uniqueID, position)
		w.WriteHeader(http.StatusOK)
	})
}

func parseRequest(r *http.Request) (string, *model.Position, error) {
	if r.Method == http.MethodPost && r.Header.Get("Content-Type") == "application/json" {
		return parseJSON(r)
	}
	if err := r.ParseForm(); err != nil {
		return "", nil, fmt.Errorf("unparseable form: %w", err)
	}
	return parseQuery(r)
}

// parseQuery handles the classic flat form: id, lat, lon, timestamp plus
// optional speed, bearing, altitude, accuracy, batt, valid, motion.
func parseQuery(r *http.Request) (string, *model.Position, error) {
	q := r.Form
	uniqueID := q.Get("id")
	if uniqueID == "" {
		uniqueID = q.Get("deviceid")
	}
	if uniqueID == "" {
		return "", nil, fmt.Errorf("missing device id")
	}

	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lon, lonErr := strconv.ParseFloat(q.Get("lon"), 64)
	if latErr != nil || lonErr != nil {
		return "", nil, fmt.Errorf("missing or bad coordinates")
	}

	position := &model.Position{
		Protocol:  protocolName,
		Valid:     true,
		Latitude:  lat,
		Longitude: lon,
	}
	if v := q.Get("valid"); v != "" {
		position.Valid = v == "true" || v == "1"
	}
	if ts := q.Get("timestamp"); ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			position.FixTime = &t
			position.DeviceTime = &t
		}
	}
	if v, err := strconv.ParseFloat(q.Get("speed"), 64); err == nil {
		position.Speed = v
	}
	for _, key := range []string{"bearing", "heading", "course"} {
		if v, err := strconv.ParseFloat(q.Get(key), 64); err == nil {
			position.Course = v
			break
		}
	}
	if v, err := strconv.ParseFloat(q.Get("altitude"), 64); err == nil {
		position.Altitude = v
	}
	if v, err := strconv.ParseFloat(q.Get("accuracy"), 64); err == nil {
		position.Accuracy = v
	}
	for _, key := range []string{"batt", "battery"} {
		if v, err := strconv.ParseFloat(q.Get(key), 64); err == nil {
			position.Set(model.AttrBatteryLvl, v)
			break
		}
	}
	if v := q.Get("motion"); v != "" {
		position.Set(model.AttrMotion, v == "true" || v == "1")
	}
	if v, err := strconv.ParseFloat(q.Get("hdop"), 64); err == nil {
		position.Set(model.AttrHdop, v)
	}
	return uniqueID, position, nil
}

// jsonPayload is the nested body sent by newer clients.
type jsonPayload struct {
	DeviceID string `json:"device_id"`
	Location struct {
		Timestamp string `json:"timestamp"`
		Coords    struct {
			Latitude  float64  `json:"latitude"`
			Longitude float64  `json:"longitude"`
			Speed     *float64 `json:"speed"`
			Heading   *float64 `json:"heading"`
			Altitude  *float64 `json:"altitude"`
			Accuracy  *float64 `json:"accuracy"`
		} `json:"coords"`
		IsMoving *bool `json:"is_moving"`
		Battery  *struct {
			Level float64 `json:"level"`
		} `json:"battery"`
	} `json:"location"`
}

func parseJSON(r *http.Request) (string, *model.Position, error) {
	var payload jsonPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return "", nil, fmt.Errorf("unparseable body: %w", err)
	}
	if payload.DeviceID == "" {
		return "", nil, fmt.Errorf("missing device id")
	}

	coords := payload.Location.Coords
	position := &model.Position{
		Protocol:  protocolName,
		Valid:     true,
		Latitude:  coords.Latitude,
		Longitude: coords.Longitude,
	}
	if !position.ValidCoordinates() || (coords.Latitude == 0 && coords.Longitude == 0) {
		return "", nil, fmt.Errorf("missing or bad coordinates")
	}
	if ts := payload.Location.Timestamp; ts != "" {
		if t, err := parseTimestamp(ts); err == nil {
			position.FixTime = &t
			position.DeviceTime = &t
		}
	}
	if coords.Speed != nil {
		position.Speed = *coords.Speed
	}
	if coords.Heading != nil {
		position.Course = *coords.Heading
	}
	if coords.Altitude != nil {
		position.Altitude = *coords.Altitude
	}
	if coords.Accuracy != nil {
		position.Accuracy = *coords.Accuracy
	}
	if payload.Location.IsMoving != nil {
		position.Set(model.AttrMotion, *payload.Location.IsMoving)
	}
	if payload.Location.Battery != nil {
		position.Set(model.AttrBatteryLvl, payload.Location.Battery.Level*100)
	}
	return payload.DeviceID, position, nil
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(value string) (time.Time, error) {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
