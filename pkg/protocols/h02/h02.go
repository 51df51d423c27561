// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package h02 decodes the H02 ASCII protocol: star-delimited records such as
//
//	*HQ,4209951296,V1,204654,A,2234.6025,N,11354.1217,E,000.00,000,100517,FFFFFBFF#
//
// Speed comes in knots, status bits are active-low.
package h02

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
)

const protocolName = "h02"

// Protocol implements protocols.Protocol.
type Protocol struct{}

// New returns the h02 protocol.
func New() *Protocol {
	return &Protocol{}
}

// Name implements protocols.Protocol.
func (p *Protocol) Name() string { return protocolName }

// NewFramer implements protocols.Protocol.
func (p *Protocol) NewFramer() protocols.Framer { return &framer{} }

// framer yields one *...# record per frame, delimiters included.
type framer struct{}

func (f *framer) Frame(buffer []byte) ([]byte, int, error) {
	start := bytes.IndexByte(buffer, '*')
	if start < 0 {
		// Nothing frameable; drop the noise.
		if len(buffer) > 0 {
			return nil, len(buffer), protocols.ErrBadFrame
		}
		return nil, 0, protocols.ErrNeedMore
	}
	end := bytes.IndexByte(buffer[start:], '#')
	if end < 0 {
		if start > 0 {
			return nil, start, protocols.ErrBadFrame
		}
		return nil, 0, protocols.ErrNeedMore
	}
	frame := buffer[start : start+end+1]
	return frame, start + end + 1, nil
}

// Decode implements protocols.Protocol.
func (p *Protocol) Decode(frame []byte, s *session.Session) ([]protocols.Decoded, error) {
	line := strings.TrimSuffix(strings.TrimPrefix(string(frame), "*"), "#")
	fields := strings.Split(line, ",")
	if len(fields) < 3 || fields[0] != "HQ" {
		return nil, fmt.Errorf("not an h02 record")
	}
	uniqueID := fields[1]

	switch fields[2] {
	case "V1":
		position, err := decodeV1(fields)
		if err != nil {
			return nil, err
		}
		return []protocols.Decoded{{
			Kind:     protocols.KindPosition,
			UniqueID: uniqueID,
			Position: position,
		}}, nil
	case "V0", "XT", "HTBT":
		return []protocols.Decoded{{Kind: protocols.KindHeartbeat, UniqueID: uniqueID}}, nil
	default:
		// unsupported-kind: skipped.
		return nil, nil
	}
}

// V1 field layout after the HQ,id,V1 prefix.
const (
	fieldTime      = 3
	fieldFix       = 4
	fieldLatitude  = 5
	fieldHemi      = 6
	fieldLongitude = 7
	fieldMeridian  = 8
	fieldSpeed     = 9
	fieldCourse    = 10
	fieldDate      = 11
	fieldStatus    = 12
)

func decodeV1(fields []string) (*model.Position, error) {
	if len(fields) <= fieldStatus {
		return nil, fmt.Errorf("short V1 record: %d fields", len(fields))
	}

	fixTime, err := time.Parse("020106 150405", fields[fieldDate]+" "+fields[fieldTime])
	if err != nil {
		return nil, fmt.Errorf("bad timestamp: %w", err)
	}
	fixTime = fixTime.UTC()

	latitude, err := coordinate(fields[fieldLatitude], 2)
	if err != nil {
		return nil, fmt.Errorf("bad latitude %q", fields[fieldLatitude])
	}
	if fields[fieldHemi] == "S" {
		latitude = -latitude
	}
	longitude, err := coordinate(fields[fieldLongitude], 3)
	if err != nil {
		return nil, fmt.Errorf("bad longitude %q", fields[fieldLongitude])
	}
	if fields[fieldMeridian] == "W" {
		longitude = -longitude
	}

	knots, _ := strconv.ParseFloat(fields[fieldSpeed], 64)
	course, _ := strconv.ParseFloat(fields[fieldCourse], 64)

	position := &model.Position{
		Protocol:  protocolName,
		Valid:     fields[fieldFix] == "A",
		Latitude:  latitude,
		Longitude: longitude,
		Speed:     knots * model.KnotsToKmh,
		Course:    course,
		FixTime:   &fixTime,
	}
	position.DeviceTime = &fixTime

	if status, err := strconv.ParseUint(fields[fieldStatus], 16, 32); err == nil {
		decodeStatus(position, uint32(status))
	}
	return position, nil
}

// coordinate converts a DDmm.mmmm (or DDDmm.mmmm) value to decimal degrees.
func coordinate(value string, degreeDigits int) (float64, error) {
	if len(value) <= degreeDigits {
		return 0, fmt.Errorf("too short")
	}
	degrees, err := strconv.ParseFloat(value[:degreeDigits], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(value[degreeDigits:], 64)
	if err != nil {
		return 0, err
	}
	return degrees + minutes/60, nil
}

// decodeStatus expands the 32-bit vehicle status word. Alarm bits are
// active-low: a cleared bit means the condition is raised.
func decodeStatus(position *model.Position, status uint32) {
	position.Set(model.AttrStatus, status)
	switch {
	case status&0x1 == 0:
		position.Set(model.AttrAlarm, model.AlarmVibration)
	case status&0x2 == 0:
		position.Set(model.AttrAlarm, model.AlarmSOS)
	case status&0x4 == 0:
		position.Set(model.AttrAlarm, model.AlarmOverspeed)
	}
	position.Set(model.AttrIgnition, status&0x400 == 0)
}

// EncodeCommand implements protocols.Protocol. Server-to-device traffic uses
// the same star-delimited form with the current time stamped in.
func (p *Protocol) EncodeCommand(command *model.Command, device *model.Device) ([]byte, error) {
	stamp := time.Now().UTC().Format("150405")
	var body string
	switch command.Type {
	case model.CommandEngineStop:
		body = fmt.Sprintf("*HQ,%s,S20,%s,1,1#", device.UniqueID, stamp)
	case model.CommandEngineResume:
		body = fmt.Sprintf("*HQ,%s,S20,%s,1,0#", device.UniqueID, stamp)
	case model.CommandPositionSingle:
		body = fmt.Sprintf("*HQ,%s,CQ,%s#", device.UniqueID, stamp)
	case model.CommandSetInterval:
		interval := command.Parameters.Int("interval", 60)
		body = fmt.Sprintf("*HQ,%s,S71,%s,22,%d#", device.UniqueID, stamp, interval)
	case model.CommandCustom:
		body = command.Parameters.String("data", "")
		if body == "" {
			return nil, protocols.ErrCommandUnsupported
		}
	default:
		return nil, protocols.ErrCommandUnsupported
	}
	return []byte(body), nil
}
