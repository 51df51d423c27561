// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package suntech decodes the Suntech ST family ASCII protocol: semicolon
// separated records terminated by CR or LF, e.g.
//
//	ST300STT;907126119;04;1097B;20250908;12:44:33;33e530;-03.843813;-038.615475;000.013;000.00;11;1;...
//
// The device identifier is always the second field.
package suntech

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

const protocolName = "suntech"

// Protocol implements protocols.Protocol.
type Protocol struct{}

// New returns the suntech protocol.
func New() *Protocol {
	return &Protocol{}
}

// Name implements protocols.Protocol.
func (p *Protocol) Name() string { return protocolName }

// NewFramer implements protocols.Protocol.
func (p *Protocol) NewFramer() protocols.Framer { return &framer{} }

// framer yields one CR/LF-terminated line per frame, terminator stripped.
type framer struct{}

func (f *framer) Frame(buffer []byte) ([]byte, int, error) {
	// Skip terminator runs left over from the previous frame.
	start := 0
	for start < len(buffer) && (buffer[start] == '\r' || buffer[start] == '\n') {
		start++
	}
	if start == len(buffer) {
		return nil, 0, protocols.ErrNeedMore
	}
	end := bytes.IndexAny(buffer[start:], "\r\n")
	if end < 0 {
		return nil, 0, protocols.ErrNeedMore
	}
	frame := buffer[start : start+end]
	consumed := start + end + 1
	return frame, consumed, nil
}

// Decode implements protocols.Protocol.
func (p *Protocol) Decode(frame []byte, s *session.Session) ([]protocols.Decoded, error) {
	line := strings.TrimSpace(string(frame))
	fields := strings.Split(line, ";")
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "ST") {
		return nil, fmt.Errorf("not a suntech record")
	}
	header := fields[0]
	if len(header) < 5 {
		return nil, fmt.Errorf("truncated header %q", header)
	}
	kind := header[5:]
	uniqueID := fields[1]

	switch kind {
	case "ALV":
		return []protocols.Decoded{{Kind: protocols.KindHeartbeat, UniqueID: uniqueID}}, nil
	case "CMD":
		// Instruction echo: the device confirms receipt before executing.
		ack := &protocols.CommandAck{Success: true, Message: line}
		return []protocols.Decoded{{Kind: protocols.KindCommandAck, UniqueID: uniqueID, Ack: ack}}, nil
	case "RES":
		ack := &protocols.CommandAck{Success: true, Result: true, Message: line}
		return []protocols.Decoded{{Kind: protocols.KindCommandAck, UniqueID: uniqueID, Ack: ack}}, nil
	case "STT", "EMG", "EVT", "ALT":
		position, err := p.decodePosition(kind, fields)
		if err != nil {
			return nil, err
		}
		return []protocols.Decoded{{Kind: protocols.KindPosition, UniqueID: uniqueID, Position: position}}, nil
	default:
		// unsupported-kind: skipped, never a listener failure.
		return nil, nil
	}
}

// Field layout shared by the ST report records (STT/EMG/EVT/ALT).
const (
	fieldDate       = 4
	fieldTime       = 5
	fieldCell       = 6
	fieldLatitude   = 7
	fieldLongitude  = 8
	fieldSpeed      = 9
	fieldCourse     = 10
	fieldSatellites = 11
	fieldFix        = 12
	fieldOdometer   = 13
	fieldPower      = 14
	fieldIO         = 15
	fieldMode       = 16
)

func (p *Protocol) decodePosition(kind string, fields []string) (*model.Position, error) {
	if len(fields) <= fieldIO {
		return nil, fmt.Errorf("short %s record: %d fields", kind, len(fields))
	}

	fixTime, err := time.Parse("20060102 15:04:05", fields[fieldDate]+" "+fields[fieldTime])
	if err != nil {
		return nil, fmt.Errorf("bad timestamp: %w", err)
	}
	fixTime = fixTime.UTC()

	latitude, err := strconv.ParseFloat(fields[fieldLatitude], 64)
	if err != nil {
		return nil, fmt.Errorf("bad latitude %q", fields[fieldLatitude])
	}
	longitude, err := strconv.ParseFloat(fields[fieldLongitude], 64)
	if err != nil {
		return nil, fmt.Errorf("bad longitude %q", fields[fieldLongitude])
	}
	speed, _ := strconv.ParseFloat(fields[fieldSpeed], 64)
	course, _ := strconv.ParseFloat(fields[fieldCourse], 64)

	position := &model.Position{
		Protocol:  protocolName,
		Valid:     fields[fieldFix] == "1",
		Latitude:  latitude,
		Longitude: longitude,
		Speed:     speed,
		Course:    course,
		FixTime:   &fixTime,
	}
	position.DeviceTime = &fixTime

	if satellites, err := strconv.Atoi(fields[fieldSatellites]); err == nil {
		position.Set(model.AttrSatellites, satellites)
	}
	position.Set(model.AttrCid, fields[fieldCell])
	if odometer, err := strconv.ParseInt(fields[fieldOdometer], 10, 64); err == nil {
		position.Set(model.AttrOdometer, odometer)
	}
	if power, err := strconv.ParseFloat(fields[fieldPower], 64); err == nil {
		position.Set(model.AttrPower, power)
	}

	decodeIO(position, fields[fieldIO])
	if len(fields) > fieldMode {
		position.Set("mode", fields[fieldMode])
	}

	switch kind {
	case "EMG":
		position.Set(model.AttrAlarm, model.AlarmSOS)
	case "ALT":
		position.Set(model.AttrAlarm, alarmFromID(fields[2]))
	}
	return position, nil
}

// decodeIO expands the bit string reported in the IO field. Digit positions
// are, in order: ignition, then two inputs, then up to three outputs.
func decodeIO(position *model.Position, io string) {
	if len(io) == 0 {
		return
	}
	position.Set(model.AttrIgnition, io[0] == '1')
	names := []string{"in1", "in2", "out1", "out2", "out3"}
	for i, name := range names {
		if i+1 < len(io) {
			position.Set(name, io[i+1] == '1')
		}
	}
}

func alarmFromID(id string) string {
	switch id {
	case "1", "2":
		return model.AlarmOverspeed
	case "3":
		return model.AlarmPowerCut
	case "4":
		return model.AlarmShock
	case "5":
		return model.AlarmGeofenceIn
	case "6":
		return model.AlarmGeofenceOut
	case "42":
		return model.AlarmSOS
	default:
		return model.AlarmGeneral
	}
}

// EncodeCommand implements protocols.Protocol. Suntech commands are ASCII
// records in the same semicolon format, terminated with CR.
func (p *Protocol) EncodeCommand(command *model.Command, device *model.Device) ([]byte, error) {
	var body string
	switch command.Type {
	case model.CommandReboot:
		body = fmt.Sprintf("ST300CMD;%s;02;Reboot", device.UniqueID)
	case model.CommandSetInterval:
		interval := command.Parameters.Int("interval", 60)
		body = fmt.Sprintf("ST300RPT;%s;02;%d;%d;60;1;0", device.UniqueID, interval, interval)
	case model.CommandSetOutput:
		verb := "Disable1"
		if command.Parameters.Bool("enable", false) {
			verb = "Enable1"
		}
		body = fmt.Sprintf("ST300CMD;%s;02;%s", device.UniqueID, verb)
	case model.CommandPositionSingle:
		body = fmt.Sprintf("ST300CMD;%s;02;StatusReq", device.UniqueID)
	case model.CommandCustom:
		body = command.Parameters.String("data", "")
		if body == "" {
			return nil, protocols.ErrCommandUnsupported
		}
	default:
		return nil, protocols.ErrCommandUnsupported
	}
	return []byte(body + "\r"), nil
}
