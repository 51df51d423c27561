// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package gt06 decodes the GT06/Concox binary protocol: length-prefixed
// frames with 0x7878 magic, a CRC-ITU trailer, and 0x0D0A terminator. The
// device announces its IMEI in a login frame that must be acknowledged
// before it will send positions.
package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
)

const protocolName = "gt06"

// Message type bytes.
const (
	msgLogin        = 0x01
	msgLocation     = 0x12
	msgStatus       = 0x13
	msgString       = 0x15
	msgAlarm        = 0x16
	msgCommand      = 0x80
	headerByte      = 0x78
	terminatorFirst = 0x0D
	terminatorLast  = 0x0A
)

// Protocol implements protocols.Protocol.
type Protocol struct{}

// New returns the gt06 protocol.
func New() *Protocol {
	return &Protocol{}
}

// Name implements protocols.Protocol.
func (p *Protocol) Name() string { return protocolName }

// NewFramer implements protocols.Protocol.
func (p *Protocol) NewFramer() protocols.Framer { return &framer{} }

type framer struct{}

func (f *framer) Frame(buffer []byte) ([]byte, int, error) {
	if len(buffer) < 2 {
		return nil, 0, protocols.ErrNeedMore
	}
	if buffer[0] != headerByte || buffer[1] != headerByte {
		// Resync on the next possible frame start.
		for i := 1; i < len(buffer)-1; i++ {
			if buffer[i] == headerByte && buffer[i+1] == headerByte {
				return nil, i, protocols.ErrBadFrame
			}
		}
		return nil, len(buffer), protocols.ErrBadFrame
	}
	if len(buffer) < 3 {
		return nil, 0, protocols.ErrNeedMore
	}
	// Packet length counts type..crc; the frame adds magic(2), the length
	// byte itself and the 0x0D0A terminator.
	total := int(buffer[2]) + 5
	if len(buffer) < total {
		return nil, 0, protocols.ErrNeedMore
	}
	if buffer[total-2] != terminatorFirst || buffer[total-1] != terminatorLast {
		return nil, 2, protocols.ErrBadFrame
	}
	return buffer[:total], total, nil
}

// Decode implements protocols.Protocol.
func (p *Protocol) Decode(frame []byte, s *session.Session) ([]protocols.Decoded, error) {
	if len(frame) < 10 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	length := int(frame[2])
	payload := frame[4 : 4+length-5]
	serial := binary.BigEndian.Uint16(frame[len(frame)-6 : len(frame)-4])
	wireCRC := binary.BigEndian.Uint16(frame[len(frame)-4 : len(frame)-2])
	if computed := crc16(frame[2 : len(frame)-4]); computed != wireCRC {
		return nil, fmt.Errorf("crc mismatch: got %04x want %04x", computed, wireCRC)
	}

	msgType := frame[3]
	switch msgType {
	case msgLogin:
		if len(payload) < 8 {
			return nil, fmt.Errorf("short login payload")
		}
		imei := strings.TrimLeft(hex.EncodeToString(payload[:8]), "0")
		// Bind the identity now so a location packed into the same read pass
		// decodes against it.
		if s != nil {
			s.SetUniqueID(imei)
		}
		return []protocols.Decoded{{
			Kind:     protocols.KindLogin,
			UniqueID: imei,
			Response: buildResponse(msgLogin, serial),
		}}, nil

	case msgLocation:
		position, err := decodeLocation(payload)
		if err != nil {
			return nil, err
		}
		return []protocols.Decoded{{
			Kind:     protocols.KindPosition,
			UniqueID: s.UniqueID(),
			Position: position,
		}}, nil

	case msgAlarm:
		position, err := decodeLocation(payload)
		if err != nil {
			return nil, err
		}
		if len(payload) >= 5 {
			status := payload[len(payload)-5:]
			decodeStatusBlock(position, status)
		}
		return []protocols.Decoded{{
			Kind:     protocols.KindPosition,
			UniqueID: s.UniqueID(),
			Position: position,
			Response: buildResponse(msgAlarm, serial),
		}}, nil

	case msgStatus:
		return []protocols.Decoded{{
			Kind:     protocols.KindHeartbeat,
			UniqueID: s.UniqueID(),
			Response: buildResponse(msgStatus, serial),
		}}, nil

	case msgString:
		// Reply to a server command: 4-byte server flag then ASCII content.
		message := ""
		if len(payload) > 5 {
			message = string(payload[5:])
		}
		return []protocols.Decoded{{
			Kind:     protocols.KindCommandAck,
			UniqueID: s.UniqueID(),
			// The 0x15 reply carries the command output, so it is both the
			// delivery and the execution ack.
			Ack: &protocols.CommandAck{
				Sequence: int(serial),
				Success:  true,
				Result:   true,
				Message:  message,
			},
		}}, nil

	default:
		// unsupported-kind: skipped.
		return nil, nil
	}
}

// decodeLocation parses the 18-byte GPS block common to location and alarm
// messages.
func decodeLocation(payload []byte) (*model.Position, error) {
	if len(payload) < 18 {
		return nil, fmt.Errorf("short location payload: %d bytes", len(payload))
	}
	fixTime := time.Date(
		2000+int(payload[0]), time.Month(payload[1]), int(payload[2]),
		int(payload[3]), int(payload[4]), int(payload[5]), 0, time.UTC,
	)
	satellites := int(payload[6] & 0x0F)

	latitude := float64(binary.BigEndian.Uint32(payload[7:11])) / 1800000.0
	longitude := float64(binary.BigEndian.Uint32(payload[11:15])) / 1800000.0
	speed := float64(payload[15])
	flags := binary.BigEndian.Uint16(payload[16:18])

	course := float64(flags & 0x03FF)
	valid := flags&0x1000 != 0
	if flags&0x0400 == 0 {
		latitude = -latitude
	}
	if flags&0x0800 != 0 {
		longitude = -longitude
	}

	position := &model.Position{
		Protocol:  protocolName,
		Valid:     valid,
		Latitude:  latitude,
		Longitude: longitude,
		Speed:     speed,
		Course:    course,
		FixTime:   &fixTime,
	}
	position.DeviceTime = &fixTime
	position.Set(model.AttrSatellites, satellites)

	// LBS block follows the GPS block when present.
	if len(payload) >= 26 {
		position.Set(model.AttrMcc, int(binary.BigEndian.Uint16(payload[18:20])))
		position.Set(model.AttrMnc, int(payload[20]))
		position.Set(model.AttrLac, int(binary.BigEndian.Uint16(payload[21:23])))
		cid := int(payload[23])<<16 | int(payload[24])<<8 | int(payload[25])
		position.Set(model.AttrCid, cid)
	}
	return position, nil
}

// decodeStatusBlock expands the 5-byte terminal status trailer carried by
// alarm messages.
func decodeStatusBlock(position *model.Position, status []byte) {
	terminalInfo := status[0]
	position.Set(model.AttrArmed, terminalInfo&0x01 != 0)
	position.Set(model.AttrIgnition, terminalInfo&0x02 != 0)
	position.Set(model.AttrCharge, terminalInfo&0x04 != 0)
	position.Set(model.AttrBlocked, terminalInfo&0x80 != 0)
	position.Set(model.AttrBatteryLvl, int(status[1]))
	position.Set(model.AttrRssi, int(status[2]))
	if alarm := alarmFromCode(status[3]); alarm != "" {
		position.Set(model.AttrAlarm, alarm)
	}
}

func alarmFromCode(code byte) string {
	switch code {
	case 0x01:
		return model.AlarmSOS
	case 0x02:
		return model.AlarmPowerCut
	case 0x03:
		return model.AlarmVibration
	case 0x04:
		return model.AlarmGeofenceIn
	case 0x05:
		return model.AlarmGeofenceOut
	case 0x06:
		return model.AlarmOverspeed
	case 0x09:
		return model.AlarmMovement
	case 0x0E:
		return model.AlarmLowBattery
	default:
		return ""
	}
}

// buildResponse renders the standard server acknowledgment for a message
// type, echoing the device's serial number.
func buildResponse(msgType byte, serial uint16) []byte {
	packet := make([]byte, 10)
	packet[0] = headerByte
	packet[1] = headerByte
	packet[2] = 0x05
	packet[3] = msgType
	binary.BigEndian.PutUint16(packet[4:6], serial)
	binary.BigEndian.PutUint16(packet[6:8], crc16(packet[2:6]))
	packet[8] = terminatorFirst
	packet[9] = terminatorLast
	return packet
}

// EncodeCommand implements protocols.Protocol. Commands ride the 0x80
// server-to-terminal message carrying an ASCII instruction.
func (p *Protocol) EncodeCommand(command *model.Command, device *model.Device) ([]byte, error) {
	var content string
	switch command.Type {
	case model.CommandReboot:
		content = "RESET#"
	case model.CommandEngineStop:
		content = "RELAY,1#"
	case model.CommandEngineResume:
		content = "RELAY,0#"
	case model.CommandSetInterval:
		content = fmt.Sprintf("TIMER,%d#", command.Parameters.Int("interval", 60))
	case model.CommandPositionSingle:
		content = "DWXX#"
	case model.CommandCustom:
		content = command.Parameters.String("data", "")
		if content == "" {
			return nil, protocols.ErrCommandUnsupported
		}
	default:
		return nil, protocols.ErrCommandUnsupported
	}

	serial := uint16(command.ID & 0xFFFF)
	body := []byte(content)
	// payload: content length byte, 4-byte server flag, content, language.
	payload := make([]byte, 0, 7+len(body))
	payload = append(payload, byte(4+len(body)))
	payload = append(payload, 0, 0, 0, 0)
	payload = append(payload, body...)
	payload = append(payload, 0x00, 0x02)

	length := 1 + len(payload) + 2 + 2
	packet := make([]byte, 0, length+5)
	packet = append(packet, headerByte, headerByte, byte(length), msgCommand)
	packet = append(packet, payload...)
	packet = append(packet, byte(serial>>8), byte(serial&0xFF))
	crc := crc16(packet[2:])
	packet = append(packet, byte(crc>>8), byte(crc&0xFF))
	packet = append(packet, terminatorFirst, terminatorLast)
	return packet, nil
}

// crc16 is the CRC-ITU (X.25) checksum used by the protocol.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}
