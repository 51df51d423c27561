// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package gt06

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/protocols"
	"github.com/tracknet-io/tracknet/pkg/session"
)

func testSession() *session.Session {
	s := session.New(protocolName, "tcp", "10.0.0.1:5000", "10.0.0.1:5000", nil, nil)
	s.SetIdentity(0, "123456789012345")
	return s
}

// buildFrame assembles a device frame the way the terminal firmware does.
func buildFrame(msgType byte, payload []byte, serial uint16) []byte {
	length := 1 + len(payload) + 2 + 2
	frame := []byte{headerByte, headerByte, byte(length), msgType}
	frame = append(frame, payload...)
	frame = append(frame, byte(serial>>8), byte(serial))
	crc := crc16(frame[2:])
	frame = append(frame, byte(crc>>8), byte(crc), terminatorFirst, terminatorLast)
	return frame
}

// gpsBlock renders the 18-byte location block.
func gpsBlock(at time.Time, sats int, lat, lon float64, speed byte, flags uint16) []byte {
	block := []byte{
		byte(at.Year() - 2000), byte(at.Month()), byte(at.Day()),
		byte(at.Hour()), byte(at.Minute()), byte(at.Second()),
		byte(0xC0 | sats),
	}
	block = binary.BigEndian.AppendUint32(block, uint32(lat*1800000))
	block = binary.BigEndian.AppendUint32(block, uint32(lon*1800000))
	block = append(block, speed)
	block = binary.BigEndian.AppendUint16(block, flags)
	return block
}

func TestFramer(t *testing.T) {
	f := &framer{}
	frame := buildFrame(msgStatus, nil, 1)

	got, consumed, err := f.Frame(append(frame, 0x78))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Equal(t, len(frame), consumed)

	_, _, err = f.Frame(frame[:4])
	assert.Equal(t, protocols.ErrNeedMore, err)

	// Garbage before the magic is skipped up to the next 0x7878.
	_, consumed, err = f.Frame(append([]byte{0x00, 0x01, 0x02}, frame...))
	assert.Equal(t, protocols.ErrBadFrame, err)
	assert.Equal(t, 3, consumed)

	// Missing terminator drops the magic and forces a resync.
	broken := append([]byte{}, frame...)
	broken[len(broken)-1] = 0x00
	_, consumed, err = f.Frame(broken)
	assert.Equal(t, protocols.ErrBadFrame, err)
	assert.Equal(t, 2, consumed)
}

func TestDecodeLogin(t *testing.T) {
	p := New()
	payload := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45, 0x00, 0x01}
	frame := buildFrame(msgLogin, payload, 0x0042)

	decoded, err := p.Decode(frame, testSession())
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	d := decoded[0]
	assert.Equal(t, protocols.KindLogin, d.Kind)
	assert.Equal(t, "123456789012345", d.UniqueID)
	require.NotNil(t, d.Response)
	assert.Equal(t, buildResponse(msgLogin, 0x0042), d.Response)

	// The acknowledgment must itself be a complete frame.
	f := &framer{}
	got, consumed, err := f.Frame(d.Response)
	require.NoError(t, err)
	assert.Equal(t, d.Response, got)
	assert.Equal(t, len(d.Response), consumed)
}

func TestLoginBindsSessionIdentity(t *testing.T) {
	p := New()
	s := session.New(protocolName, "tcp", "10.0.0.1:5000", "10.0.0.1:5000", nil, nil)

	login := buildFrame(msgLogin, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45, 0x00, 0x01}, 1)
	_, err := p.Decode(login, s)
	require.NoError(t, err)
	assert.Equal(t, "123456789012345", s.UniqueID())

	// A location arriving in the same read pass as the login must already
	// decode against the announced identity.
	at := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	location := buildFrame(msgLocation, gpsBlock(at, 11, 22.577, 114.057, 60, 0x1000|0x0400|90), 2)
	decoded, err := p.Decode(location, s)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "123456789012345", decoded[0].UniqueID)
}

func TestDecodeLocation(t *testing.T) {
	p := New()
	at := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	// Valid fix, north/east hemisphere, course 90.
	payload := gpsBlock(at, 11, 22.577, 114.057, 60, 0x1000|0x0400|90)
	frame := buildFrame(msgLocation, payload, 3)

	decoded, err := p.Decode(frame, testSession())
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	d := decoded[0]
	assert.Equal(t, protocols.KindPosition, d.Kind)
	assert.Equal(t, "123456789012345", d.UniqueID)
	assert.Nil(t, d.Response)

	pos := d.Position
	require.NotNil(t, pos)
	assert.True(t, pos.Valid)
	assert.InDelta(t, 22.577, pos.Latitude, 1e-6)
	assert.InDelta(t, 114.057, pos.Longitude, 1e-6)
	assert.Equal(t, 60.0, pos.Speed)
	assert.Equal(t, 90.0, pos.Course)
	assert.Equal(t, int64(11), pos.Attributes.Int(model.AttrSatellites, 0))
	assert.Equal(t, at, *pos.FixTime)
}

func TestDecodeLocationHemispheres(t *testing.T) {
	p := New()
	at := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	// South/west: bit10 clear, bit11 set.
	payload := gpsBlock(at, 8, 23.5505, 46.6333, 0, 0x1000|0x0800|45)
	frame := buildFrame(msgLocation, payload, 4)

	decoded, err := p.Decode(frame, testSession())
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	pos := decoded[0].Position
	assert.InDelta(t, -23.5505, pos.Latitude, 1e-6)
	assert.InDelta(t, -46.6333, pos.Longitude, 1e-6)

	// Invalid fix bit.
	payload = gpsBlock(at, 8, 23.5505, 46.6333, 0, 0x0400|45)
	decoded, err = p.Decode(buildFrame(msgLocation, payload, 5), testSession())
	require.NoError(t, err)
	assert.False(t, decoded[0].Position.Valid)
}

func TestDecodeAlarm(t *testing.T) {
	p := New()
	at := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	gps := gpsBlock(at, 9, 22.577, 114.057, 0, 0x1000|0x0400)
	// Terminal status trailer: ignition on, battery level 5, rssi 4, SOS.
	status := []byte{0x02, 0x05, 0x04, 0x01, 0x00}
	frame := buildFrame(msgAlarm, append(gps, status...), 6)

	decoded, err := p.Decode(frame, testSession())
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	d := decoded[0]
	require.NotNil(t, d.Position)
	assert.Equal(t, buildResponse(msgAlarm, 6), d.Response)
	assert.Equal(t, model.AlarmSOS, d.Position.Attributes.String(model.AttrAlarm, ""))
	assert.True(t, d.Position.Attributes.Bool(model.AttrIgnition, false))
	assert.False(t, d.Position.Attributes.Bool(model.AttrArmed, true))
	assert.Equal(t, int64(5), d.Position.Attributes.Int(model.AttrBatteryLvl, 0))
}

func TestDecodeHeartbeat(t *testing.T) {
	p := New()
	frame := buildFrame(msgStatus, []byte{0x42, 0x05, 0x04, 0x00, 0x01}, 7)
	decoded, err := p.Decode(frame, testSession())
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, protocols.KindHeartbeat, decoded[0].Kind)
	assert.Equal(t, buildResponse(msgStatus, 7), decoded[0].Response)
}

func TestDecodeCommandReply(t *testing.T) {
	p := New()
	payload := append([]byte{6, 0, 0, 0, 1}, []byte("OK")...)
	frame := buildFrame(msgString, payload, 0x0012)

	decoded, err := p.Decode(frame, testSession())
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	d := decoded[0]
	assert.Equal(t, protocols.KindCommandAck, d.Kind)
	require.NotNil(t, d.Ack)
	assert.Equal(t, 0x12, d.Ack.Sequence)
	assert.True(t, d.Ack.Success)
	assert.True(t, d.Ack.Result)
	assert.Equal(t, "OK", d.Ack.Message)
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	p := New()
	frame := buildFrame(msgStatus, nil, 1)
	frame[len(frame)-3] ^= 0xFF
	_, err := p.Decode(frame, testSession())
	assert.ErrorContains(t, err, "crc mismatch")
}

func TestEncodeCommand(t *testing.T) {
	p := New()
	device := &model.Device{UniqueID: "123456789012345"}
	cmd := &model.Command{ID: 0x21234, Type: model.CommandEngineStop}

	packet, err := p.EncodeCommand(cmd, device)
	require.NoError(t, err)

	// The packet must survive its own framer and carry the truncated command
	// id as the serial.
	f := &framer{}
	frame, consumed, err := f.Frame(packet)
	require.NoError(t, err)
	assert.Equal(t, len(packet), consumed)
	assert.Equal(t, byte(msgCommand), frame[3])
	assert.True(t, bytes.Contains(frame, []byte("RELAY,1#")))

	serial := binary.BigEndian.Uint16(frame[len(frame)-6 : len(frame)-4])
	assert.Equal(t, uint16(0x1234), serial)
	wireCRC := binary.BigEndian.Uint16(frame[len(frame)-4 : len(frame)-2])
	assert.Equal(t, crc16(frame[2:len(frame)-4]), wireCRC)

	_, err = p.EncodeCommand(&model.Command{Type: model.CommandSetOutput}, device)
	assert.Equal(t, protocols.ErrCommandUnsupported, err)
}
