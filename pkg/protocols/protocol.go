// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

// Package protocols terminates device connections. Each supported protocol
// implements the Protocol contract; the Manager owns the listeners and feeds
// every decoded message into the Sink (the position pipeline) or the command
// acknowledgment path.
package protocols

import (
	"context"
	"errors"
	"net/http"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/session"
)

// Framer signals.
var (
	// ErrNeedMore means the buffer does not yet hold a complete frame.
	ErrNeedMore = errors.New("need more data")
	// ErrBadFrame means the buffer head is corrupt; the consumed count says
	// how many bytes to discard.
	ErrBadFrame = errors.New("bad frame")
)

// ErrCommandUnsupported is returned by EncodeCommand when the vendor protocol
// has no rendering for the command type.
var ErrCommandUnsupported = errors.New("command not supported by protocol")

// MessageKind classifies a decoded wire message.
type MessageKind int

const (
	KindPosition MessageKind = iota
	KindLogin
	KindHeartbeat
	KindCommandAck
)

// CommandAck correlates a device reply to an outstanding command. Result
// distinguishes an execution result from a bare delivery acknowledgment:
// vendors that echo the instruction before running it set Result false on the
// echo, and the command stays in flight until the result frame lands.
type CommandAck struct {
	Sequence int
	Success  bool
	Result   bool
	Message  string
}

// Decoded is the protocol-neutral intermediate produced by Decode.
type Decoded struct {
	Kind     MessageKind
	UniqueID string
	Position *model.Position
	Ack      *CommandAck
	// Response holds bytes the listener writes straight back to the device
	// (login/heartbeat acknowledgments).
	Response []byte
}

// Framer splits a byte stream into discrete protocol frames. Frame is pure
// over the buffer and never blocks: it either yields a complete frame and the
// number of bytes consumed, or ErrNeedMore, or ErrBadFrame with a discard
// count.
type Framer interface {
	Frame(buffer []byte) (frame []byte, consumed int, err error)
}

// Protocol is the per-vendor contract.
type Protocol interface {
	Name() string
	NewFramer() Framer
	// Decode turns one frame into zero or more protocol-neutral messages.
	// It may read session state (e.g. the identity bound by a login frame).
	Decode(frame []byte, s *session.Session) ([]Decoded, error)
	// EncodeCommand renders an outbound command to wire bytes.
	EncodeCommand(command *model.Command, device *model.Device) ([]byte, error)
}

// HTTPProtocol is implemented by protocols carried over HTTP (OsmAnd).
type HTTPProtocol interface {
	Protocol
	HTTPHandler(sink Sink, source Source) http.Handler
}

// Source names the listener a message arrived on.
type Source struct {
	Protocol  string
	Port      int
	Transport string
}

// Sink consumes decoded messages. The position pipeline implements the
// position/login paths; the command engine handles acknowledgments.
type Sink interface {
	IngestPosition(ctx context.Context, src Source, sess *session.Session, uniqueID string, position *model.Position)
	IngestLogin(ctx context.Context, src Source, sess *session.Session, uniqueID string) bool
	IngestHeartbeat(ctx context.Context, src Source, sess *session.Session, uniqueID string)
}

// AckSink consumes command acknowledgments.
type AckSink interface {
	IngestCommandAck(ctx context.Context, deviceID int64, ack CommandAck)
}
