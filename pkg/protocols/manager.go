// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package protocols

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tracknet-io/tracknet/pkg/config"
	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// ServerOptions tunes the transport listeners.
type ServerOptions struct {
	ReadTimeout     time.Duration
	MaxFrameSize    int
	FrameErrorLimit int
	ShutdownGrace   time.Duration
}

// Manager is the single place that knows how to start, stop, and list the
// running protocol listeners.
type Manager struct {
	registry  *session.Registry
	sink      Sink
	acks      AckSink
	opts      ServerOptions
	protocols map[string]Protocol
	listeners []listener
}

// listener is one running transport endpoint.
type listener interface {
	Addr() string
	Stop(ctx context.Context) error
}

// NewManager builds a manager; protocols are added with Register before
// Start.
func NewManager(registry *session.Registry, sink Sink, acks AckSink, opts ServerOptions) *Manager {
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = 4096
	}
	if opts.FrameErrorLimit == 0 {
		opts.FrameErrorLimit = 10
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 180 * time.Second
	}
	return &Manager{
		registry:  registry,
		sink:      sink,
		acks:      acks,
		opts:      opts,
		protocols: map[string]Protocol{},
	}
}

// Register adds a protocol implementation under its name.
func (m *Manager) Register(p Protocol) {
	m.protocols[p.Name()] = p
}

// SetAckSink installs the command acknowledgment consumer. The command
// engine is built after the manager (it needs the manager for encoding), so
// the sink arrives late; call before Start.
func (m *Manager) SetAckSink(a AckSink) {
	m.acks = a
}

// Get returns a registered protocol; the command engine uses it to render
// outbound commands.
func (m *Manager) Get(name string) (Protocol, bool) {
	p, ok := m.protocols[name]
	return p, ok
}

// Start brings up one listener per enabled endpoint. Listeners are bound
// before Start returns; a bind failure stops everything already started.
func (m *Manager) Start(ctx context.Context, servers map[string]config.ServerConfig) error {
	for name, cfg := range servers {
		if !cfg.Enabled {
			continue
		}
		p, ok := m.protocols[name]
		if !ok {
			log.Warnf("No protocol registered for configured endpoint %q, skipping", name) //nolint:errcheck
			continue
		}
		src := Source{Protocol: name, Port: cfg.Port, Transport: cfg.Transport}

		var (
			l   listener
			err error
		)
		switch cfg.Transport {
		case "tcp":
			l, err = startTCPServer(m, p, src)
		case "udp":
			l, err = startUDPServer(m, p, src)
		case "http":
			hp, isHTTP := p.(HTTPProtocol)
			if !isHTTP {
				err = fmt.Errorf("protocol %s does not support http transport", name)
				break
			}
			l, err = startHTTPServer(m, hp, src)
		default:
			err = fmt.Errorf("unknown transport %q", cfg.Transport)
		}
		if err != nil {
			stopErr := m.Stop(ctx)
			if stopErr != nil {
				err = multierror.Append(err, stopErr)
			}
			return fmt.Errorf("starting %s listener: %w", name, err)
		}

		m.listeners = append(m.listeners, l)
		log.Infof("Protocol %s listening on %s/%s", name, l.Addr(), cfg.Transport)
	}
	return nil
}

// Stop drains all listeners. Each gets the shutdown grace period before its
// connections are dropped.
func (m *Manager) Stop(ctx context.Context) error {
	var errs *multierror.Error
	for _, l := range m.listeners {
		if err := l.Stop(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	m.listeners = nil
	return errs.ErrorOrNil()
}

// Listeners returns the addresses of the running listeners.
func (m *Manager) Listeners() []string {
	addrs := make([]string, 0, len(m.listeners))
	for _, l := range m.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// dispatch decodes one frame and routes the results. One bad frame never
// takes down the listener: decode errors log and return.
func (m *Manager) dispatch(ctx context.Context, p Protocol, src Source, sess *session.Session, frame []byte) bool {
	decoded, err := p.Decode(frame, sess)
	if err != nil {
		telemetry.FramesDropped.WithLabelValues(src.Protocol, "decode-error").Inc()
		log.Warnf("%s: decode error from %s: %v (raw: %x)", src.Protocol, sess.RemoteAddr, err, frame) //nolint:errcheck
		return false
	}
	sess.Touch()
	telemetry.FramesDecoded.WithLabelValues(src.Protocol).Inc()

	for i := range decoded {
		d := &decoded[i]
		if d.Response != nil {
			if err := sess.Send(d.Response); err != nil {
				log.Debugf("%s: failed to write response to %s: %v", src.Protocol, sess.RemoteAddr, err)
			}
		}
		switch d.Kind {
		case KindLogin:
			m.sink.IngestLogin(ctx, src, sess, d.UniqueID)
		case KindHeartbeat:
			m.sink.IngestHeartbeat(ctx, src, sess, d.UniqueID)
		case KindPosition:
			if d.Position != nil {
				m.sink.IngestPosition(ctx, src, sess, d.UniqueID, d.Position)
			}
		case KindCommandAck:
			if d.Ack != nil && m.acks != nil {
				if deviceID := sess.DeviceID(); deviceID != 0 {
					m.acks.IngestCommandAck(ctx, deviceID, *d.Ack)
				}
			}
		}
	}
	return true
}
