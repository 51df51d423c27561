// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package protocols

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// udpServer reads datagrams on one socket. Sessions are identified per
// source address and reused across datagrams; there is no connection to
// release, so stale entries age out with the server.
type udpServer struct {
	m    *Manager
	p    Protocol
	src  Source
	conn net.PacketConn
	quit chan struct{}
	done chan struct{}

	sessMu   sync.Mutex
	sessions map[string]*session.Session
}

func startUDPServer(m *Manager, p Protocol, src Source) (*udpServer, error) {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", src.Port))
	if err != nil {
		return nil, err
	}
	s := &udpServer{
		m:        m,
		p:        p,
		src:      src,
		conn:     conn,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		sessions: map[string]*session.Session{},
	}
	go s.readLoop()
	return s, nil
}

func (s *udpServer) Addr() string {
	return s.conn.LocalAddr().String()
}

func (s *udpServer) sessionFor(addr net.Addr) *session.Session {
	key := addr.String()
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := session.New(s.src.Protocol, "udp", key, key,
		func(payload []byte) error {
			_, err := s.conn.WriteTo(payload, addr)
			return err
		},
		nil, // nothing to tear down for a datagram source
	)
	s.sessions[key] = sess
	return sess
}

func (s *udpServer) readLoop() {
	defer close(s.done)
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			log.Errorf("%s: udp read failed: %v", s.src.Protocol, err) //nolint:errcheck
			continue
		}

		sess := s.sessionFor(addr)
		framer := s.p.NewFramer()
		datagram := buf[:n]
		for len(datagram) > 0 {
			frame, consumed, ferr := framer.Frame(datagram)
			if errors.Is(ferr, ErrNeedMore) {
				// A datagram is a complete unit; a partial frame is garbage.
				telemetry.FramesDropped.WithLabelValues(s.src.Protocol, "bad-frame").Inc()
				break
			}
			if ferr != nil {
				telemetry.FramesDropped.WithLabelValues(s.src.Protocol, "bad-frame").Inc()
				datagram = datagram[consumed:]
				continue
			}
			datagram = datagram[consumed:]
			s.m.dispatch(context.Background(), s.p, s.src, sess, frame)
		}
	}
}

// Stop closes the socket and waits for the read loop to drain.
func (s *udpServer) Stop(ctx context.Context) error {
	close(s.quit)
	err := s.conn.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	s.sessMu.Lock()
	for _, sess := range s.sessions {
		s.m.registry.Release(sess)
	}
	s.sessions = map[string]*session.Session{}
	s.sessMu.Unlock()
	return err
}
