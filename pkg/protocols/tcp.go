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
	"time"

	"github.com/tracknet-io/tracknet/pkg/session"
	"github.com/tracknet-io/tracknet/pkg/telemetry"
	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// tcpServer runs one accept loop; every accepted connection gets a reader
// goroutine whose lifetime equals the connection's.
type tcpServer struct {
	m    *Manager
	p    Protocol
	src  Source
	ln   net.Listener
	quit chan struct{}
	wg   sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func startTCPServer(m *Manager, p Protocol, src Source) (*tcpServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", src.Port))
	if err != nil {
		return nil, err
	}
	s := &tcpServer{
		m:     m,
		p:     p,
		src:   src,
		ln:    ln,
		quit:  make(chan struct{}),
		conns: map[net.Conn]struct{}{},
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *tcpServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *tcpServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			log.Errorf("%s: accept failed: %v", s.src.Protocol, err) //nolint:errcheck
			continue
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *tcpServer) handleConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	sess := session.New(s.src.Protocol, "tcp", remote, remote,
		func(payload []byte) error {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
			_, err := conn.Write(payload)
			return err
		},
		func(reason string) {
			log.Debugf("%s: closing connection from %s: %s", s.src.Protocol, remote, reason)
			conn.Close() //nolint:errcheck
		},
	)

	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		sess.Close("transport closed")
		s.m.registry.Release(sess)
	}()

	framer := s.p.NewFramer()
	buf := make([]byte, 0, 1024)
	read := make([]byte, 2048)
	strikes := 0

	for {
		conn.SetReadDeadline(time.Now().Add(s.m.opts.ReadTimeout)) //nolint:errcheck
		n, err := conn.Read(read)
		if err != nil {
			// transport-error: close and release; offline handling runs in
			// the registry release path.
			log.Debugf("%s: read from %s ended: %v", s.src.Protocol, remote, err)
			return
		}
		buf = append(buf, read[:n]...)

		for len(buf) > 0 {
			frame, consumed, ferr := framer.Frame(buf)
			if errors.Is(ferr, ErrNeedMore) {
				if len(buf) > s.m.opts.MaxFrameSize {
					telemetry.FramesDropped.WithLabelValues(s.src.Protocol, "oversized").Inc()
					log.Warnf("%s: frame from %s exceeds %d bytes, closing", s.src.Protocol, remote, s.m.opts.MaxFrameSize) //nolint:errcheck
					return
				}
				break
			}
			if ferr != nil {
				buf = buf[consumed:]
				strikes++
				telemetry.FramesDropped.WithLabelValues(s.src.Protocol, "bad-frame").Inc()
				log.Warnf("%s: bad frame from %s (%d consecutive)", s.src.Protocol, remote, strikes) //nolint:errcheck
				if strikes >= s.m.opts.FrameErrorLimit {
					log.Warnf("%s: too many bad frames from %s, closing as hostile", s.src.Protocol, remote) //nolint:errcheck
					return
				}
				continue
			}
			buf = buf[consumed:]
			if s.m.dispatch(context.Background(), s.p, s.src, sess, frame) {
				strikes = 0
			}
		}
		// Compact so a pathological peer cannot grow the buffer forever.
		if len(buf) == 0 && cap(buf) > 64*1024 {
			buf = make([]byte, 0, 1024)
		}
	}
}

// Stop closes the accept loop, then waits for in-flight readers up to the
// shutdown grace period before dropping their connections.
func (s *tcpServer) Stop(ctx context.Context) error {
	close(s.quit)
	err := s.ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.m.opts.ShutdownGrace
	if grace == 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		log.Warnf("%s: forcing %d connections closed after %s", s.src.Protocol, len(s.conns), grace) //nolint:errcheck
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close() //nolint:errcheck
		}
		s.connMu.Unlock()
		<-done
	case <-ctx.Done():
		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close() //nolint:errcheck
		}
		s.connMu.Unlock()
		<-done
	}
	return err
}
