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
	"net/http"
	"time"

	"github.com/tracknet-io/tracknet/pkg/util/log"
)

// httpServer serves an HTTP-carried protocol (OsmAnd). Each request is a
// stateless session of length one, built by the protocol handler itself.
type httpServer struct {
	m      *Manager
	src    Source
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

func startHTTPServer(m *Manager, p HTTPProtocol, src Source) (*httpServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", src.Port))
	if err != nil {
		return nil, err
	}
	s := &httpServer{
		m:    m,
		src:  src,
		ln:   ln,
		done: make(chan struct{}),
	}
	s.server = &http.Server{
		Handler:           p.HTTPHandler(m.sink, src),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP listener for %s on %s stopped: %v", src.Protocol, ln.Addr(), err) //nolint:errcheck
		}
	}()
	return s, nil
}

func (s *httpServer) Addr() string {
	return s.ln.Addr().String()
}

func (s *httpServer) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
