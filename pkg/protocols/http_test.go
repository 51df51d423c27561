// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Tracknet (https://www.tracknet.io/).
// Copyright 2024-present Tracknet, Inc.

package protocols

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracknet-io/tracknet/pkg/model"
	"github.com/tracknet-io/tracknet/pkg/session"
)

type stubHTTPProtocol struct{}

func (stubHTTPProtocol) Name() string      { return "osmand" }
func (stubHTTPProtocol) NewFramer() Framer { return nil }

func (stubHTTPProtocol) Decode([]byte, *session.Session) ([]Decoded, error) {
	return nil, nil
}

func (stubHTTPProtocol) EncodeCommand(*model.Command, *model.Device) ([]byte, error) {
	return nil, ErrCommandUnsupported
}

func (stubHTTPProtocol) HTTPHandler(Sink, Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func httpGet(t *testing.T, addr string) int {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/")
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestHTTPServerLifecycle(t *testing.T) {
	m := NewManager(session.NewRegistry(), nil, nil, ServerOptions{})
	s, err := startHTTPServer(m, stubHTTPProtocol{}, Source{Protocol: "osmand", Transport: "http"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, httpGet(t, s.Addr()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestHTTPServerSurvivesListenerFailure(t *testing.T) {
	m := NewManager(session.NewRegistry(), nil, nil, ServerOptions{})
	s, err := startHTTPServer(m, stubHTTPProtocol{}, Source{Protocol: "osmand", Transport: "http"})
	require.NoError(t, err)

	// Killing the listener out from under Serve must end the serve goroutine
	// with the failure reported, not hang a later Stop.
	require.NoError(t, s.ln.Close())
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve goroutine did not exit")
	}
}
