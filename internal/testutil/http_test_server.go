// Package testutil provides helpers shared by HTTP handler tests.
package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
)

// IPv4Server is a live test server bound to the IPv4 loopback. Unlike
// httptest.Server it never falls back to IPv6, so streaming tests that
// hold a connection open for server-sent events behave the same on
// hosts without an ::1 route.
type IPv4Server struct {
	URL       string
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewIPv4Server starts a server for handler on 127.0.0.1 and registers
// nothing with t.Cleanup; callers shut it down via Close.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	return s
}

// Client returns an HTTP client whose idle connections are released by Close.
func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Close stops the server and closes idle client connections.
func (s *IPv4Server) Close() {
	_ = s.server.Shutdown(context.Background())
	s.transport.CloseIdleConnections()
}
