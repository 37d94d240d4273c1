// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	logger "github.com/containers/gpu-memmgr/pkg/log"
)

const (
	// shutdownTimeout is how long we wait for active requests on Stop.
	shutdownTimeout = 5 * time.Second
)

var (
	log = logger.NewLogger("http")
)

// ServeMux is our HTTP request multiplexer.
type ServeMux = http.ServeMux

// Server is an HTTP server which can be stopped and restarted with a
// different address, keeping its registered handlers.
type Server struct {
	sync.Mutex
	mux      *ServeMux
	server   *http.Server
	listener net.Listener
	address  string
	doneCh   chan struct{}
}

// NewServer creates a new, stopped HTTP server.
func NewServer() *Server {
	return &Server{
		mux: http.NewServeMux(),
	}
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	return s.mux
}

// GetAddress returns the address the server is listening on, or an
// empty string if it is not running.
func (s *Server) GetAddress() string {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start starts serving on the given address. An empty address leaves
// the server stopped.
func (s *Server) Start(address string) error {
	s.Lock()
	defer s.Unlock()
	return s.start(address)
}

// Stop stops the server, waiting for active requests to finish.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()
	s.stop()
}

// Reconfigure restarts the server if the address has changed.
func (s *Server) Reconfigure(address string) error {
	s.Lock()
	defer s.Unlock()

	if address == s.address && (address == "" || s.listener != nil) {
		return nil
	}

	s.stop()
	return s.start(address)
}

func (s *Server) start(address string) error {
	if s.listener != nil {
		return fmt.Errorf("http: server already running on %s", s.listener.Addr())
	}

	s.address = address
	if address == "" {
		log.Info("HTTP server is disabled")
		return nil
	}

	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("http: failed to listen on %s: %w", address, err)
	}

	s.listener = l
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.doneCh = make(chan struct{})

	go func(srv *http.Server, l net.Listener, doneCh chan struct{}) {
		defer close(doneCh)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server on %s failed: %v", l.Addr(), err)
		}
	}(s.server, l, s.doneCh)

	log.Info("HTTP server listening on %s", l.Addr())

	return nil
}

func (s *Server) stop() {
	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown failed: %v", err)
		s.server.Close()
	}
	<-s.doneCh

	log.Info("HTTP server on %s stopped", s.listener.Addr())

	s.server = nil
	s.listener = nil
	s.doneCh = nil
}
