/*
 * Copyright (C) 2020-2026, pmkol
 *
 * This file is part of fwdns.
 *
 * fwdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * fwdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

var ErrRunning = errors.New("service is already running")

// Service owns the UDP listener of a Server and supports stopping and
// starting it again, e.g. on a different address.
type Service struct {
	opts ServerOpts

	mu   sync.Mutex
	srv  *Server
	addr net.Addr
	done chan struct{}
}

func NewService(opts ServerOpts) *Service {
	opts.init()
	return &Service{opts: opts}
}

// Start listens on addr and serves queries in the background.
func (s *Service) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return ErrRunning
	}

	c, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := NewServer(s.opts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := srv.ServeUDP(c)
		if err != nil && !errors.Is(err, ErrServerClosed) {
			s.opts.Logger.Error("udp server exited", zap.Error(err))
		}
	}()

	s.srv, s.addr, s.done = srv, c.LocalAddr(), done
	s.opts.Logger.Info("udp server started", zap.Stringer("addr", s.addr))
	return nil
}

// Stop closes the listener and waits for in-flight queries. It is a
// no-op if the service is not running.
func (s *Service) Stop() {
	s.mu.Lock()
	srv, done, addr := s.srv, s.done, s.addr
	s.srv, s.done = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	srv.Close()
	<-done
	s.opts.Logger.Info("udp server stopped", zap.Stringer("addr", addr))
}

// Restart stops the service and starts it on addr.
func (s *Service) Restart(addr string) error {
	s.Stop()
	return s.Start(addr)
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Service) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Addr returns the address of the last started listener, or nil.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
