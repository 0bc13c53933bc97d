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
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pmkol/fwdns/pkg/dnsutils"
	"github.com/pmkol/fwdns/pkg/pool"
	"github.com/pmkol/fwdns/pkg/resolver"
)

const maxUDPSize = 64 * 1024

type packet struct {
	buf  *pool.Buffer
	from net.Addr
}

// ServeUDP reads queries from c and answers each of them in its own
// goroutine, at most Concurrency at a time. It returns ErrServerClosed
// after Close.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	if s.opts.Handler == nil {
		return errMissingHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	listenerCtx, cancel := context.WithCancel(context.Background())
	queue := make(chan packet, s.opts.QueueSize)
	sem := semaphore.NewWeighted(int64(s.opts.Concurrency))
	var inflight sync.WaitGroup
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for p := range queue {
			p := p
			if err := sem.Acquire(listenerCtx, 1); err != nil {
				p.buf.Release()
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer sem.Release(1)
				s.handlePacket(listenerCtx, c, p)
			}()
		}
	}()
	defer func() {
		cancel()
		close(queue)
		<-dispatched
		inflight.Wait()
	}()

	readBuf := pool.GetBuf(maxUDPSize)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}
		s.opts.Metrics.datagrams.Inc()

		buf := pool.GetBuf(n)
		copy(buf.Bytes(), rb[:n])
		select {
		case queue <- packet{buf: buf, from: remoteAddr}:
		default:
			buf.Release()
			s.opts.Metrics.dropped.Inc()
			s.opts.Logger.Debug("query queue is full, datagram dropped", zap.Stringer("from", remoteAddr))
		}
	}
}

func (s *Server) handlePacket(ctx context.Context, c net.PacketConn, p packet) {
	defer p.buf.Release()

	resp := s.respond(ctx, p.buf.Bytes(), p.from)
	if _, err := c.WriteTo(resp, p.from); err != nil {
		s.opts.Logger.Warn("failed to write response", zap.Stringer("client", p.from), zap.Error(err))
	}
}

func (s *Server) respond(ctx context.Context, raw []byte, from net.Addr) []byte {
	q, err := dnsutils.Decode(raw)
	if err != nil {
		s.opts.Metrics.malformed.Inc()
		s.opts.Logger.Warn("invalid msg", zap.Error(err), zap.Binary("msg", raw), zap.Stringer("from", from))
		return dnsutils.BuildServFail(dnsutils.IDOf(raw))
	}
	name, qtype, ok := dnsutils.QuestionOf(q)
	if !ok {
		s.opts.Metrics.malformed.Inc()
		s.opts.Logger.Warn("msg has no question", zap.Uint16("id", q.Id), zap.Stringer("from", from))
		return dnsutils.BuildServFail(q.Id)
	}

	client := addrOf(from)
	if p := s.opts.Config; p != nil && !p.Snapshot().ClientAllowed(client) {
		s.opts.Metrics.refused.Inc()
		s.opts.Logger.Debug("client refused", zap.Stringer("from", from))
		return dnsutils.BuildReply(q.Id, dns.RcodeRefused)
	}

	resp := s.opts.Handler.Handle(ctx, resolver.Request{
		Domain: name,
		Qtype:  qtype,
		Raw:    raw,
		Client: client,
	})
	if size := getUDPSize(q); len(resp) > size {
		s.opts.Metrics.truncated.Inc()
		resp = truncate(resp, size)
	}
	return resp
}

func getUDPSize(m *dns.Msg) int {
	var s uint16
	if opt := m.IsEdns0(); opt != nil {
		s = opt.UDPSize()
	}
	if s < dns.MinMsgSize {
		s = dns.MinMsgSize
	}
	return int(s)
}

// truncate fits resp into size bytes and sets TC. If resp cannot be
// repacked, a header-only reply with TC is returned.
func truncate(resp []byte, size int) []byte {
	r := new(dns.Msg)
	if err := r.Unpack(resp); err == nil {
		r.Truncate(size)
		if b, err := r.Pack(); err == nil && len(b) <= size {
			return b
		}
	}
	b := make([]byte, 12)
	copy(b, resp)
	b[2] |= 0x02 // TC
	clear(b[4:])
	return b
}

func addrOf(a net.Addr) netip.Addr {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
