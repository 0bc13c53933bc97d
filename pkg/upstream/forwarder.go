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

// Package upstream forwards raw DNS queries to a single upstream server
// and returns the raw reply.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/pmkol/fwdns/pkg/config"
	"github.com/pmkol/fwdns/pkg/dnsutils"
	"github.com/pmkol/fwdns/pkg/pool"
)

const (
	defaultBufSize = 4096
	headerSize     = 12
)

var (
	ErrTimeout = errors.New("upstream timeout")
	ErrIO      = errors.New("upstream io error")
)

type Kind int

const (
	KindIO Kind = iota
	KindTimeout
	// KindEmpty means the upstream replied with something shorter than
	// a DNS header.
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindEmpty:
		return "empty"
	default:
		return "io"
	}
}

type ForwardError struct {
	Kind     Kind
	Upstream string
	Err      error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("upstream %s: %s: %v", e.Upstream, e.Kind, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Is reports KindTimeout as ErrTimeout, and KindIO and KindEmpty as ErrIO.
func (e *ForwardError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrIO:
		return e.Kind != KindTimeout
	}
	return false
}

type Opts struct {
	Logger *zap.Logger

	// BufSize is the read buffer of the UDP path. Replies larger than
	// it are truncated by the socket. Default is 4096.
	BufSize int
}

// Forwarder is stateless. Every call uses its own socket, so a late
// reply to an abandoned call can never reach another one.
type Forwarder struct {
	opts Opts
}

func NewForwarder(opts Opts) *Forwarder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BufSize < headerSize {
		opts.BufSize = defaultBufSize
	}
	return &Forwarder{opts: opts}
}

// Forward sends q to u and returns a private copy of its reply. Forward
// gives up after u's timeout or when ctx is done, whichever comes first.
// Errors are *ForwardError.
func (f *Forwarder) Forward(ctx context.Context, u config.UpstreamServer, q []byte) ([]byte, error) {
	addr := u.Addr()
	ctx, cancel := context.WithTimeout(ctx, u.TimeoutOrDefault())
	defer cancel()

	var (
		r   []byte
		err error
	)
	if u.Proxy != nil {
		r, err = f.forwardSOCKS5(ctx, u.Proxy, addr, q)
	} else {
		r, err = f.forwardUDP(ctx, addr, q)
	}
	if err != nil {
		var fe *ForwardError
		if errors.As(err, &fe) {
			fe.Upstream = addr
			return nil, fe
		}
		return nil, &ForwardError{Kind: classify(err), Upstream: addr, Err: err}
	}
	return r, nil
}

func (f *Forwarder) forwardUDP(ctx context.Context, addr string, q []byte) ([]byte, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	stop := bindDeadline(ctx, c)
	defer stop()

	if _, err := c.Write(q); err != nil {
		return nil, err
	}

	buf := pool.GetBuf(f.opts.BufSize)
	defer buf.Release()
	b := buf.Bytes()
	qid := dnsutils.IDOf(q)
	for {
		n, err := c.Read(b)
		if err != nil {
			return nil, err
		}
		if n < headerSize {
			return nil, &ForwardError{Kind: KindEmpty, Err: fmt.Errorf("reply is too short, %d bytes", n)}
		}
		if id := dnsutils.IDOf(b[:n]); id != qid {
			f.opts.Logger.Debug("unexpected reply id", zap.String("upstream", addr), zap.Uint16("want", qid), zap.Uint16("got", id))
			continue
		}
		return append([]byte(nil), b[:n]...), nil
	}
}

// forwardSOCKS5 sends q as DNS over TCP through a SOCKS5 CONNECT tunnel.
func (f *Forwarder) forwardSOCKS5(ctx context.Context, p *config.ProxyDescriptor, addr string, q []byte) ([]byte, error) {
	var auth *proxy.Auth
	if len(p.Username) > 0 {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support context")
	}
	c, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	stop := bindDeadline(ctx, c)
	defer stop()

	dc := &dns.Conn{Conn: c}
	if _, err := dc.Write(q); err != nil {
		return nil, err
	}

	buf := pool.GetBuf(dns.MaxMsgSize)
	defer buf.Release()
	n, err := dc.Read(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if n < headerSize {
		return nil, &ForwardError{Kind: KindEmpty, Err: fmt.Errorf("reply is too short, %d bytes", n)}
	}
	if id := dnsutils.IDOf(buf.Bytes()[:n]); id != dnsutils.IDOf(q) {
		return nil, fmt.Errorf("unexpected reply id %d", id)
	}
	return append([]byte(nil), buf.Bytes()[:n]...), nil
}

// bindDeadline applies the ctx deadline to c and unblocks c as soon as
// ctx is canceled.
func bindDeadline(ctx context.Context, c net.Conn) (stop func() bool) {
	if ddl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(ddl)
	}
	return context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindIO
}
