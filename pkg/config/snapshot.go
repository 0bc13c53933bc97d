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

// Package config holds the immutable runtime configuration snapshot that
// the query path reads, and a store to swap it atomically.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"go4.org/netipx"
)

const (
	DefaultPort       = 53
	DefaultTimeout    = 5000 * time.Millisecond
	DefaultListen     = ":5354"
	DefaultDefaultTTL = 300
	DefaultMaxEntries = 10000
)

// Upstream selection policies.
const (
	// PolicyPriority orders enabled upstreams by ascending Priority.
	// Upstreams with equal priority keep their list order.
	PolicyPriority = "priority"
	// PolicyFirst keeps enabled upstreams in list order.
	PolicyFirst = "first"
)

const ProxySOCKS5 = "socks5"

var ErrInvalid = errors.New("invalid config")

type ProxyDescriptor struct {
	Type     string
	Host     string
	Port     uint16
	Username string
	Password string
}

func (p *ProxyDescriptor) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

type UpstreamServer struct {
	Address  string
	Port     uint16
	Timeout  time.Duration
	Enabled  bool
	Priority int
	Proxy    *ProxyDescriptor
}

// Addr returns host:port of u. Port defaults to 53.
func (u UpstreamServer) Addr() string {
	port := u.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(u.Address, strconv.Itoa(int(port)))
}

func (u UpstreamServer) TimeoutOrDefault() time.Duration {
	if u.Timeout <= 0 {
		return DefaultTimeout
	}
	return u.Timeout
}

func (u UpstreamServer) Validate() error {
	if len(u.Address) == 0 {
		return fmt.Errorf("%w: upstream address is empty", ErrInvalid)
	}
	if u.Timeout < 0 {
		return fmt.Errorf("%w: upstream %s has a negative timeout", ErrInvalid, u.Address)
	}
	if p := u.Proxy; p != nil {
		if p.Type != ProxySOCKS5 {
			return fmt.Errorf("%w: upstream %s: unsupported proxy type %q", ErrInvalid, u.Address, p.Type)
		}
		if len(p.Host) == 0 || p.Port == 0 {
			return fmt.Errorf("%w: upstream %s: proxy host and port are required", ErrInvalid, u.Address)
		}
	}
	return nil
}

// Snapshot is a read-only view of the configuration. It must not be
// modified once published through a Store.
type Snapshot struct {
	Listen          string
	Upstreams       []UpstreamServer
	Policy          string
	RetryCount      int
	CacheEnabled    bool
	CacheMaxEntries int
	CacheDefaultTTL uint32
	QueryLogEnabled bool

	// AllowedClients is nil when every client is allowed.
	AllowedClients *netipx.IPSet
}

func (s *Snapshot) Validate() error {
	switch s.Policy {
	case "", PolicyPriority, PolicyFirst:
	default:
		return fmt.Errorf("%w: unknown upstream policy %q", ErrInvalid, s.Policy)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("%w: retry count must not be negative", ErrInvalid)
	}
	if s.CacheMaxEntries < 0 {
		return fmt.Errorf("%w: cache max entries must not be negative", ErrInvalid)
	}
	for i, u := range s.Upstreams {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("upstream #%d: %w", i, err)
		}
	}
	return nil
}

// Candidates returns the enabled upstreams in the order they should be
// tried.
func (s *Snapshot) Candidates() []UpstreamServer {
	var l []UpstreamServer
	for _, u := range s.Upstreams {
		if u.Enabled {
			l = append(l, u)
		}
	}
	if s.Policy != PolicyFirst {
		slices.SortStableFunc(l, func(a, b UpstreamServer) int { return a.Priority - b.Priority })
	}
	return l
}

// ClientAllowed reports whether queries from addr are accepted.
func (s *Snapshot) ClientAllowed(addr netip.Addr) bool {
	if s.AllowedClients == nil {
		return true
	}
	return s.AllowedClients.Contains(addr.Unmap())
}

// BuildIPSet parses a list of IPs and CIDR prefixes. An empty list
// returns nil.
func BuildIPSet(l []string) (*netipx.IPSet, error) {
	if len(l) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, s := range l {
		if p, err := netip.ParsePrefix(s); err == nil {
			b.AddPrefix(p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid client address %q", ErrInvalid, s)
		}
		b.Add(addr.Unmap())
	}
	return b.IPSet()
}

// Provider gives the current snapshot. Implementations must be safe
// for concurrent use.
type Provider interface {
	Snapshot() *Snapshot
}

// Store is a Provider whose snapshot can be replaced atomically.
type Store struct {
	p atomic.Pointer[Snapshot]
}

func NewStore(s *Snapshot) *Store {
	st := new(Store)
	st.p.Store(s)
	return st
}

func (st *Store) Snapshot() *Snapshot {
	return st.p.Load()
}

// Swap publishes s and returns the previous snapshot.
func (st *Store) Swap(s *Snapshot) *Snapshot {
	return st.p.Swap(s)
}

// Static is a Provider that always returns the same snapshot.
type Static Snapshot

func (s *Static) Snapshot() *Snapshot {
	return (*Snapshot)(s)
}
