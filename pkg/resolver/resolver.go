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

// Package resolver answers a decoded query from the cache or from the
// configured upstreams.
package resolver

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/fwdns/pkg/audit"
	"github.com/pmkol/fwdns/pkg/cache"
	"github.com/pmkol/fwdns/pkg/config"
	"github.com/pmkol/fwdns/pkg/dnsutils"
	"github.com/pmkol/fwdns/pkg/upstream"
)

var ErrNoUpstream = errors.New("no enabled upstream")

// Forwarder sends a raw query to one upstream.
type Forwarder interface {
	Forward(ctx context.Context, u config.UpstreamServer, q []byte) ([]byte, error)
}

type Opts struct {
	Logger *zap.Logger

	// Cache may be nil, which disables caching regardless of the config.
	Cache *cache.Cache

	// Forwarder and Config cannot be nil.
	Forwarder Forwarder
	Config    config.Provider

	// Recorder receives an outcome of every query when the query log is
	// enabled. Optional.
	Recorder audit.Recorder

	// Metrics registers the resolver metrics. Optional.
	Metrics prometheus.Registerer

	Now func() time.Time
}

// Request is a decoded query. Raw is the query as received and is only
// read during Handle.
type Request struct {
	Domain string
	Qtype  uint16
	Raw    []byte
	Client netip.Addr
}

type Resolver struct {
	opts    Opts
	sf      singleflight.Group
	metrics *metrics
}

func New(opts Opts) (*Resolver, error) {
	if opts.Forwarder == nil {
		return nil, errors.New("nil forwarder")
	}
	if opts.Config == nil {
		return nil, errors.New("nil config provider")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.NopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{opts: opts, metrics: newMetrics(opts.Metrics)}, nil
}

// Handle always returns a wire response whose ID is the ID of req.Raw.
// Failures are answered with SERVFAIL.
func (r *Resolver) Handle(ctx context.Context, req Request) []byte {
	resp, _ := r.handle(ctx, req)
	return resp
}

func (r *Resolver) handle(ctx context.Context, req Request) ([]byte, bool) {
	start := r.opts.Now()
	snap := r.opts.Config.Snapshot()
	key := cache.Key{Domain: strings.ToLower(req.Domain), Qtype: req.Qtype}
	id := dnsutils.IDOf(req.Raw)

	resp, from, hit, err := r.resolve(ctx, snap, key, req.Raw, id)
	result := resultMiss
	switch {
	case err != nil:
		result = resultServfail
		resp = dnsutils.BuildServFail(id)
		if errors.Is(err, ErrNoUpstream) {
			r.opts.Logger.Error("no upstream available", zap.Stringer("key", key))
		} else {
			r.opts.Logger.Warn("failed to forward query", zap.Stringer("key", key), zap.Error(err))
		}
	case hit:
		result = resultHit
	}

	elapsed := r.opts.Now().Sub(start)
	r.metrics.queries.WithLabelValues(result).Inc()
	r.metrics.duration.Observe(elapsed.Seconds())

	if snap.QueryLogEnabled {
		o := audit.QueryOutcome{
			Domain:       key.Domain,
			Qtype:        key.Qtype,
			CacheHit:     hit,
			ResponseTime: elapsed,
			Timestamp:    start,
			Upstream:     from,
			Client:       req.Client,
			Answer:       resp,
		}
		if h, err := dnsutils.GetHeaderInfo(resp); err == nil {
			o.Rcode = h.Rcode
		}
		r.opts.Recorder.Record(o)
	}
	return resp, hit
}

type forwardResult struct {
	resp     []byte
	upstream string
}

func (r *Resolver) resolve(ctx context.Context, snap *config.Snapshot, key cache.Key, raw []byte, id uint16) (resp []byte, from string, hit bool, err error) {
	c := r.opts.Cache
	if !snap.CacheEnabled {
		c = nil
	}

	if c != nil {
		if b, ok := c.Get(key); ok {
			return dnsutils.RewriteID(b, id), "", true, nil
		}
	}

	candidates := snap.Candidates()
	if len(candidates) == 0 {
		return nil, "", false, ErrNoUpstream
	}

	// The shared forward outlives any single caller: each caller only
	// waits on its own ctx, and raw may be released once it returns.
	q := append([]byte(nil), raw...)
	ch := r.sf.DoChan(key.String(), func() (any, error) {
		resp, from, err := r.forward(context.WithoutCancel(ctx), snap, candidates, q)
		if err != nil {
			return nil, err
		}
		if c != nil {
			c.Put(key, resp)
		}
		return forwardResult{resp: resp, upstream: from}, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, "", false, res.Err
		}
		v := res.Val.(forwardResult)
		if res.Shared {
			return dnsutils.RewriteID(v.resp, id), v.upstream, false, nil
		}
		return v.resp, v.upstream, false, nil
	case <-ctx.Done():
		return nil, "", false, ctx.Err()
	}
}

// forward tries up to 1+RetryCount times, cycling through candidates.
func (r *Resolver) forward(ctx context.Context, snap *config.Snapshot, candidates []config.UpstreamServer, raw []byte) ([]byte, string, error) {
	attempts := 1 + snap.RetryCount
	var lastErr error
	for i := 0; i < attempts; i++ {
		u := candidates[i%len(candidates)]
		resp, err := r.opts.Forwarder.Forward(ctx, u, raw)
		if err == nil {
			return resp, u.Addr(), nil
		}
		lastErr = err
		r.metrics.upstreamErrors.WithLabelValues(errKind(err)).Inc()
		r.opts.Logger.Debug("upstream attempt failed", zap.String("upstream", u.Addr()), zap.Int("attempt", i+1), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

func errKind(err error) string {
	var fe *upstream.ForwardError
	if errors.As(err, &fe) {
		return fe.Kind.String()
	}
	return "other"
}
