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

// Package audit delivers per-query outcomes to log sinks without ever
// blocking the query path.
package audit

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pmkol/fwdns/pkg/dnsutils"
)

// QueryOutcome describes how a single query was answered.
type QueryOutcome struct {
	Domain       string        `json:"domain"`
	Qtype        uint16        `json:"qtype"`
	CacheHit     bool          `json:"cache_hit"`
	ResponseTime time.Duration `json:"response_time"`
	Timestamp    time.Time     `json:"timestamp"`
	Rcode        int           `json:"rcode"`
	Upstream     string        `json:"upstream,omitempty"`
	Client       netip.Addr    `json:"client"`

	// ResponseIP is the first A/AAAA address of the answer. The
	// dispatcher fills it from Answer if it is not set.
	ResponseIP netip.Addr `json:"response_ip"`

	// Answer is the wire response. It is read-only and never persisted.
	Answer []byte `json:"-"`
}

func (o *QueryOutcome) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("domain", o.Domain)
	enc.AddString("qtype", dnsutils.QtypeToString(o.Qtype))
	enc.AddBool("cache_hit", o.CacheHit)
	enc.AddDuration("elapsed", o.ResponseTime)
	enc.AddString("rcode", dnsutils.RcodeToString(o.Rcode))
	if len(o.Upstream) > 0 {
		enc.AddString("upstream", o.Upstream)
	}
	if o.Client.IsValid() {
		enc.AddString("client", o.Client.String())
	}
	if o.ResponseIP.IsValid() {
		enc.AddString("response_ip", o.ResponseIP.String())
	}
	return nil
}

// Recorder accepts outcomes. Record must not block.
type Recorder interface {
	Record(o QueryOutcome)
}

// Sink persists a batch of outcomes. Implementations must not retain
// the batch after Write returns.
type Sink interface {
	Write(ctx context.Context, batch []QueryOutcome) error
}

// NopRecorder drops everything.
type NopRecorder struct{}

func (NopRecorder) Record(QueryOutcome) {}

// LogSink writes each outcome as a structured log entry.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Write(_ context.Context, batch []QueryOutcome) error {
	for i := range batch {
		s.Logger.Info("query", zap.Object("outcome", &batch[i]))
	}
	return nil
}
