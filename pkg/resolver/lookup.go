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

package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/pmkol/fwdns/pkg/config"
	"github.com/pmkol/fwdns/pkg/dnsutils"
)

const lookupID = 12345

// LookupResult summarises the answer of a Lookup.
type LookupResult struct {
	Domain   string        `json:"domain"`
	Qtype    string        `json:"qtype"`
	Rcode    string        `json:"rcode"`
	Addrs    []netip.Addr  `json:"addrs"`
	TTL      uint32        `json:"ttl"`
	CacheHit bool          `json:"cache_hit"`
	Elapsed  time.Duration `json:"elapsed"`

	Msg *dns.Msg `json:"-"`
}

// Lookup resolves domain through the same path as a network query.
// TTL is the minimal answer TTL, or the cache default TTL if the answer
// has no address.
func (r *Resolver) Lookup(ctx context.Context, domain string, qtype uint16) (*LookupResult, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(domain), qtype)
	q.Id = lookupID
	raw, err := q.Pack()
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	start := r.opts.Now()
	resp, hit := r.handle(ctx, Request{Domain: dnsutils.NormalizeName(domain), Qtype: qtype, Raw: raw})
	elapsed := r.opts.Now().Sub(start)

	m, err := dnsutils.Decode(resp)
	if err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}

	res := &LookupResult{
		Domain:   dnsutils.NormalizeName(domain),
		Qtype:    dnsutils.QtypeToString(qtype),
		Rcode:    dnsutils.RcodeToString(m.Rcode),
		Addrs:    dnsutils.AnswerAddrs(m),
		CacheHit: hit,
		Elapsed:  elapsed,
		Msg:      m,
	}
	if len(res.Addrs) > 0 {
		res.TTL = dnsutils.GetMinimalTTL(m)
	} else {
		res.TTL = r.opts.Config.Snapshot().CacheDefaultTTL
		if res.TTL == 0 {
			res.TTL = config.DefaultDefaultTTL
		}
	}
	return res, nil
}
