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

package coremain

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/fwdns/pkg/audit"
	"github.com/pmkol/fwdns/pkg/cache"
	"github.com/pmkol/fwdns/pkg/dnsutils"
)

const (
	defaultQueryLimit = 100
	defaultTopN       = 10
	defaultStatWindow = 24 * time.Hour
)

var errNoQueryStore = errors.New("query log store is not configured")

func (m *FwDNS) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /cache/stats", m.apiCacheStats)
	mux.HandleFunc("GET /cache/keys", m.apiCacheKeys)
	mux.HandleFunc("GET /cache/item", m.apiCacheItem)
	mux.HandleFunc("DELETE /cache/item", m.apiCacheRemove)
	mux.HandleFunc("GET /cache/search", m.apiCacheSearch)
	mux.HandleFunc("POST /cache/flush", m.apiCacheFlush)
	mux.HandleFunc("GET /server/status", m.apiServerStatus)
	mux.HandleFunc("GET /lookup", m.apiLookup)
	mux.HandleFunc("GET /queries", m.apiQueries)
	mux.HandleFunc("GET /queries/top", m.apiQueriesTop)
	mux.HandleFunc("GET /queries/hit_rate", m.apiQueriesHitRate)
}

type cacheStatsResp struct {
	cache.Stats
	HitRate float64 `json:"hit_rate"`
}

func (m *FwDNS) apiCacheStats(w http.ResponseWriter, _ *http.Request) {
	s := m.cache.Stats()
	m.writeJSON(w, http.StatusOK, cacheStatsResp{Stats: s, HitRate: s.HitRate()})
}

func (m *FwDNS) apiCacheKeys(w http.ResponseWriter, _ *http.Request) {
	keys := m.cache.Keys()
	l := make([]string, 0, len(keys))
	for _, k := range keys {
		l = append(l, k.String())
	}
	m.writeJSON(w, http.StatusOK, l)
}

type cacheItemResp struct {
	cache.EntryInfo
	Answer string `json:"answer,omitempty"`
}

func (m *FwDNS) apiCacheItem(w http.ResponseWriter, r *http.Request) {
	k, err := cache.ParseKey(r.URL.Query().Get("key"))
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	info, ok := m.cache.Entry(k)
	if !ok {
		m.writeError(w, http.StatusNotFound, errors.New("key not found"))
		return
	}
	resp := cacheItemResp{EntryInfo: info}
	if msg, err := dnsutils.Decode(info.Data); err == nil {
		resp.Answer = msg.String()
	}
	m.writeJSON(w, http.StatusOK, resp)
}

func (m *FwDNS) apiCacheRemove(w http.ResponseWriter, r *http.Request) {
	k, err := cache.ParseKey(r.URL.Query().Get("key"))
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	if !m.cache.Remove(k) {
		m.writeError(w, http.StatusNotFound, errors.New("key not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *FwDNS) apiCacheSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sq := cache.SearchQuery{Keyword: q.Get("q")}
	var err error
	if sq.MinTTL, err = uintParam(q.Get("min_ttl")); err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	if sq.MaxTTL, err = uintParam(q.Get("max_ttl")); err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	if sq.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	res := m.cache.Search(sq)
	if res == nil {
		res = []cache.EntryInfo{}
	}
	m.writeJSON(w, http.StatusOK, res)
}

func (m *FwDNS) apiCacheFlush(w http.ResponseWriter, _ *http.Request) {
	m.cache.Clear()
	m.logger.Info("cache flushed by api")
	w.WriteHeader(http.StatusNoContent)
}

type upstreamStatus struct {
	Addr     string `json:"addr"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
	Proxy    string `json:"proxy,omitempty"`
}

type serverStatusResp struct {
	Version         string           `json:"version"`
	Running         bool             `json:"running"`
	Listen          string           `json:"listen"`
	Policy          string           `json:"upstream_policy"`
	RetryCount      int              `json:"retry_count"`
	CacheEnabled    bool             `json:"cache_enabled"`
	QueryLogEnabled bool             `json:"query_log_enabled"`
	QueryLogDropped uint64           `json:"query_log_dropped"`
	Upstreams       []upstreamStatus `json:"upstreams"`
}

func (m *FwDNS) apiServerStatus(w http.ResponseWriter, _ *http.Request) {
	snap := m.store.Snapshot()
	resp := serverStatusResp{
		Version:         version,
		Running:         m.udp.IsRunning(),
		Listen:          snap.Listen,
		Policy:          snap.Policy,
		RetryCount:      snap.RetryCount,
		CacheEnabled:    snap.CacheEnabled,
		QueryLogEnabled: snap.QueryLogEnabled,
		QueryLogDropped: m.dispatcher.Dropped(),
		Upstreams:       make([]upstreamStatus, 0, len(snap.Upstreams)),
	}
	if a := m.udp.Addr(); a != nil {
		resp.Listen = a.String()
	}
	for _, u := range snap.Upstreams {
		us := upstreamStatus{Addr: u.Addr(), Enabled: u.Enabled, Priority: u.Priority}
		if u.Proxy != nil {
			us.Proxy = u.Proxy.Type + "://" + u.Proxy.Addr()
		}
		resp.Upstreams = append(resp.Upstreams, us)
	}
	m.writeJSON(w, http.StatusOK, resp)
}

func (m *FwDNS) apiLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	domain := q.Get("domain")
	if len(domain) == 0 {
		m.writeError(w, http.StatusBadRequest, errors.New("missing domain"))
		return
	}
	qtype := uint16(1)
	if s := q.Get("type"); len(s) > 0 {
		t, ok := dnsutils.StringToQtype(s)
		if !ok {
			m.writeError(w, http.StatusBadRequest, errors.New("invalid type"))
			return
		}
		qtype = t
	}
	res, err := m.resolver.Lookup(r.Context(), domain, qtype)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	m.writeJSON(w, http.StatusOK, res)
}

func (m *FwDNS) apiQueries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultQueryLimit)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}

	switch {
	case m.sqlite != nil:
		f := audit.QueryFilter{Domain: q.Get("domain"), Limit: limit}
		if s := q.Get("cache_hit"); len(s) > 0 {
			b, err := strconv.ParseBool(s)
			if err != nil {
				m.writeError(w, http.StatusBadRequest, err)
				return
			}
			f.CacheHit = &b
		}
		if f.Since, err = sinceParam(q.Get("since"), 0); err != nil {
			m.writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := m.sqlite.Query(r.Context(), f)
		if err != nil {
			m.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if res == nil {
			res = []audit.Record{}
		}
		m.writeJSON(w, http.StatusOK, res)
	case m.redis != nil:
		res, err := m.redis.Recent(r.Context(), int64(limit))
		if err != nil {
			m.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if res == nil {
			res = []audit.QueryOutcome{}
		}
		m.writeJSON(w, http.StatusOK, res)
	default:
		m.writeError(w, http.StatusNotFound, errNoQueryStore)
	}
}

func (m *FwDNS) apiQueriesTop(w http.ResponseWriter, r *http.Request) {
	if m.sqlite == nil {
		m.writeError(w, http.StatusNotFound, errNoQueryStore)
		return
	}
	q := r.URL.Query()
	n, err := intParam(q.Get("n"), defaultTopN)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	since, err := sinceParam(q.Get("since"), defaultStatWindow)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := m.sqlite.TopDomains(r.Context(), since, n)
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res == nil {
		res = []audit.DomainCount{}
	}
	m.writeJSON(w, http.StatusOK, res)
}

func (m *FwDNS) apiQueriesHitRate(w http.ResponseWriter, r *http.Request) {
	if m.sqlite == nil {
		m.writeError(w, http.StatusNotFound, errNoQueryStore)
		return
	}
	since, err := sinceParam(r.URL.Query().Get("since"), defaultStatWindow)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}
	rate, err := m.sqlite.HitRate(r.Context(), since)
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}
	m.writeJSON(w, http.StatusOK, map[string]any{"since": since, "hit_rate": rate})
}

func (m *FwDNS) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Debug("failed to write api response", zap.Error(err))
	}
}

func (m *FwDNS) writeError(w http.ResponseWriter, code int, err error) {
	m.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func intParam(s string, def int) (int, error) {
	if len(s) == 0 {
		return def, nil
	}
	return strconv.Atoi(s)
}

func uintParam(s string) (uint32, error) {
	if len(s) == 0 {
		return 0, nil
	}
	u, err := strconv.ParseUint(s, 10, 32)
	return uint32(u), err
}

// sinceParam parses a duration like "1h" into now minus that duration.
// An empty s gives now minus def, or the zero time if def is 0.
func sinceParam(s string, def time.Duration) (time.Time, error) {
	d := def
	if len(s) > 0 {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return time.Time{}, err
		}
	}
	if d <= 0 {
		return time.Time{}, nil
	}
	return time.Now().Add(-d), nil
}
