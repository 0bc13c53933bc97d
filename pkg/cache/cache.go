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

// Package cache stores upstream answers in wire format and expires them
// by the TTL carried in the answer itself.
package cache

import (
	"hash/maphash"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/fwdns/pkg/dnsutils"
	"github.com/pmkol/fwdns/pkg/lru"
)

const (
	defaultMaxEntries      = 10000
	defaultTTL             = 300
	defaultCleanerInterval = time.Minute

	maxShards       = 64
	minShardEntries = 16
)

type Opts struct {
	// MaxEntries bounds the number of entries. Default is 10000.
	MaxEntries int

	// DefaultTTL is used when an answer carries no answer record.
	// Default is 300 seconds.
	DefaultTTL uint32

	// CleanerInterval is the interval of the background sweep of expired
	// entries. Default is 1m. A negative value disables the cleaner.
	CleanerInterval time.Duration

	// Now is the time source. Default is time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

func (o *Opts) init() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = defaultMaxEntries
	}
	if o.DefaultTTL == 0 {
		o.DefaultTTL = defaultTTL
	}
	if o.CleanerInterval == 0 {
		o.CleanerInterval = defaultCleanerInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type entry struct {
	data   []byte
	ttl    uint32
	stored time.Time
	expire time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expire)
}

type shard struct {
	sync.Mutex
	lru *lru.LRU[Key, *entry]
}

// Cache is a sharded, size bounded, TTL expiring store of DNS answers.
// It is safe for concurrent use.
type Cache struct {
	opts Opts
	seed maphash.Seed
	mask uint64
	l    []*shard

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64

	closeOnce        sync.Once
	closeCleanerChan chan struct{}
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Expired    uint64 `json:"expired"`
	Size       int    `json:"size"`
	MaxEntries int    `json:"max_entries"`
}

// HitRate returns hits / (hits + misses), or 0 if there was no lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// EntryInfo describes a cached entry.
type EntryInfo struct {
	Key    Key       `json:"-"`
	Name   string    `json:"key"`
	TTL    uint32    `json:"ttl"`
	Stored time.Time `json:"stored"`
	Expire time.Time `json:"expire"`
	Size   int       `json:"size"`
	Data   []byte    `json:"-"`
}

func New(opts Opts) *Cache {
	opts.init()

	n := maxShards
	for n > 1 && opts.MaxEntries/n < minShardEntries {
		n >>= 1
	}
	perShard := opts.MaxEntries / n

	c := &Cache{
		opts:             opts,
		seed:             maphash.MakeSeed(),
		mask:             uint64(n - 1),
		l:                make([]*shard, n),
		closeCleanerChan: make(chan struct{}),
	}
	onEvict := func(Key, *entry) { c.evictions.Add(1) }
	for i := range c.l {
		c.l[i] = &shard{lru: lru.NewLRU[Key, *entry](perShard, onEvict)}
	}

	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c
}

func (c *Cache) getShard(k Key) *shard {
	h := maphash.String(c.seed, k.Domain) ^ (uint64(k.Qtype) * 0x9e3779b97f4a7c15)
	return c.l[h&c.mask]
}

// Get returns the cached answer of k. The returned slice is shared and
// must not be modified. Expired entries are removed and count as misses.
func (c *Cache) Get(k Key) ([]byte, bool) {
	now := c.opts.Now()
	s := c.getShard(k)

	s.Lock()
	e, ok := s.lru.Get(k)
	if ok && e.expired(now) {
		s.lru.Del(k)
		c.expired.Add(1)
		ok = false
	}
	s.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.data, true
}

// Put stores a private copy of b under k, expiring after the TTL of its
// first answer record. Answers with a zero TTL are not stored. Put
// returns the TTL used.
func (c *Cache) Put(k Key, b []byte) uint32 {
	ttl := dnsutils.ExtractTTL(b, c.opts.DefaultTTL)
	if ttl == 0 {
		return 0
	}

	now := c.opts.Now()
	e := &entry{
		data:   append([]byte(nil), b...),
		ttl:    ttl,
		stored: now,
		expire: now.Add(time.Duration(ttl) * time.Second),
	}

	s := c.getShard(k)
	s.Lock()
	s.lru.Add(k, e)
	s.Unlock()
	return ttl
}

func (c *Cache) Remove(k Key) bool {
	s := c.getShard(k)
	s.Lock()
	ok := s.lru.Del(k)
	s.Unlock()
	return ok
}

// Clear removes all entries and resets the hit and miss counters.
func (c *Cache) Clear() {
	for _, s := range c.l {
		s.Lock()
		s.lru.Flush()
		s.Unlock()
	}
	c.hits.Store(0)
	c.misses.Store(0)
}

func (c *Cache) Len() int {
	sum := 0
	for _, s := range c.l {
		s.Lock()
		sum += s.lru.Len()
		s.Unlock()
	}
	return sum
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Expired:    c.expired.Load(),
		Size:       c.Len(),
		MaxEntries: c.opts.MaxEntries,
	}
}

// Entry returns information about k without touching its recency or the
// hit counters. Expired entries are not reported.
func (c *Cache) Entry(k Key) (EntryInfo, bool) {
	now := c.opts.Now()
	s := c.getShard(k)
	s.Lock()
	e, ok := s.lru.Peek(k)
	s.Unlock()
	if !ok || e.expired(now) {
		return EntryInfo{}, false
	}
	return e.info(k, now), true
}

func (e *entry) info(k Key, now time.Time) EntryInfo {
	return EntryInfo{
		Key:    k,
		Name:   k.String(),
		TTL:    e.remaining(now),
		Stored: e.stored,
		Expire: e.expire,
		Size:   len(e.data),
		Data:   e.data,
	}
}

// remaining returns the seconds left before e expires, rounded up.
func (e *entry) remaining(now time.Time) uint32 {
	d := e.expire.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint32((d + time.Second - 1) / time.Second)
}

// Range calls f for every live entry until f returns false. f must not
// call back into c.
func (c *Cache) Range(f func(k Key, info EntryInfo) bool) {
	now := c.opts.Now()
	for _, s := range c.l {
		cont := true
		s.Lock()
		s.lru.Range(func(k Key, e *entry) bool {
			if e.expired(now) {
				return true
			}
			cont = f(k, e.info(k, now))
			return cont
		})
		s.Unlock()
		if !cont {
			return
		}
	}
}

func (c *Cache) Keys() []Key {
	keys := make([]Key, 0, c.Len())
	c.Range(func(k Key, _ EntryInfo) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// SearchQuery filters entries by domain substring and remaining TTL.
// Zero values match everything.
type SearchQuery struct {
	Keyword string
	MinTTL  uint32
	MaxTTL  uint32
	Limit   int
}

func (c *Cache) Search(q SearchQuery) []EntryInfo {
	kw := strings.ToLower(q.Keyword)
	var res []EntryInfo
	c.Range(func(k Key, info EntryInfo) bool {
		if len(kw) > 0 && !strings.Contains(k.Domain, kw) {
			return true
		}
		if info.TTL < q.MinTTL || (q.MaxTTL > 0 && info.TTL > q.MaxTTL) {
			return true
		}
		res = append(res, info)
		return q.Limit <= 0 || len(res) < q.Limit
	})
	return res
}

// Close stops the background cleaner. The cache stays usable.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.closeCleanerChan) })
	return nil
}

// removeExpired drops every expired entry and returns how many were removed.
func (c *Cache) removeExpired() int {
	now := c.opts.Now()
	removed := 0
	for _, s := range c.l {
		s.Lock()
		removed += s.lru.Clean(func(_ Key, e *entry) bool { return e.expired(now) })
		s.Unlock()
	}
	c.expired.Add(uint64(removed))
	return removed
}

func (c *Cache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			if n := c.removeExpired(); n > 0 {
				c.opts.Logger.Debug("expired cache entries removed", zap.Int("removed", n))
			}
		}
	}
}
