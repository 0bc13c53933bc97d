package audit

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "queries.db"), 7)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().Truncate(time.Millisecond)

	batch := []QueryOutcome{
		{Domain: "example.com", Qtype: dns.TypeA, CacheHit: false, ResponseTime: 20 * time.Millisecond, Timestamp: now,
			Upstream: "8.8.8.8:53", Client: netip.MustParseAddr("127.0.0.1"), ResponseIP: netip.MustParseAddr("93.184.216.34")},
		{Domain: "example.com", Qtype: dns.TypeA, CacheHit: true, ResponseTime: 50 * time.Microsecond, Timestamp: now.Add(time.Second)},
		{Domain: "example.org", Qtype: dns.TypeAAAA, Rcode: dns.RcodeServerFailure, Timestamp: now.Add(2 * time.Second)},
	}
	require.NoError(t, s.Write(ctx, batch))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := s.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "example.org", all[0].Domain)
	assert.Equal(t, dns.RcodeServerFailure, all[0].Rcode)

	first := all[2]
	assert.Equal(t, "example.com", first.Domain)
	assert.Equal(t, dns.TypeA, first.Qtype)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 20*time.Millisecond, first.ResponseTime)
	assert.True(t, now.Equal(first.Timestamp))
	assert.Equal(t, "8.8.8.8:53", first.Upstream)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), first.Client)
	assert.Equal(t, netip.MustParseAddr("93.184.216.34"), first.ResponseIP)
	assert.False(t, all[1].Client.IsValid())

	hit := true
	l, err := s.Query(ctx, QueryFilter{Domain: "example.com", CacheHit: &hit})
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.True(t, l[0].CacheHit)

	l, err = s.Query(ctx, QueryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, l, 1)

	l, err = s.Query(ctx, QueryFilter{Since: now.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, l, 2)

	rate, err := s.HitRate(ctx, time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, rate, 1e-9)

	top, err := s.TopDomains(ctx, time.Time{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []DomainCount{{"example.com", 2}, {"example.org", 1}}, top)
}

func TestSQLiteStore_empty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rate, err := s.HitRate(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)

	l, err := s.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, l)
}

func TestSQLiteStore_Purge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Write(ctx, []QueryOutcome{
		{Domain: "old.example", Timestamp: now.AddDate(0, 0, -8)},
		{Domain: "new.example", Timestamp: now.AddDate(0, 0, -1)},
	}))
	removed, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	l, err := s.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.Equal(t, "new.example", l[0].Domain)
}
