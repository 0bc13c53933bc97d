package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/fwdns/pkg/cache"
	"github.com/pmkol/fwdns/pkg/config"
	"github.com/pmkol/fwdns/pkg/dnsutils"
	"github.com/pmkol/fwdns/pkg/resolver"
	"github.com/pmkol/fwdns/pkg/upstream"
)

// echoHandler answers every query with an empty NOERROR reply.
type echoHandler struct {
	mu   sync.Mutex
	reqs []resolver.Request
}

func (h *echoHandler) Handle(_ context.Context, req resolver.Request) []byte {
	h.mu.Lock()
	h.reqs = append(h.reqs, resolver.Request{Domain: req.Domain, Qtype: req.Qtype, Client: req.Client})
	h.mu.Unlock()

	m := new(dns.Msg)
	if err := m.Unpack(req.Raw); err != nil {
		panic(err)
	}
	r := new(dns.Msg)
	r.SetReply(m)
	b, err := r.Pack()
	if err != nil {
		panic(err)
	}
	return b
}

func (h *echoHandler) requests() []resolver.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]resolver.Request(nil), h.reqs...)
}

func startService(t *testing.T, opts ServerOpts) *Service {
	t.Helper()
	s := NewService(opts)
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Stop)
	return s
}

func exchange(t *testing.T, addr net.Addr, b []byte) []byte {
	t.Helper()
	c, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(3*time.Second)))
	_, err = c.Write(b)
	require.NoError(t, err)
	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func query(t *testing.T, name string, qtype, id uint16) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.Id = id
	b, err := q.Pack()
	require.NoError(t, err)
	return b
}

func TestServer_malformed(t *testing.T) {
	h := new(echoHandler)
	s := startService(t, ServerOpts{Handler: h})

	tests := []struct {
		name   string
		b      []byte
		wantID uint16
	}{
		{"one byte", []byte{0x12}, 0},
		{"short header", []byte{0xab, 0xcd, 0x01}, 0xabcd},
		{"no question", dnsutils.BuildReply(0x4321, 0)[:12], 0x4321},
		{"truncated question", query(t, "example.com", dns.TypeA, 0x0707)[:16], 0x0707},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := exchange(t, s.Addr(), tt.b)
			require.Len(t, r, 12)
			h, err := dnsutils.GetHeaderInfo(r)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, h.ID)
			assert.True(t, h.Response)
			assert.Equal(t, dns.RcodeServerFailure, h.Rcode)
		})
	}
	assert.Empty(t, h.requests(), "malformed queries must not reach the handler")

	// The server keeps serving after malformed input.
	r := exchange(t, s.Addr(), query(t, "Example.COM", dns.TypeAAAA, 99))
	assert.Equal(t, uint16(99), dnsutils.IDOf(r))
	reqs := h.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "example.com", reqs[0].Domain)
	assert.Equal(t, dns.TypeAAAA, reqs[0].Qtype)
	assert.Equal(t, "127.0.0.1", reqs[0].Client.String())
}

func TestServer_acl(t *testing.T) {
	set, err := config.BuildIPSet([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	store := config.NewStore(&config.Snapshot{AllowedClients: set})
	h := new(echoHandler)
	s := startService(t, ServerOpts{Handler: h, Config: store})

	r := exchange(t, s.Addr(), query(t, "example.com", dns.TypeA, 7))
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(r))
	assert.Equal(t, uint16(7), m.Id)
	assert.Equal(t, dns.RcodeRefused, m.Rcode)
	assert.Empty(t, h.requests())

	// The ACL follows the current snapshot.
	set, err = config.BuildIPSet([]string{"127.0.0.0/8"})
	require.NoError(t, err)
	store.Swap(&config.Snapshot{AllowedClients: set})
	r = exchange(t, s.Addr(), query(t, "example.com", dns.TypeA, 8))
	require.NoError(t, m.Unpack(r))
	assert.Equal(t, dns.RcodeSuccess, m.Rcode)
	assert.Len(t, h.requests(), 1)
}

func TestService_lifecycle(t *testing.T) {
	s := NewService(ServerOpts{Handler: new(echoHandler)})
	assert.False(t, s.IsRunning())
	s.Stop()

	require.NoError(t, s.Start("127.0.0.1:0"))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start("127.0.0.1:0"), ErrRunning)
	addr := s.Addr()
	exchange(t, addr, query(t, "example.com", dns.TypeA, 1))

	s.Stop()
	assert.False(t, s.IsRunning())

	require.NoError(t, s.Restart("127.0.0.1:0"))
	assert.True(t, s.IsRunning())
	r := exchange(t, s.Addr(), query(t, "example.com", dns.TypeA, 2))
	assert.Equal(t, uint16(2), dnsutils.IDOf(r))
	s.Stop()
	s.Stop()
}

func TestServer_closed(t *testing.T) {
	srv := NewServer(ServerOpts{Handler: new(echoHandler)})
	srv.Close()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.ServeUDP(c), ErrServerClosed)

	c, err = net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, NewServer(ServerOpts{}).ServeUDP(c), errMissingHandler)
}

type blockingHandler struct {
	echoHandler
	release chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, req resolver.Request) []byte {
	<-h.release
	return h.echoHandler.Handle(ctx, req)
}

func TestServer_queueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := &blockingHandler{release: make(chan struct{})}
	s := startService(t, ServerOpts{Handler: h, Concurrency: 1, QueueSize: 1, Metrics: NewMetrics(reg)})

	c, err := net.Dial("udp", s.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	for i := 0; i < 20; i++ {
		_, err := c.Write(query(t, "example.com", dns.TypeA, uint16(i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return counterValue(t, reg, "server_datagrams_total") == 20
	}, 3*time.Second, 10*time.Millisecond)
	close(h.release)

	// One query is handled, one waits for a slot and one is queued.
	assert.GreaterOrEqual(t, counterValue(t, reg, "server_dropped_total"), 17.0)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

// fakeUpstream answers A queries for any name with one record of ttl 60.
func fakeUpstream(t *testing.T) (config.UpstreamServer, func() int) {
	t.Helper()
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	var mu sync.Mutex
	n := 0
	go func() {
		b := make([]byte, 4096)
		for {
			l, from, err := c.ReadFrom(b)
			if err != nil {
				return
			}
			m := new(dns.Msg)
			if err := m.Unpack(b[:l]); err != nil {
				continue
			}
			mu.Lock()
			n++
			mu.Unlock()
			r := new(dns.Msg)
			r.SetReply(m)
			r.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: m.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(93, 184, 216, 34),
			}}
			out, _ := r.Pack()
			_, _ = c.WriteTo(out, from)
		}
	}()

	port := c.LocalAddr().(*net.UDPAddr).Port
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
	return config.UpstreamServer{Address: "127.0.0.1", Port: uint16(port), Timeout: time.Second, Enabled: true}, count
}

func TestServer_endToEnd(t *testing.T) {
	u, upstreamQueries := fakeUpstream(t)
	store := config.NewStore(&config.Snapshot{
		Upstreams:    []config.UpstreamServer{u},
		CacheEnabled: true,
	})
	c := cache.New(cache.Opts{MaxEntries: 1024, CleanerInterval: -1})
	defer c.Close()
	r, err := resolver.New(resolver.Opts{
		Cache:     c,
		Forwarder: upstream.NewForwarder(upstream.Opts{}),
		Config:    store,
	})
	require.NoError(t, err)
	s := startService(t, ServerOpts{Handler: r, Config: store})

	r1 := exchange(t, s.Addr(), query(t, "example.com", dns.TypeA, 0x1234))
	r2 := exchange(t, s.Addr(), query(t, "example.com", dns.TypeA, 0x5678))

	assert.Equal(t, uint16(0x1234), dnsutils.IDOf(r1))
	assert.Equal(t, uint16(0x5678), dnsutils.IDOf(r2))
	assert.Equal(t, r1[2:], r2[2:])
	assert.Equal(t, 1, upstreamQueries())

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(r2))
	require.Len(t, m.Answer, 1)
	assert.Equal(t, "93.184.216.34", m.Answer[0].(*dns.A).A.String())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestServer_endToEndUpstreamDown(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := dead.LocalAddr().(*net.UDPAddr).Port
	defer dead.Close()

	store := config.NewStore(&config.Snapshot{
		Upstreams: []config.UpstreamServer{{Address: "127.0.0.1", Port: uint16(port), Timeout: 100 * time.Millisecond, Enabled: true}},
	})
	r, err := resolver.New(resolver.Opts{Forwarder: upstream.NewForwarder(upstream.Opts{}), Config: store})
	require.NoError(t, err)
	s := startService(t, ServerOpts{Handler: r})

	resp := exchange(t, s.Addr(), query(t, "example.com", dns.TypeA, 0xbeef))
	h, err := dnsutils.GetHeaderInfo(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), h.ID)
	assert.Equal(t, dns.RcodeServerFailure, h.Rcode)
}

func TestServer_slowUpstreamDoesNotDelayCacheHits(t *testing.T) {
	u, _ := fakeUpstream(t)
	store := config.NewStore(&config.Snapshot{
		Upstreams:    []config.UpstreamServer{u},
		CacheEnabled: true,
	})
	c := cache.New(cache.Opts{MaxEntries: 1024, CleanerInterval: -1})
	defer c.Close()
	r, err := resolver.New(resolver.Opts{
		Cache:     c,
		Forwarder: upstream.NewForwarder(upstream.Opts{}),
		Config:    store,
	})
	require.NoError(t, err)
	s := startService(t, ServerOpts{Handler: r, Config: store})

	exchange(t, s.Addr(), query(t, "cached.example", dns.TypeA, 1))

	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dead.Close()
	store.Swap(&config.Snapshot{
		Upstreams: []config.UpstreamServer{{
			Address: "127.0.0.1",
			Port:    uint16(dead.LocalAddr().(*net.UDPAddr).Port),
			Timeout: 2 * time.Second,
			Enabled: true,
		}},
		CacheEnabled: true,
	})

	conn, err := net.Dial("udp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 8; i++ {
		_, err := conn.Write(query(t, fmt.Sprintf("slow%d.example", i), dns.TypeA, uint16(100+i)))
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	resp := exchange(t, s.Addr(), query(t, "cached.example", dns.TypeA, 2))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	h, err := dnsutils.GetHeaderInfo(resp)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), h.ID)
	assert.Equal(t, dns.RcodeSuccess, h.Rcode)
}

// bigHandler answers with enough A records to exceed 512 bytes.
type bigHandler struct{}

func (bigHandler) Handle(_ context.Context, req resolver.Request) []byte {
	m := new(dns.Msg)
	if err := m.Unpack(req.Raw); err != nil {
		panic(err)
	}
	r := new(dns.Msg)
	r.SetReply(m)
	for i := 0; i < 64; i++ {
		r.Answer = append(r.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: m.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.IPv4(10, 0, 0, byte(i)),
		})
	}
	b, err := r.Pack()
	if err != nil {
		panic(err)
	}
	return b
}

func TestServer_truncate(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := startService(t, ServerOpts{Handler: bigHandler{}, Metrics: NewMetrics(reg)})

	tests := []struct {
		name      string
		udpSize   uint16
		wantTrunc bool
	}{
		{"no edns", 0, true},
		{"edns 512", 512, true},
		{"edns 4096", 4096, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			q := new(dns.Msg)
			q.SetQuestion("big.example.", dns.TypeA)
			q.Id = 0x4242
			if tt.udpSize > 0 {
				q.SetEdns0(tt.udpSize, false)
			}
			b, err := q.Pack()
			require.NoError(t, err)

			resp := exchange(t, s.Addr(), b)
			m := new(dns.Msg)
			require.NoError(t, m.Unpack(resp))
			assert.Equal(t, uint16(0x4242), m.Id)
			assert.Equal(t, tt.wantTrunc, m.Truncated)
			if tt.wantTrunc {
				assert.LessOrEqual(t, len(resp), 512)
				assert.Less(t, len(m.Answer), 64)
			} else {
				assert.Len(t, m.Answer, 64)
			}
		})
	}
	assert.Equal(t, 2.0, counterValue(t, reg, "server_truncated_total"))
}
