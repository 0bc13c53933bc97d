package dnsutils

import (
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeName("EXAMPLE.com."))
	assert.Equal(t, "example.com", NormalizeName("example.com"))
	assert.Equal(t, ".", NormalizeName("."))
}

func TestAnswerAddrs(t *testing.T) {
	r := new(dns.Msg)
	r.SetQuestion("example.com.", dns.TypeA)
	r.Answer = []dns.RR{
		&dns.CNAME{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 10}, Target: "x.example.net."},
		&dns.A{Hdr: dns.RR_Header{Name: "x.example.net.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 10}, A: net.IPv4(192, 0, 2, 1)},
		&dns.AAAA{Hdr: dns.RR_Header{Name: "x.example.net.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 10}, AAAA: net.ParseIP("2001:db8::1")},
	}
	addrs := AnswerAddrs(r)
	require.Len(t, addrs, 2)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), addrs[0])
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), addrs[1])

	b, err := r.Pack()
	require.NoError(t, err)
	addr, ok := FirstAnswerAddr(b)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", addr.String())

	_, ok = FirstAnswerAddr(BuildServFail(1))
	assert.False(t, ok)
}

func TestGetMinimalTTL(t *testing.T) {
	r := new(dns.Msg)
	assert.Equal(t, uint32(0), GetMinimalTTL(r))
	r.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "a.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 50}, A: net.IPv4(1, 1, 1, 1)},
		&dns.A{Hdr: dns.RR_Header{Name: "a.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 20}, A: net.IPv4(1, 1, 1, 2)},
	}
	r.SetEdns0(1232, false)
	assert.Equal(t, uint32(20), GetMinimalTTL(r))
}

func TestStringToQtype(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
		ok   bool
	}{
		{"A", dns.TypeA, true},
		{"aaaa", dns.TypeAAAA, true},
		{"65", 65, true},
		{"NOPE", 0, false},
	}
	for _, tt := range tests {
		got, ok := StringToQtype(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.Equal(t, "AAAA", QtypeToString(dns.TypeAAAA))
	assert.Equal(t, "65280", QtypeToString(65280))
	assert.Equal(t, "SERVFAIL", RcodeToString(dns.RcodeServerFailure))
}
