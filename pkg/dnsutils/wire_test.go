package dnsutils

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnswer(t *testing.T, id uint16, name string, ttls ...uint32) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	q.Id = id
	r := new(dns.Msg)
	r.SetReply(q)
	for i, ttl := range ttls {
		r.Answer = append(r.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.IPv4(10, 0, 0, byte(i+1)),
		})
	}
	b, err := r.Pack()
	require.NoError(t, err)
	return b
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		b       []byte
		wantErr bool
	}{
		{"nil", nil, true},
		{"one byte", []byte{0x12}, true},
		{"short header", make([]byte, 11), true},
		{"header only", make([]byte, 12), false},
		{"truncated question", append(BuildReply(1, 0)[:4], 0, 1, 0, 0, 0, 0, 0, 0, 3, 'c', 'o'), true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode(tt.b)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, m)
		})
	}

	b := newAnswer(t, 0xbeef, "Example.COM", 60)
	m, err := Decode(b)
	require.NoError(t, err)
	name, qtype, ok := QuestionOf(m)
	require.True(t, ok)
	assert.Equal(t, "example.com", name)
	assert.Equal(t, dns.TypeA, qtype)
	assert.Equal(t, uint16(0xbeef), m.Id)
}

func TestExtractTTL(t *testing.T) {
	const def = 300
	tests := []struct {
		name string
		b    []byte
		want uint32
	}{
		{"first answer", newAnswer(t, 1, "example.com", 120, 30), 120},
		{"zero ttl", newAnswer(t, 1, "example.com", 0), 0},
		{"top bit set", newAnswer(t, 1, "example.com", 0x80000000), 0},
		{"max positive", newAnswer(t, 1, "example.com", 0x7fffffff), 0x7fffffff},
		{"no answer", newAnswer(t, 1, "example.com"), def},
		{"garbage", []byte{1, 2, 3}, def},
		{"servfail", BuildServFail(7), def},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTTL(tt.b, def))
		})
	}

	// Cut inside the first record: the answer count says 1 but rdata is missing.
	full := newAnswer(t, 1, "example.com", 45)
	assert.Equal(t, uint32(def), ExtractTTL(full[:len(full)-2], def))
}

func TestExtractTTL_compressed(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("a.example.com.", dns.TypeA)
	r := new(dns.Msg)
	r.SetReply(q)
	r.Compress = true
	r.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "a.example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 77},
		A:   net.IPv4(1, 2, 3, 4),
	}}
	b, err := r.Pack()
	require.NoError(t, err)
	assert.Equal(t, uint32(77), ExtractTTL(b, 300))
}

func TestBuildServFail(t *testing.T) {
	b := BuildServFail(0x1234)
	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), m.Id)
	assert.True(t, m.Response)
	assert.True(t, m.RecursionAvailable)
	assert.Equal(t, dns.RcodeServerFailure, m.Rcode)
	assert.Empty(t, m.Question)
	assert.Empty(t, m.Answer)

	h, err := GetHeaderInfo(b)
	require.NoError(t, err)
	assert.Equal(t, HeaderInfo{ID: 0x1234, Response: true, Rcode: dns.RcodeServerFailure}, h)
}

func TestRewriteID(t *testing.T) {
	orig := newAnswer(t, 0xaaaa, "example.com", 60)
	snapshot := append([]byte(nil), orig...)

	r1 := RewriteID(orig, 0x1111)
	r2 := RewriteID(orig, 0x2222)

	require.Equal(t, snapshot, orig, "source buffer must not be modified")
	assert.Equal(t, uint16(0x1111), IDOf(r1))
	assert.Equal(t, uint16(0x2222), IDOf(r2))
	assert.Equal(t, r1[2:], r2[2:])

	assert.Equal(t, []byte{9}, RewriteID([]byte{9}, 1))
}

func TestIDOf(t *testing.T) {
	assert.Equal(t, uint16(0), IDOf(nil))
	assert.Equal(t, uint16(0), IDOf([]byte{0xff}))
	assert.Equal(t, uint16(0xff01), IDOf([]byte{0xff, 0x01, 0x00}))
}
