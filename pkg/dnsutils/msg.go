package dnsutils

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// QuestionOf returns the name and type of the first question in m.
// The name is lower-cased and has its trailing dot removed, except for the root.
func QuestionOf(m *dns.Msg) (name string, qtype uint16, ok bool) {
	if m == nil || len(m.Question) == 0 {
		return "", 0, false
	}
	q := m.Question[0]
	return NormalizeName(q.Name), q.Qtype, true
}

// NormalizeName case-folds name and strips the trailing dot.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	if len(name) > 1 {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// GetMinimalTTL returns the smallest TTL in the message, skipping OPT records.
func GetMinimalTTL(m *dns.Msg) uint32 {
	minTTL := ^uint32(0)
	hasRecord := false
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype != dns.TypeOPT {
				hasRecord = true
				if hdr.Ttl < minTTL {
					minTTL = hdr.Ttl
				}
			}
		}
	}
	if !hasRecord {
		return 0
	}
	return minTTL
}

// AnswerAddrs returns every A and AAAA address in the answer section of m.
func AnswerAddrs(m *dns.Msg) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range m.Answer {
		var ip []byte
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs
}

// FirstAnswerAddr unpacks b and returns its first A/AAAA answer.
func FirstAnswerAddr(b []byte) (netip.Addr, bool) {
	m, err := Decode(b)
	if err != nil {
		return netip.Addr{}, false
	}
	addrs := AnswerAddrs(m)
	if len(addrs) == 0 {
		return netip.Addr{}, false
	}
	return addrs[0], true
}

// --- Helpers ---

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func RcodeToString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return strconv.Itoa(rcode)
}

// StringToQtype parses a type mnemonic ("A", "aaaa") or a decimal number.
func StringToQtype(s string) (uint16, bool) {
	if t, ok := dns.StringToType[strings.ToUpper(s)]; ok {
		return t, true
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}
