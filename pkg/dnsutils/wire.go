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

package dnsutils

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

const headerSize = 12

var (
	// ErrMalformed is returned for truncated or otherwise undecodable messages.
	ErrMalformed = errors.New("malformed dns message")
)

// Decode unpacks a wire format message. The returned error always wraps ErrMalformed.
func Decode(b []byte) (*dns.Msg, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformed, len(b))
	}
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// IDOf returns the transaction id in b, or 0 if b is too short to carry one.
func IDOf(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(b[:2])
}

// RewriteID returns a copy of b whose transaction id is id.
// b itself is never modified, so it is safe to pass cached buffers.
func RewriteID(b []byte, id uint16) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	if len(c) >= 2 {
		binary.BigEndian.PutUint16(c[:2], id)
	}
	return c
}

// BuildReply builds a header-only response carrying id and rcode
// with QR and RA set.
func BuildReply(id uint16, rcode int) []byte {
	b := make([]byte, headerSize)
	binary.BigEndian.PutUint16(b[:2], id)
	b[2] = 0x80                    // QR
	b[3] = 0x80 | byte(rcode&0x0f) // RA, RCODE
	return b
}

// BuildServFail builds a minimal SERVFAIL response for id.
func BuildServFail(id uint16) []byte {
	return BuildReply(id, dns.RcodeServerFailure)
}

// ExtractTTL returns the TTL of the first record in the answer section of b.
// If the answer section is empty or b cannot be parsed, defaultTTL is returned.
// A TTL with the most significant bit set is read as 0 (RFC 2181 section 8).
func ExtractTTL(b []byte, defaultTTL uint32) uint32 {
	if len(b) < headerSize {
		return defaultTTL
	}
	qdCount := int(binary.BigEndian.Uint16(b[4:6]))
	anCount := int(binary.BigEndian.Uint16(b[6:8]))
	if anCount == 0 {
		return defaultTTL
	}

	off := headerSize
	var err error
	for i := 0; i < qdCount; i++ {
		if off, err = skipName(b, off); err != nil {
			return defaultTTL
		}
		off += 4 // Type(2) + Class(2)
	}

	if off, err = skipName(b, off); err != nil {
		return defaultTTL
	}
	// TYPE(2) + CLASS(2) + TTL(4) + RDLEN(2)
	if off+10 > len(b) {
		return defaultTTL
	}
	rdLen := int(binary.BigEndian.Uint16(b[off+8 : off+10]))
	if off+10+rdLen > len(b) {
		return defaultTTL
	}
	ttl := binary.BigEndian.Uint32(b[off+4 : off+8])
	if ttl&0x80000000 != 0 {
		return 0
	}
	return ttl
}

func skipName(msg []byte, off int) (int, error) {
	for {
		if off >= len(msg) {
			return 0, ErrMalformed
		}
		c := msg[off]
		if c == 0 {
			return off + 1, nil
		}
		if c&0xC0 == 0xC0 { // Pointer
			if off+2 > len(msg) {
				return 0, ErrMalformed
			}
			return off + 2, nil
		}
		if c&0xC0 != 0 { // Restricted label type (RFC 1682/1035)
			return 0, ErrMalformed
		}
		l := int(c)
		if off+1+l > len(msg) {
			return 0, ErrMalformed
		}
		off += l + 1
	}
}

// HeaderInfo contains basic information from a DNS header.
type HeaderInfo struct {
	ID       uint16
	Response bool
	Rcode    int
	QDCount  uint16
	ANCount  uint16
}

// GetHeaderInfo parses the DNS header without allocations.
func GetHeaderInfo(msg []byte) (HeaderInfo, error) {
	if len(msg) < headerSize {
		return HeaderInfo{Rcode: -1}, ErrMalformed
	}
	return HeaderInfo{
		ID:       binary.BigEndian.Uint16(msg[0:2]),
		Response: msg[2]&0x80 != 0,
		Rcode:    int(msg[3] & 0xF),
		QDCount:  binary.BigEndian.Uint16(msg[4:6]),
		ANCount:  binary.BigEndian.Uint16(msg[6:8]),
	}, nil
}
