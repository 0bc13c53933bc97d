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

package cache

import (
	"fmt"
	"strings"

	"github.com/pmkol/fwdns/pkg/dnsutils"
)

// Key identifies a cached answer. Domain is expected to be normalized
// (lower case, no trailing dot) by the caller.
type Key struct {
	Domain string
	Qtype  uint16
}

func NewKey(domain string, qtype uint16) Key {
	return Key{Domain: dnsutils.NormalizeName(domain), Qtype: qtype}
}

// String renders k as "name:TYPE", e.g. "example.com:A".
func (k Key) String() string {
	return k.Domain + ":" + dnsutils.QtypeToString(k.Qtype)
}

// ParseKey parses the output of Key.String. The type part may be a
// mnemonic or a decimal number.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Key{}, fmt.Errorf("invalid cache key %q", s)
	}
	qtype, ok := dnsutils.StringToQtype(s[i+1:])
	if !ok {
		return Key{}, fmt.Errorf("invalid query type in cache key %q", s)
	}
	return NewKey(s[:i], qtype), nil
}
