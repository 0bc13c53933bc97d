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

package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// Buffers are pooled in power-of-two size classes from 512 bytes to
// 64KiB.
const (
	minClassShift = 9
	maxClassShift = 16
)

var bufPools [maxClassShift - minClassShift + 1]sync.Pool

func init() {
	for i := range bufPools {
		i := i
		size := 1 << (i + minClassShift)
		bufPools[i].New = func() any {
			return &Buffer{b: make([]byte, size), class: i}
		}
	}
}

// Buffer is a pooled byte slice. It must not be used after Release.
type Buffer struct {
	b     []byte
	n     int
	class int
}

// GetBuf returns a buffer whose Bytes has length size.
// It panics if size exceeds 64KiB.
func GetBuf(size int) *Buffer {
	if size < 0 || size > 1<<maxClassShift {
		panic(fmt.Sprintf("pool: invalid buffer size %d", size))
	}
	i := 0
	if size > 1<<minClassShift {
		i = bits.Len(uint(size-1)) - minClassShift
	}
	buf := bufPools[i].Get().(*Buffer)
	buf.n = size
	return buf
}

func (b *Buffer) Bytes() []byte {
	return b.b[:b.n]
}

// SetLen resizes Bytes within the buffer capacity.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.b) {
		panic(fmt.Sprintf("pool: invalid buffer length %d", n))
	}
	b.n = n
}

func (b *Buffer) Release() {
	bufPools[b.class].Put(b)
}
