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

// Package lru implements a size bounded least-recently-used map.
// It is not safe for concurrent use.
package lru

import (
	"fmt"
)

type LRU[K comparable, V any] struct {
	maxSize int

	// onEvict is only called when an entry is pushed out by Add.
	// Explicit deletions do not trigger it.
	onEvict func(key K, v V)

	l *list[kv[K, V]]
	m map[K]*elem[kv[K, V]]
}

type kv[K comparable, V any] struct {
	key K
	v   V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       new(list[kv[K, V]]),
		m:       make(map[K]*elem[kv[K, V]], maxSize),
	}
}

// Add inserts or replaces key. If the LRU is full, the oldest entry is
// evicted before Add returns.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.moveToBack(e)
		return
	}

	// Reuse the oldest element if full.
	if q.l.length >= q.maxSize {
		e := q.l.front
		oldKey, oldV := e.Value.key, e.Value.v
		delete(q.m, oldKey)

		e.Value.key = key
		e.Value.v = v
		q.m[key] = e
		q.l.moveToBack(e)

		if q.onEvict != nil {
			q.onEvict(oldKey, oldV)
		}
		return
	}

	e := &elem[kv[K, V]]{Value: kv[K, V]{key: key, v: v}}
	q.m[key] = e
	q.l.pushBack(e)
}

// Get returns the value of key and marks it as recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.moveToBack(e)
	return e.Value.v, true
}

// Peek is like Get but does not update the recency of key.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) (ok bool) {
	e := q.m[key]
	if e == nil {
		return false
	}
	q.l.remove(e)
	delete(q.m, key)
	return true
}

// Clean removes all entries for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.front
	for e != nil {
		next := e.next
		if f(e.Value.key, e.Value.v) {
			q.l.remove(e)
			delete(q.m, e.Value.key)
			removed++
		}
		e = next
	}
	return
}

// Range calls f for each entry from the oldest to the newest until f returns false.
func (q *LRU[K, V]) Range(f func(key K, v V) bool) {
	for e := q.l.front; e != nil; e = e.next {
		if !f(e.Value.key, e.Value.v) {
			return
		}
	}
}

// Flush removes all entries.
func (q *LRU[K, V]) Flush() {
	q.l = new(list[kv[K, V]])
	q.m = make(map[K]*elem[kv[K, V]], q.maxSize)
}

func (q *LRU[K, V]) Len() int {
	return q.l.length
}

func (q *LRU[K, V]) MaxSize() int {
	return q.maxSize
}
