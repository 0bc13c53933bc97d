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

package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/fwdns/pkg/dnsutils"
)

const (
	defaultQueueSize     = 4096
	defaultBatchSize     = 64
	defaultFlushInterval = time.Second
	defaultSinkTimeout   = 5 * time.Second
)

type DispatcherOpts struct {
	// QueueSize is the number of outcomes that can wait for delivery.
	// Outcomes beyond it are dropped. Default is 4096.
	QueueSize int

	// BatchSize and FlushInterval bound how long outcomes are buffered
	// before they are written to the sinks. Defaults are 64 and 1s.
	BatchSize     int
	FlushInterval time.Duration

	// SinkTimeout bounds a single Sink.Write call. Default is 5s.
	SinkTimeout time.Duration

	Logger *zap.Logger
}

func (o *DispatcherOpts) init() {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = defaultSinkTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Dispatcher is a Recorder that delivers outcomes to sinks from a
// single background goroutine. Sink failures are logged and dropped.
type Dispatcher struct {
	opts  DispatcherOpts
	sinks []Sink

	mu      sync.RWMutex
	closed  bool
	queue   chan QueryOutcome
	done    chan struct{}
	dropped atomic.Uint64
}

var _ Recorder = (*Dispatcher)(nil)

func NewDispatcher(opts DispatcherOpts, sinks ...Sink) *Dispatcher {
	opts.init()
	d := &Dispatcher{
		opts:  opts,
		sinks: sinks,
		queue: make(chan QueryOutcome, opts.QueueSize),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Record enqueues o. It never blocks. If the queue is full or the
// dispatcher is closed, o is dropped.
func (d *Dispatcher) Record(o QueryOutcome) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- o:
	default:
		if d.dropped.Add(1)%1024 == 1 {
			d.opts.Logger.Warn("audit queue is full, outcomes dropped", zap.Uint64("dropped", d.dropped.Load()))
		}
	}
}

// Dropped returns the number of outcomes dropped because of a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting outcomes, flushes the queued ones and waits
// for the delivery goroutine to exit.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]QueryOutcome, 0, d.opts.BatchSize)
	for {
		select {
		case o, ok := <-d.queue:
			if !ok {
				d.flush(batch)
				return
			}
			if !o.ResponseIP.IsValid() && len(o.Answer) > 0 {
				o.ResponseIP, _ = dnsutils.FirstAnswerAddr(o.Answer)
			}
			batch = append(batch, o)
			if len(batch) >= d.opts.BatchSize {
				d.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				d.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (d *Dispatcher) flush(batch []QueryOutcome) {
	if len(batch) == 0 {
		return
	}
	for _, s := range d.sinks {
		if err := d.write(s, batch); err != nil {
			d.opts.Logger.Warn("failed to write query log", zap.Int("batch", len(batch)), zap.Error(err))
		}
	}
}

func (d *Dispatcher) write(s Sink, batch []QueryOutcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SinkTimeout)
	defer cancel()
	return s.Write(ctx, batch)
}
