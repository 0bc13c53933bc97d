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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type RedisSinkOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisSink.Close is called.
	// Optional.
	ClientCloser io.Closer

	// Key of the redis list. Default is "fwdns:queries".
	Key string

	// MaxLen caps the list length. Default is 10000.
	MaxLen int64

	Logger *zap.Logger
}

func (opts *RedisSinkOpts) init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if len(opts.Key) == 0 {
		opts.Key = "fwdns:queries"
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 10000
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

// RedisSink pushes outcomes as JSON onto a capped redis list, newest
// first. While redis is unreachable, batches are dropped.
type RedisSink struct {
	opts           RedisSinkOpts
	clientDisabled uint32
}

var _ Sink = (*RedisSink)(nil)

func NewRedisSink(opts RedisSinkOpts) (*RedisSink, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &RedisSink{opts: opts}, nil
}

func (r *RedisSink) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisSink) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func (r *RedisSink) Write(ctx context.Context, batch []QueryOutcome) error {
	if r.disabled() || len(batch) == 0 {
		return nil
	}

	values := make([]any, 0, len(batch))
	for i := range batch {
		b, err := json.Marshal(&batch[i])
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		values = append(values, string(b))
	}

	if err := r.opts.Client.LPush(ctx, r.opts.Key, values...).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis lpush: %w", err)
	}
	if err := r.opts.Client.LTrim(ctx, r.opts.Key, 0, r.opts.MaxLen-1).Err(); err != nil {
		r.disableClient()
		return fmt.Errorf("redis ltrim: %w", err)
	}
	return nil
}

// Recent returns up to n most recent outcomes.
func (r *RedisSink) Recent(ctx context.Context, n int64) ([]QueryOutcome, error) {
	if n <= 0 {
		return nil, nil
	}
	l, err := r.opts.Client.LRange(ctx, r.opts.Key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	res := make([]QueryOutcome, 0, len(l))
	for _, s := range l {
		var o QueryOutcome
		if err := json.Unmarshal([]byte(s), &o); err != nil {
			r.opts.Logger.Warn("invalid query log entry in redis", zap.Error(err))
			continue
		}
		res = append(res, o)
	}
	return res, nil
}

func (r *RedisSink) Close() error {
	if r.opts.ClientCloser != nil {
		return r.opts.ClientCloser.Close()
	}
	return nil
}
