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

package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/fwdns/pkg/audit"
	"github.com/pmkol/fwdns/pkg/cache"
	"github.com/pmkol/fwdns/pkg/config"
	"github.com/pmkol/fwdns/pkg/resolver"
	"github.com/pmkol/fwdns/pkg/safe_close"
	"github.com/pmkol/fwdns/pkg/server"
	"github.com/pmkol/fwdns/pkg/upstream"
)

const purgeInterval = time.Hour

type FwDNS struct {
	logger *zap.Logger

	store      *config.Store
	cache      *cache.Cache
	resolver   *resolver.Resolver
	dispatcher *audit.Dispatcher
	sqlite     *audit.SQLiteStore
	redis      *audit.RedisSink
	udp        *server.Service

	apiAddr       string
	httpAPIMux    *http.ServeMux
	httpAPIServer *http.Server

	metricsReg *prometheus.Registry

	reloadMu sync.Mutex
	sc       *safe_close.SafeClose
}

// NewFwDNS builds every component from cfg. Nothing listens until Start.
func NewFwDNS(cfg *Config, lg *zap.Logger) (_ *FwDNS, err error) {
	snap, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}

	m := &FwDNS{
		logger:     lg,
		store:      config.NewStore(snap),
		apiAddr:    cfg.API.HTTP,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()
	reg := m.GetMetricsReg()

	m.cache = cache.New(cache.Opts{
		MaxEntries:      snap.CacheMaxEntries,
		DefaultTTL:      snap.CacheDefaultTTL,
		CleanerInterval: time.Duration(cfg.Cache.CleanerInterval) * time.Second,
		Logger:          lg.Named("cache"),
	})
	if err := reg.Register(m.cache); err != nil {
		return nil, fmt.Errorf("failed to register cache metrics, %w", err)
	}

	sinks, err := m.initQueryLog(&cfg.QueryLog)
	if err != nil {
		return nil, err
	}
	m.dispatcher = audit.NewDispatcher(audit.DispatcherOpts{
		QueueSize: cfg.QueryLog.QueueSize,
		Logger:    lg.Named("query_log"),
	}, sinks...)

	m.resolver, err = resolver.New(resolver.Opts{
		Logger:    lg.Named("resolver"),
		Cache:     m.cache,
		Forwarder: upstream.NewForwarder(upstream.Opts{Logger: lg.Named("upstream")}),
		Config:    m.store,
		Recorder:  m.dispatcher,
		Metrics:   reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init resolver, %w", err)
	}

	m.udp = server.NewService(server.ServerOpts{
		Logger:      lg.Named("server"),
		Handler:     m.resolver,
		Concurrency: cfg.Concurrency,
		QueueSize:   cfg.QueueSize,
		Config:      m.store,
		Metrics:     server.NewMetrics(reg),
	})

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	m.registerAPI(m.httpAPIMux)
	return m, nil
}

// initQueryLog opens the configured query log sinks. Without sqlite or
// redis, outcomes are written to the logger.
func (m *FwDNS) initQueryLog(qc *QueryLogConfig) ([]audit.Sink, error) {
	var sinks []audit.Sink
	if p := qc.SQLite.Path; len(p) > 0 {
		s, err := audit.NewSQLiteStore(p, qc.SQLite.RetentionDays)
		if err != nil {
			return nil, err
		}
		m.sqlite = s
		sinks = append(sinks, s)
	}
	if u := qc.Redis.URL; len(u) > 0 {
		opt, err := redis.ParseURL(u)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		c := redis.NewClient(opt)
		s, err := audit.NewRedisSink(audit.RedisSinkOpts{
			Client:       c,
			ClientCloser: c,
			Key:          qc.Redis.Key,
			MaxLen:       qc.Redis.MaxLen,
			Logger:       m.logger.Named("redis"),
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		m.redis = s
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, &audit.LogSink{Logger: m.logger.Named("query")})
	}
	return sinks, nil
}

// Start starts the udp server, the api server and the background jobs.
func (m *FwDNS) Start() error {
	if err := m.udp.Start(m.store.Snapshot().Listen); err != nil {
		return err
	}

	if httpAddr := m.apiAddr; len(httpAddr) > 0 {
		m.httpAPIServer = &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		httpServer := m.httpAPIServer
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	if m.sqlite != nil {
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			ticker := time.NewTicker(purgeInterval)
			defer ticker.Stop()
			for {
				m.purgeQueryLog()
				select {
				case <-ticker.C:
				case <-closeSignal:
					return
				}
			}
		})
	}
	return nil
}

func (m *FwDNS) purgeQueryLog() {
	ctx, cancel := context.WithTimeout(m.sc.Context(), time.Minute)
	defer cancel()
	n, err := m.sqlite.Purge(ctx)
	if err != nil {
		m.logger.Warn("failed to purge query log", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("query log purged", zap.Int64("removed", n))
	}
}

// Run starts m and blocks until a close signal, SIGINT or SIGTERM.
func (m *FwDNS) Run() error {
	if err := m.Start(); err != nil {
		m.Close()
		return err
	}

	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			m.logger.Info("signal received", zap.Stringer("signal", sig))
			m.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	<-m.sc.ReceiveCloseSignal()
	m.Close()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

// Shutdown asks a running m to exit and waits until it did.
func (m *FwDNS) Shutdown() {
	m.sc.CloseWait()
}

// Close stops the udp server and releases every component. It does
// not wait for goroutines attached to m's SafeClose.
func (m *FwDNS) Close() {
	if m.udp != nil {
		m.udp.Stop()
	}
	if m.dispatcher != nil {
		_ = m.dispatcher.Close()
	}
	if m.sqlite != nil {
		if err := m.sqlite.Close(); err != nil {
			m.logger.Warn("failed to close query log db", zap.Error(err))
		}
	}
	if m.redis != nil {
		_ = m.redis.Close()
	}
	if m.cache != nil {
		_ = m.cache.Close()
	}
}

// Reload applies cfg. Upstreams, policy, retries, ACL and switches take
// effect immediately. A new listen address restarts the udp server.
// Cache bounds are only applied on restart.
func (m *FwDNS) Reload(cfg *Config) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	snap, err := cfg.Snapshot()
	if err != nil {
		return err
	}
	old := m.store.Swap(snap)

	if old.CacheMaxEntries != snap.CacheMaxEntries || old.CacheDefaultTTL != snap.CacheDefaultTTL {
		m.logger.Info("cache bounds changed, restart to apply",
			zap.Int("max_entries", snap.CacheMaxEntries), zap.Uint32("default_ttl", snap.CacheDefaultTTL))
	}

	if old.Listen != snap.Listen && m.udp.IsRunning() {
		if err := m.udp.Restart(snap.Listen); err != nil {
			m.logger.Error("failed to restart udp server, keeping the old address", zap.String("listen", snap.Listen), zap.Error(err))
			// Publish the address actually served so that the next reload
			// retries the new one.
			kept := *snap
			kept.Listen = old.Listen
			m.store.Swap(&kept)
			if err2 := m.udp.Start(old.Listen); err2 != nil {
				return errors.Join(err, err2)
			}
			return err
		}
	}
	m.logger.Info("config reloaded", zap.Int("upstreams", len(snap.Upstreams)))
	return nil
}

func (m *FwDNS) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *FwDNS) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("fwdns_", m.metricsReg)
}

func (m *FwDNS) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func (m *FwDNS) Resolver() *resolver.Resolver {
	return m.resolver
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
