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
	"time"

	"github.com/pmkol/fwdns/mlog"
	"github.com/pmkol/fwdns/pkg/config"
)

type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include,omitempty"`

	Listen         string           `yaml:"listen"`
	Concurrency    int              `yaml:"concurrency"`
	QueueSize      int              `yaml:"queue_size"`
	AllowedClients []string         `yaml:"allowed_clients,omitempty"`
	UpstreamPolicy string           `yaml:"upstream_policy"`
	RetryCount     int              `yaml:"retry_count"`
	DefaultTimeout int              `yaml:"default_timeout"` // ms
	Upstreams      []UpstreamConfig `yaml:"upstreams"`

	Cache    CacheConfig    `yaml:"cache"`
	QueryLog QueryLogConfig `yaml:"query_log"`
	API      APIConfig      `yaml:"api"`
}

type UpstreamConfig struct {
	Addr     string       `yaml:"addr"`
	Port     uint16       `yaml:"port,omitempty"`
	Timeout  int          `yaml:"timeout,omitempty"` // ms
	Enabled  *bool        `yaml:"enabled,omitempty"` // default true
	Priority int          `yaml:"priority"`
	Proxy    *ProxyConfig `yaml:"proxy,omitempty"`
}

type ProxyConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type CacheConfig struct {
	Enabled         *bool  `yaml:"enabled,omitempty"` // default true
	MaxEntries      int    `yaml:"max_entries"`
	DefaultTTL      uint32 `yaml:"default_ttl"`
	CleanerInterval int    `yaml:"cleaner_interval"` // seconds
}

type QueryLogConfig struct {
	Enabled   bool            `yaml:"enabled"`
	QueueSize int             `yaml:"queue_size"`
	SQLite    SQLiteLogConfig `yaml:"sqlite"`
	Redis     RedisLogConfig  `yaml:"redis"`
}

type SQLiteLogConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type RedisLogConfig struct {
	URL    string `yaml:"url"`
	Key    string `yaml:"key"`
	MaxLen int64  `yaml:"max_len"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// setDefaults fills zero values so that a dump of cfg shows the
// effective config.
func (cfg *Config) setDefaults() {
	if len(cfg.Listen) == 0 {
		cfg.Listen = config.DefaultListen
	}
	if len(cfg.UpstreamPolicy) == 0 {
		cfg.UpstreamPolicy = config.PolicyPriority
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = int(config.DefaultTimeout / time.Millisecond)
	}
	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		if u.Port == 0 {
			u.Port = config.DefaultPort
		}
		if u.Timeout <= 0 {
			u.Timeout = cfg.DefaultTimeout
		}
		if u.Enabled == nil {
			u.Enabled = boolPtr(true)
		}
	}
	if cfg.Cache.Enabled == nil {
		cfg.Cache.Enabled = boolPtr(true)
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = config.DefaultMaxEntries
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = config.DefaultDefaultTTL
	}
	if cfg.Cache.CleanerInterval == 0 {
		cfg.Cache.CleanerInterval = 60
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// Snapshot builds and validates the runtime snapshot of cfg.
func (cfg *Config) Snapshot() (*config.Snapshot, error) {
	cfg.setDefaults()

	acl, err := config.BuildIPSet(cfg.AllowedClients)
	if err != nil {
		return nil, err
	}

	s := &config.Snapshot{
		Listen:          cfg.Listen,
		Policy:          cfg.UpstreamPolicy,
		RetryCount:      cfg.RetryCount,
		CacheEnabled:    *cfg.Cache.Enabled,
		CacheMaxEntries: cfg.Cache.MaxEntries,
		CacheDefaultTTL: cfg.Cache.DefaultTTL,
		QueryLogEnabled: cfg.QueryLog.Enabled,
		AllowedClients:  acl,
	}
	for _, uc := range cfg.Upstreams {
		u := config.UpstreamServer{
			Address:  uc.Addr,
			Port:     uc.Port,
			Timeout:  time.Duration(uc.Timeout) * time.Millisecond,
			Enabled:  *uc.Enabled,
			Priority: uc.Priority,
		}
		if p := uc.Proxy; p != nil {
			u.Proxy = &config.ProxyDescriptor{
				Type:     p.Type,
				Host:     p.Host,
				Port:     p.Port,
				Username: p.Username,
				Password: p.Password,
			}
		}
		s.Upstreams = append(s.Upstreams, u)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
