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
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const defaultRetentionDays = 7

// Record is a persisted QueryOutcome.
type Record struct {
	ID int64 `json:"id"`
	QueryOutcome
}

// QueryFilter selects records. Zero values match everything.
type QueryFilter struct {
	Domain   string
	CacheHit *bool
	Since    time.Time
	Limit    int
}

type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// SQLiteStore is a Sink that keeps query records in a sqlite database.
type SQLiteStore struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
	now           func() time.Time
}

var _ Sink = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string, retentionDays int) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create query log dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open query log db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS query_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			domain TEXT NOT NULL,
			qtype INTEGER NOT NULL,
			cache_hit INTEGER NOT NULL,
			response_time_us INTEGER NOT NULL,
			rcode INTEGER NOT NULL,
			upstream TEXT,
			client_ip TEXT,
			response_ip TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_query_records_ts ON query_records(ts);
		CREATE INDEX IF NOT EXISTS idx_query_records_domain ON query_records(domain);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create query log table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	return &SQLiteStore{db: db, retentionDays: retentionDays, now: time.Now}, nil
}

func (s *SQLiteStore) Write(ctx context.Context, batch []QueryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_records (ts, domain, qtype, cache_hit, response_time_us, rcode, upstream, client_ip, response_ip)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range batch {
		_, err := stmt.ExecContext(ctx,
			o.Timestamp.UnixMilli(), o.Domain, o.Qtype, o.CacheHit, o.ResponseTime.Microseconds(),
			o.Rcode, o.Upstream, addrString(o.Client), addrString(o.ResponseIP))
		if err != nil {
			return fmt.Errorf("insert query record: %w", err)
		}
	}
	return tx.Commit()
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// Query returns records matching f, newest first.
func (s *SQLiteStore) Query(ctx context.Context, f QueryFilter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, ts, domain, qtype, cache_hit, response_time_us, rcode, upstream, client_ip, response_ip
		FROM query_records WHERE ts >= ?`
	args := []any{f.Since.UnixMilli()}
	if f.Domain != "" {
		query += " AND domain = ?"
		args = append(args, f.Domain)
	}
	if f.CacheHit != nil {
		query += " AND cache_hit = ?"
		args = append(args, *f.CacheHit)
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                              Record
			ts, rtUs                       int64
			upstream, clientIP, responseIP sql.NullString
		)
		err := rows.Scan(&r.ID, &ts, &r.Domain, &r.Qtype, &r.CacheHit, &rtUs, &r.Rcode, &upstream, &clientIP, &responseIP)
		if err != nil {
			return nil, fmt.Errorf("scan query record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		r.ResponseTime = time.Duration(rtUs) * time.Microsecond
		r.Upstream = upstream.String
		r.Client, _ = netip.ParseAddr(clientIP.String)
		r.ResponseIP, _ = netip.ParseAddr(responseIP.String)
		records = append(records, r)
	}
	return records, rows.Err()
}

// HitRate returns the share of cache hits among records since t.
func (s *SQLiteStore) HitRate(ctx context.Context, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, hits sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), SUM(cache_hit) FROM query_records WHERE ts >= ?", since.UnixMilli(),
	).Scan(&total, &hits)
	if err != nil {
		return 0, fmt.Errorf("query hit rate: %w", err)
	}
	if total.Int64 == 0 {
		return 0, nil
	}
	return float64(hits.Int64) / float64(total.Int64), nil
}

// TopDomains returns the n most queried domains since t.
func (s *SQLiteStore) TopDomains(ctx context.Context, since time.Time, n int) ([]DomainCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, COUNT(*) AS c FROM query_records WHERE ts >= ?
		GROUP BY domain ORDER BY c DESC, domain ASC LIMIT ?
	`, since.UnixMilli(), n)
	if err != nil {
		return nil, fmt.Errorf("query top domains: %w", err)
	}
	defer rows.Close()

	var res []DomainCount
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan top domain: %w", err)
		}
		res = append(res, dc)
	}
	return res, rows.Err()
}

// Purge removes records older than the retention period.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.ExecContext(ctx, "DELETE FROM query_records WHERE ts < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge query records: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM query_records").Scan(&count)
	return count, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
