/*
 * Copyright 2024 The jmpapi Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package jmpapi

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// datasources owns every connected PostgreSQL pool named under the
// top-level "datasources" config key, and the per-datasource timeout (if
// any) that withConn/withTx/acquire apply to every operation against it.
type datasources struct {
	logger   zerolog.Logger
	pools    sync.Map
	timeouts sync.Map
	bgctx    context.Context
}

// start connects to every non-lazy datasource concurrently: unlike the
// teacher's sequential loop, connections are independent I/O so they're
// fanned out with an errgroup, the same pattern used elsewhere in the
// retrieval pack for parallel service dial-up. The first connection
// failure cancels the group and stops whatever already connected.
func (d *datasources) start(bgctx context.Context, sources []Datasource) error {
	d.bgctx = bgctx

	g, gctx := errgroup.WithContext(bgctx)
	for i := range sources {
		s := &sources[i]
		if s.Pool != nil && s.Pool.Lazy {
			continue
		}
		g.Go(func() error {
			pool, err := dsconnect(gctx, s)
			if err != nil {
				d.logger.Error().Str("datasource", s.Name).Err(err).Msg("failed to connect to datasource")
				return fmt.Errorf("datasource %q: %w", s.Name, err)
			}
			d.logger.Info().Str("datasource", s.Name).Msg("successfully connected to datasource")
			d.pools.Store(s.Name, pool)
			if s.Timeout != nil && *s.Timeout > 0 {
				d.timeouts.Store(s.Name, time.Duration(*s.Timeout*float64(time.Second)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.stop()
		return err
	}

	// lazy datasources get their pool created (but not connected) so
	// withConn/acquire can still find it; pgxpool dials on first use.
	for i := range sources {
		s := &sources[i]
		if s.Pool == nil || !s.Pool.Lazy {
			continue
		}
		pool, err := dsconnectLazy(s)
		if err != nil {
			d.logger.Error().Str("datasource", s.Name).Err(err).Msg("failed to configure lazy datasource")
			d.stop()
			return err
		}
		d.pools.Store(s.Name, pool)
		if s.Timeout != nil && *s.Timeout > 0 {
			d.timeouts.Store(s.Name, time.Duration(*s.Timeout*float64(time.Second)))
		}
	}
	return nil
}

func dsconnect(ctx context.Context, s *Datasource) (pool *pgxpool.Pool, err error) {
	cfg, err := ds2cfg(s)
	if err != nil {
		return
	}

	if s.Timeout != nil && *s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*s.Timeout*float64(time.Second)))
		defer cancel()
	}

	pool, err = pgxpool.ConnectConfig(ctx, cfg)
	return
}

func dsconnectLazy(s *Datasource) (*pgxpool.Pool, error) {
	cfg, err := ds2cfg(s)
	if err != nil {
		return nil, err
	}
	cfg.LazyConnect = true
	return pgxpool.ConnectConfig(context.Background(), cfg)
}

func ds2cfg(s *Datasource) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(ds2url(s))
	if err != nil {
		return nil, err
	}

	if s.PreferSimpleProtocol {
		cfg.ConnConfig.PreferSimpleProtocol = true
	}

	if p := s.Pool; p != nil {
		if p.MinConns != nil && *p.MinConns > 0 && *p.MinConns <= math.MaxInt32 {
			cfg.MinConns = int32(*p.MinConns)
		}
		if p.MaxConns != nil && *p.MaxConns > 0 && *p.MaxConns <= math.MaxInt32 {
			cfg.MaxConns = int32(*p.MaxConns)
		}
		if p.MaxIdleTime != nil && *p.MaxIdleTime > 0 {
			cfg.MaxConnIdleTime = time.Duration(*p.MaxIdleTime * float64(time.Second))
		}
		if p.MaxConnectedTime != nil && *p.MaxConnectedTime > 0 {
			cfg.MaxConnLifetime = time.Duration(*p.MaxConnectedTime * float64(time.Second))
		}
		if p.Lazy {
			cfg.LazyConnect = true
		}
	}

	if len(s.Role) > 0 {
		// SET ROLE takes no bind parameter; s.Role is validated to contain
		// no special characters before this runs.
		role := s.Role
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET ROLE "+role); err != nil {
				return fmt.Errorf("failed to set role %q: %w", role, err)
			}
			return nil
		}
	}

	return cfg, nil
}

func ds2url(s *Datasource) string {
	params := make(url.Values)
	set := func(v, kw string) {
		if len(v) > 0 {
			params.Set(kw, v)
		}
	}
	set(s.Host, "host")         // query param, not userinfo
	set(s.User, "user")         // query param, not userinfo
	set(s.Password, "password") // query param, not userinfo
	set(s.Database, "dbname")   // query param, not userinfo
	set(s.Passfile, "passfile")
	set(s.SSLMode, "sslmode")
	set(s.SSLCert, "sslcert")
	set(s.SSLKey, "sslkey")
	set(s.SSLRootCert, "sslrootcert")
	for k, v := range s.Params {
		params.Set(k, v)
	}

	if s.Timeout != nil && *s.Timeout > 0 {
		params.Set("connect_timeout", strconv.Itoa(int(math.Round(*s.Timeout))))
	}

	return "postgres://?" + params.Encode()
}

func (d *datasources) get(name string) (*pgxpool.Pool, error) {
	v, ok := d.pools.Load(name)
	if !ok || v == nil {
		return nil, NewKeyError(fmt.Sprintf("datasource %q not found", name), nil)
	}
	pool, _ := v.(*pgxpool.Pool)
	return pool, nil
}

func (d *datasources) withConn(name string, cb func(conn *pgxpool.Conn) error) error {
	pool, err := d.get(name)
	if err != nil {
		return err
	}

	ctx := d.bgctx
	if t, ok := d.timeouts.Load(name); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.(time.Duration))
		defer cancel()
	}

	return pool.AcquireFunc(ctx, cb)
}

func (d *datasources) acquire(name string, timeout time.Duration) (*pgxpool.Conn, error) {
	pool, err := d.get(name)
	if err != nil {
		return nil, err
	}

	ctx := d.bgctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else if t, ok := d.timeouts.Load(name); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.(time.Duration))
		defer cancel()
	}

	return pool.Acquire(ctx)
}

func (d *datasources) hijack(name string) (conn *pgx.Conn, err error) {
	pool, err := d.get(name)
	if err != nil {
		return nil, err
	}

	poolConn, err := pool.Acquire(d.bgctx)
	if err != nil {
		return
	}

	conn = poolConn.Hijack()
	return
}

// querier is implemented by both *pgxpool.Conn and pgx.Tx, letting
// withTx's callback run against either a plain connection or a
// transaction without caring which.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (d *datasources) withTx(name string, txopt *TxOptions, cb func(q querier) error) error {
	if txopt == nil {
		return d.withConn(name, func(conn *pgxpool.Conn) error { return cb(conn) })
	}

	pool, err := d.get(name)
	if err != nil {
		return err
	}

	ctx := d.bgctx
	if t, ok := d.timeouts.Load(name); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.(time.Duration))
		defer cancel()
	}

	opt := pgx.TxOptions{
		AccessMode:     pgx.TxAccessMode(strings.ToLower(txopt.Access)),
		IsoLevel:       pgx.TxIsoLevel(strings.ToLower(txopt.ISOLevel)),
		DeferrableMode: pgx.TxDeferrableMode(pick(txopt.Deferrable, "deferrable", "not deferrable")),
	}
	return pool.BeginTxFunc(ctx, opt, func(tx pgx.Tx) error { return cb(tx) })
}

func (d *datasources) stop() {
	d.pools.Range(func(k, v any) bool {
		name, _ := k.(string)
		pool, _ := v.(*pgxpool.Pool)
		pool.Close()
		d.logger.Info().Str("datasource", name).Msg("datasource connection pool closed")
		return true
	})
}

// pick returns a if cond else b; a small generic ternary used for the pgx
// deferrable-mode conversion above.
func pick[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}
