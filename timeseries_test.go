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
	"encoding/json"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func putSample(t *testing.T, ts *timeseries, when time.Time, value any) {
	t.Helper()
	payload, err := json.Marshal(value)
	require.NoError(t, err)
	key := ts.contentKey() + ":" + when.UTC().Format(timestampKeyLayout)
	require.NoError(t, ts.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	}))
}

func TestTimeseriesContentKeyIsStableForSameSQL(t *testing.T) {
	db := openTestBadger(t)
	ts, err := newTimeseries("series", TimeseriesDef{Period: "1h", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.NoError(t, err)
	ts2, err := newTimeseries("other-name", TimeseriesDef{Period: "1h", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, ts.contentKey(), ts2.contentKey())
}

func TestTimeseriesContentKeyDiffersForDifferentSQL(t *testing.T) {
	db := openTestBadger(t)
	ts, err := newTimeseries("series", TimeseriesDef{Period: "1h", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.NoError(t, err)
	ts2, err := newTimeseries("series", TimeseriesDef{Period: "1h", SQL: "select 2"}, nil, db, zerolog.Nop())
	require.NoError(t, err)
	require.NotEqual(t, ts.contentKey(), ts2.contentKey())
}

func TestNewTimeseriesRejectsBadPeriod(t *testing.T) {
	db := openTestBadger(t)
	_, err := newTimeseries("series", TimeseriesDef{Period: "not-a-duration", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.Error(t, err)
}

func TestTimeseriesHistoryMostRecentFirst(t *testing.T) {
	db := openTestBadger(t)
	ts, err := newTimeseries("series", TimeseriesDef{Period: "1h", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	putSample(t, ts, base, "first")
	putSample(t, ts, base.Add(time.Minute), "second")
	putSample(t, ts, base.Add(2*time.Minute), "third")

	entries, err := ts.history(time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "third", entries[0].Value)
	require.Equal(t, "second", entries[1].Value)
	require.Equal(t, "first", entries[2].Value)
}

func TestTimeseriesHistoryRespectsSince(t *testing.T) {
	db := openTestBadger(t)
	ts, err := newTimeseries("series", TimeseriesDef{Period: "1h", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	putSample(t, ts, base, "first")
	putSample(t, ts, base.Add(time.Minute), "second")

	entries, err := ts.history(base, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "second", entries[0].Value)
}

func TestTimeseriesHistoryRespectsMaxCount(t *testing.T) {
	db := openTestBadger(t)
	ts, err := newTimeseries("series", TimeseriesDef{Period: "1h", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		putSample(t, ts, base.Add(time.Duration(i)*time.Minute), i)
	}

	entries, err := ts.history(time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestTimeseriesRegistryRegisterAndGet(t *testing.T) {
	dir := t.TempDir()
	reg, err := newTimeseriesRegistry(dir)
	require.NoError(t, err)
	t.Cleanup(reg.close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// ds is a non-nil, unconnected *datasources: the registered series'
	// first refresh will fail to find its datasource and log the error
	// rather than run a real query, which is fine for exercising
	// register/get/close without a live PostgreSQL server.
	err = reg.register(ctx, "ns\x00series", TimeseriesDef{Period: "1h", SQL: "select 1"}, &datasources{}, zerolog.Nop())
	require.NoError(t, err)

	ts, ok := reg.get("ns\x00series")
	require.True(t, ok)
	require.NotNil(t, ts)

	_, ok = reg.get("missing")
	require.False(t, ok)
}
