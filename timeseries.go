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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// timestampKeyLayout is the period-aligned key format every stored sample
// is addressed by, alongside the content hash of its defining statement.
const timestampKeyLayout = "20060102150405"

// timeseries runs one named, periodic, cached, subscribable query. Each
// refresh re-executes the resolved statement, and only persists and
// broadcasts a new sample when its encoded value actually differs from
// the previous one (change suppression) — avoiding both redundant writes
// to the backing store and redundant pushes to subscribers.
type timeseries struct {
	name string
	def  TimeseriesDef
	ds   *datasources
	db   *badger.DB
	log  zerolog.Logger

	period  time.Duration
	timeout time.Duration
	trigger string

	mu          sync.Mutex
	subs        map[uuid.UUID]chan []byte
	lastHash    string
	lastKey     string
	lastRequest time.Time

	stop chan struct{}
	done chan struct{}
	wake chan struct{}
}

// contentKey is sha256(resolved SQL) hex-encoded: the namespace every
// sample for this series is stored and looked up under in badger,
// matching the content-addressed storage scheme original_source's
// Timeseries implementation uses to key its cache off the statement text
// rather than off the series name alone.
func (t *timeseries) contentKey() string {
	sql := t.def.SQL
	h := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(h[:])
}

func newTimeseries(name string, def TimeseriesDef, ds *datasources, db *badger.DB, log zerolog.Logger) (*timeseries, error) {
	period, err := time.ParseDuration(def.Period)
	if err != nil {
		return nil, fmt.Errorf("timeseries %q: invalid period: %w", name, err)
	}
	var timeout time.Duration
	if def.Timeout != "" {
		timeout, err = time.ParseDuration(def.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeseries %q: invalid timeout: %w", name, err)
		}
	}
	return &timeseries{
		name:    name,
		def:     def,
		ds:      ds,
		db:      db,
		log:     log.With().Str("timeseries", name).Logger(),
		period:  period,
		timeout: timeout,
		trigger: def.Trigger,
		subs:    map[uuid.UUID]chan []byte{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}, nil
}

// start runs the refresh loop until ctx is done or Close is called,
// aligning each tick to a period boundary the same way a cron schedule
// would, so that two processes running the identical series agree on
// sample timestamps. For trigger=request series, re-arming stops once no
// one has polled (subscribed or fetched history) within timeout; the loop
// then idles until touch wakes it rather than continuing to refresh on a
// schedule nobody is watching.
func (t *timeseries) start(ctx context.Context) {
	t.mu.Lock()
	t.lastRequest = time.Now()
	t.mu.Unlock()

	go func() {
		defer close(t.done)
		t.refresh(ctx)
		for {
			if t.idle() {
				select {
				case <-ctx.Done():
					return
				case <-t.stop:
					return
				case <-t.wake:
					t.refresh(ctx)
				}
				continue
			}

			timer := time.NewTimer(t.untilNextBoundary())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-t.stop:
				timer.Stop()
				return
			case <-t.wake:
				timer.Stop()
			case <-timer.C:
				t.refresh(ctx)
			}
		}
	}()
}

// idle reports whether the refresh loop should stop re-arming: only
// trigger=request series with a configured timeout go idle, and only once
// longer than timeout has passed since the last poll.
func (t *timeseries) idle() bool {
	if t.trigger != "request" || t.timeout <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastRequest) > t.timeout
}

// touch records a poll (subscribe or history fetch), re-arming a
// trigger=request series that had gone idle.
func (t *timeseries) touch() {
	t.mu.Lock()
	t.lastRequest = time.Now()
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *timeseries) untilNextBoundary() time.Duration {
	if t.period <= 0 {
		return time.Second
	}
	now := time.Now()
	rem := t.period - time.Duration(now.UnixNano())%t.period
	if rem <= 0 {
		rem = t.period
	}
	return rem
}

func (t *timeseries) close() {
	close(t.stop)
	<-t.done
}

// refresh re-executes the statement, suppresses unchanged values, and on
// a real change persists the sample under a period-aligned timestamp key
// and broadcasts it to every live subscriber.
func (t *timeseries) refresh(ctx context.Context) {
	qr, err := runQuery(ctx, t.ds, QueryDef{
		SQL:        t.def.SQL,
		Datasource: t.def.Datasource,
	}, resolverScope{})
	if err != nil {
		t.log.Error().Err(err).Msg("timeseries refresh query failed")
		return
	}

	payload, err := json.Marshal(hlistShape(qr))
	if err != nil {
		t.log.Error().Err(err).Msg("timeseries refresh encode failed")
		return
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	t.mu.Lock()
	unchanged := hash == t.lastHash
	t.lastHash = hash
	t.mu.Unlock()
	if unchanged {
		return
	}

	tsKey := time.Now().UTC().Truncate(t.period).Format(timestampKeyLayout)
	storeKey := t.contentKey() + ":" + tsKey
	if err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(storeKey), payload)
	}); err != nil {
		t.log.Error().Err(err).Msg("timeseries sample persist failed")
	}

	t.mu.Lock()
	t.lastKey = tsKey
	subs := make([]chan []byte, 0, len(t.subs))
	for _, ch := range t.subs {
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// slow subscriber: drop rather than block the refresh loop.
		}
	}
}

// latest returns the most recently persisted sample, fetching it from
// badger if this process hasn't computed one yet (e.g. just started).
func (t *timeseries) latest() ([]byte, bool) {
	t.mu.Lock()
	key := t.lastKey
	t.mu.Unlock()
	if key == "" {
		return nil, false
	}
	var out []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(t.contentKey() + ":" + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return out, true
}

// subscribe registers a new subscriber channel and, per the "buffered
// initial-get-before-broadcasts" semantic, synchronously delivers the
// latest known sample (if any) before returning — so a subscriber never
// misses the state current at the moment it joined, and never receives
// it twice.
func (t *timeseries) subscribe(buffer int) (uuid.UUID, <-chan []byte) {
	t.touch()
	id := uuid.New()
	ch := make(chan []byte, buffer)
	if latest, ok := t.latest(); ok {
		ch <- latest
	}
	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()
	return id, ch
}

func (t *timeseries) unsubscribe(id uuid.UUID) {
	t.mu.Lock()
	ch, ok := t.subs[id]
	delete(t.subs, id)
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

// tsEntry is one decoded {time, value} sample as returned by history.
type tsEntry struct {
	Time  time.Time `json:"time"`
	Value any       `json:"value"`
}

// history scans the KV log for every sample stored under this series'
// content key, most recent first, stopping once a sample's timestamp is
// not after since or maxCount entries have been collected, per spec
// section 4.9's "get(since, maxCount, cb)" operation. maxCount <= 0 means
// unbounded.
func (t *timeseries) history(since time.Time, maxCount int) ([]tsEntry, error) {
	t.touch()
	prefix := []byte(t.contentKey() + ":")
	var out []tsEntry
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration over a prefix must seed from the
		// lexicographically-largest key with that prefix.
		seek := append(append([]byte(nil), prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			tsKey := string(key[len(prefix):])
			when, err := time.ParseInLocation(timestampKeyLayout, tsKey, time.UTC)
			if err != nil {
				continue
			}
			if !when.After(since) {
				break
			}
			var payload any
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &payload)
			}); err != nil {
				return err
			}
			out = append(out, tsEntry{Time: when, Value: payload})
			if maxCount > 0 && len(out) >= maxCount {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("timeseries %q: history scan failed: %w", t.name, err)
	}
	return out, nil
}

//------------------------------------------------------------------------------
// registry

// timeseriesRegistry owns every configured timeseries' badger-backed store
// and running refresh loop, keyed by API name and series name joined by a
// NUL byte (API.timeseriesKey) so two APIs may define a series with the
// same local name without colliding.
type timeseriesRegistry struct {
	db     *badger.DB
	series sync.Map // key -> *timeseries
}

func newTimeseriesRegistry(dir string) (*timeseriesRegistry, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeseries store: %w", err)
	}
	return &timeseriesRegistry{db: db}, nil
}

func (r *timeseriesRegistry) register(ctx context.Context, key string, def TimeseriesDef, ds *datasources, log zerolog.Logger) error {
	ts, err := newTimeseries(key, def, ds, r.db, log)
	if err != nil {
		return err
	}
	r.series.Store(key, ts)
	ts.start(ctx)
	return nil
}

func (r *timeseriesRegistry) get(key string) (*timeseries, bool) {
	v, ok := r.series.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*timeseries), true
}

func (r *timeseriesRegistry) close() {
	r.series.Range(func(_, v any) bool {
		v.(*timeseries).close()
		return true
	})
	_ = r.db.Close()
}
