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

package dns

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Defaults per spec section 4.1.
const (
	DefaultQueryTimeout      = 5 * time.Second
	DefaultRequestDeadline   = 16 * time.Second
	DefaultMaxAttempts       = 3
	DefaultFailureThreshold  = 16
	defaultPort              = 53
	udpReadBufferSize        = 4096
)

// nameserver tracks one configured upstream and its rolling failure
// count. system nameservers are eligible for automatic rotation-removal
// once their failure count exceeds the configured threshold; explicitly
// configured ones never are.
type nameserver struct {
	addr   *net.UDPAddr
	system bool

	mu       sync.Mutex
	failures int
}

func (n *nameserver) recordFailure() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures++
	return n.failures
}

func (n *nameserver) resetFailures() {
	n.mu.Lock()
	n.failures = 0
	n.mu.Unlock()
}

// cacheKey identifies a cached answer set by record type and query name.
type cacheKey struct {
	qtype uint16
	name  string
}

type cacheEntry struct {
	addrs   []net.IP
	names   []string
	expires time.Time
}

func (e *cacheEntry) valid(now time.Time) bool {
	return e != nil && now.Before(e.expires)
}

// pendingQuery is one in-flight logical resolution: it may be retried
// under a fresh transaction id several times before it succeeds or is
// abandoned, per spec section 4.1's retry/attempt-budget rules.
type pendingQuery struct {
	origName string
	qtype    uint16

	mu            sync.Mutex
	id            uint16
	sentName      string // case-randomized name actually on the wire for this attempt
	attempts      int
	inflightCount int
	lastErr       error
	done          bool

	resultCh chan queryResult
	timer    *time.Timer // per-attempt timeout
}

type queryResult struct {
	addrs []net.IP
	names []string
	err   error
}

// Resolver implements the asynchronous recursive DNS resolver of spec
// section 4.1: UDP queries fanned out to every configured nameserver,
// per-query retry with a fresh transaction id, an overall deadline, TTL
// caching, and per-nameserver failure tracking with automatic rotation
// removal of misbehaving system nameservers.
type Resolver struct {
	QueryTimeout     time.Duration
	RequestDeadline  time.Duration
	MaxAttempts      int
	FailureThreshold int

	mu          sync.Mutex
	nameservers []*nameserver
	conn        *net.UDPConn
	pending     map[uint16]*pendingQuery
	cache       map[cacheKey]*cacheEntry
	closed      bool
	closeCh     chan struct{}
}

// New creates a Resolver and binds an ephemeral UDP socket used for every
// outbound query. Call AddNameserver at least once before resolving.
func New() (*Resolver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("dns: failed to open udp socket: %w", err)
	}
	r := &Resolver{
		QueryTimeout:     DefaultQueryTimeout,
		RequestDeadline:  DefaultRequestDeadline,
		MaxAttempts:      DefaultMaxAttempts,
		FailureThreshold: DefaultFailureThreshold,
		conn:             conn,
		pending:          map[uint16]*pendingQuery{},
		cache:            map[cacheKey]*cacheEntry{},
		closeCh:          make(chan struct{}),
	}
	go r.pump()
	return r, nil
}

// Close releases the resolver's socket. Any resolution in flight fails
// with a closed-resolver error.
func (r *Resolver) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	close(r.closeCh)
	return r.conn.Close()
}

// AddNameserver registers an upstream by "ip" or "ip:port" address
// (defaulting to port 53); duplicates are ignored. system marks it as
// eligible for automatic removal once its failure counter passes
// FailureThreshold.
func (r *Resolver) AddNameserver(addr string, system bool) error {
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, strconv.Itoa(defaultPort))
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("dns: invalid nameserver %q: %w", addr, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ns := range r.nameservers {
		if ns.addr.String() == udpAddr.String() {
			return nil
		}
	}
	r.nameservers = append(r.nameservers, &nameserver{addr: udpAddr, system: system})
	return nil
}

// Resolve looks up the A (or, if ipv6, AAAA) records for name. If name is
// already a literal address of the requested family it completes
// immediately without any network traffic, per spec section 4.1.
func (r *Resolver) Resolve(ctx context.Context, name string, ipv6 bool) ([]net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		is4 := ip.To4() != nil
		if is4 != ipv6 {
			return []net.IP{ip}, nil
		}
	}

	qtype := TypeA
	if ipv6 {
		qtype = TypeAAAA
	}
	fqdn := dnsFQDN(name)

	if addrs, ok := r.cacheLookup(qtype, fqdn); ok {
		return addrs, nil
	}

	res, err := r.query(ctx, fqdn, qtype)
	if err != nil {
		return nil, err
	}
	return res.addrs, nil
}

// Reverse resolves addr to its PTR name(s), encoding it as
// "d.d.d.d.in-addr.arpa" (IPv4) or the 32-nibble "...ip6.arpa" form
// (IPv6) per spec section 4.1.
func (r *Resolver) Reverse(ctx context.Context, addr net.IP) ([]string, error) {
	name, err := ptrName(addr)
	if err != nil {
		return nil, err
	}

	if names, ok := r.cacheLookupNames(TypePTR, name); ok {
		return names, nil
	}

	res, err := r.query(ctx, name, TypePTR)
	if err != nil {
		return nil, err
	}
	return res.names, nil
}

func dnsFQDN(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func (r *Resolver) cacheLookup(qtype uint16, name string) ([]net.IP, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.cache[cacheKey{qtype, name}]
	if !e.valid(time.Now()) {
		return nil, false
	}
	return e.addrs, true
}

func (r *Resolver) cacheLookupNames(qtype uint16, name string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.cache[cacheKey{qtype, name}]
	if !e.valid(time.Now()) {
		return nil, false
	}
	return e.names, true
}

func (r *Resolver) cacheStore(qtype uint16, name string, addrs []net.IP, names []string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Second
	}
	r.mu.Lock()
	r.cache[cacheKey{qtype, name}] = &cacheEntry{addrs: addrs, names: names, expires: time.Now().Add(ttl)}
	r.mu.Unlock()
}

// query runs one logical resolution to completion, retrying under fresh
// transaction ids up to MaxAttempts and enforcing the overall
// RequestDeadline regardless of in-flight retry state.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (queryResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return queryResult{}, fmt.Errorf("dns: resolver closed")
	}
	if len(r.nameservers) == 0 {
		r.mu.Unlock()
		return queryResult{}, fmt.Errorf("dns: no nameservers configured")
	}
	r.mu.Unlock()

	pq := &pendingQuery{
		origName: name,
		qtype:    qtype,
		resultCh: make(chan queryResult, 1),
	}
	if err := r.send(pq); err != nil {
		return queryResult{}, err
	}

	deadline := time.NewTimer(r.requestDeadline())
	defer deadline.Stop()

	select {
	case res := <-pq.resultCh:
		return res, res.err
	case <-deadline.C:
		r.abandon(pq)
		return queryResult{}, fmt.Errorf("dns: request timed out resolving %q", name)
	case <-ctx.Done():
		r.abandon(pq)
		return queryResult{}, ctx.Err()
	case <-r.closeCh:
		return queryResult{}, fmt.Errorf("dns: resolver closed")
	}
}

func (r *Resolver) requestDeadline() time.Duration {
	if r.RequestDeadline > 0 {
		return r.RequestDeadline
	}
	return DefaultRequestDeadline
}

func (r *Resolver) queryTimeout() time.Duration {
	if r.QueryTimeout > 0 {
		return r.QueryTimeout
	}
	return DefaultQueryTimeout
}

func (r *Resolver) maxAttempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return DefaultMaxAttempts
}

// send transmits pq to every configured nameserver under a fresh random
// transaction id, registers it in the pending map, and arms its
// per-attempt timeout.
func (r *Resolver) send(pq *pendingQuery) error {
	r.mu.Lock()
	servers := append([]*nameserver(nil), r.nameservers...)
	r.mu.Unlock()
	if len(servers) == 0 {
		pq.mu.Lock()
		pq.lastErr = fmt.Errorf("dns: no nameservers available")
		pq.mu.Unlock()
		r.finish(pq, queryResult{err: pq.lastErr})
		return pq.lastErr
	}

	id := uint16(rand.Intn(1 << 16))
	packet, sentName, err := encodeQuery(id, pq.origName, pq.qtype)
	if err != nil {
		return err
	}

	pq.mu.Lock()
	pq.id = id
	pq.sentName = sentName
	pq.attempts++
	pq.mu.Unlock()

	r.mu.Lock()
	r.pending[id] = pq
	r.mu.Unlock()

	sent := 0
	for _, ns := range servers {
		if _, err := r.conn.WriteToUDP(packet, ns.addr); err != nil {
			ns.recordFailure()
			continue
		}
		sent++
	}

	pq.mu.Lock()
	pq.inflightCount = sent
	attempt := pq.attempts
	pq.mu.Unlock()

	if sent == 0 {
		r.retryOrFail(pq, fmt.Errorf("dns: failed to reach any nameserver"))
		return nil
	}

	timer := time.AfterFunc(r.queryTimeout(), func() {
		r.onAttemptTimeout(pq, id, attempt)
	})
	pq.mu.Lock()
	pq.timer = timer
	pq.mu.Unlock()
	return nil
}

func (r *Resolver) onAttemptTimeout(pq *pendingQuery, id uint16, attempt int) {
	pq.mu.Lock()
	stillThisAttempt := pq.attempts == attempt && !pq.done
	pq.mu.Unlock()
	if !stillThisAttempt {
		return
	}
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	r.retryOrFail(pq, fmt.Errorf("dns: query timed out"))
}

// retryOrFail re-queues pq under a new transaction id if attempts remain,
// else completes it with the last observed error.
func (r *Resolver) retryOrFail(pq *pendingQuery, lastErr error) {
	pq.mu.Lock()
	pq.lastErr = lastErr
	attempts := pq.attempts
	done := pq.done
	pq.mu.Unlock()
	if done {
		return
	}
	if attempts < r.maxAttempts() {
		if err := r.send(pq); err != nil {
			r.finish(pq, queryResult{err: err})
		}
		return
	}
	r.finish(pq, queryResult{err: lastErr})
}

func (r *Resolver) abandon(pq *pendingQuery) {
	pq.mu.Lock()
	pq.done = true
	id := pq.id
	if pq.timer != nil {
		pq.timer.Stop()
	}
	pq.mu.Unlock()
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Resolver) finish(pq *pendingQuery, res queryResult) {
	pq.mu.Lock()
	if pq.done {
		pq.mu.Unlock()
		return
	}
	pq.done = true
	if pq.timer != nil {
		pq.timer.Stop()
	}
	pq.mu.Unlock()
	select {
	case pq.resultCh <- res:
	default:
	}
}

// pump is the resolver's single reader loop: every inbound packet is
// matched to its pending query by transaction id and dispatched here,
// the same "one pump drains everything" structure spec section 4.1
// describes, realized as a goroutine instead of a callback tick since
// Go's blocking-read-per-goroutine model is the idiomatic equivalent
// (see dns package doc and the root DESIGN.md ADR on suspension points).
func (r *Resolver) pump() {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		r.handlePacket(append([]byte(nil), buf[:n]...), from)
	}
}

func (r *Resolver) handlePacket(buf []byte, from *net.UDPAddr) {
	msg, err := decodeMessage(buf)
	if err != nil {
		return // malformed packet, silently dropped
	}

	r.mu.Lock()
	pq, ok := r.pending[msg.id]
	var ns *nameserver
	for _, n := range r.nameservers {
		if n.addr.IP.Equal(from.IP) && n.addr.Port == from.Port {
			ns = n
			break
		}
	}
	r.mu.Unlock()
	if !ok {
		// No matching in-flight query (stale, or spoofed id). A late
		// failure answer from a known nameserver still counts against it.
		if ns != nil && msg.rcode != 0 && msg.rcode != 3 {
			ns.recordFailure()
			r.DropFailed()
		}
		return
	}

	pq.mu.Lock()
	expectName := pq.sentName
	id := pq.id
	pq.mu.Unlock()

	// Case-sensitive comparison against the name we actually sent,
	// rejecting spoofed answers whose case does not match (spec 4.1).
	if len(msg.answers) > 0 && !answersMatchName(msg, expectName) {
		return
	}

	switch {
	case msg.rcode == 2: // SERVFAIL
		if ns != nil {
			ns.recordFailure()
			r.DropFailed()
		}
		r.onAnswerFailure(pq, id, &ServerFailError{RCode: msg.rcode})
		return
	case msg.rcode == 3: // NXDOMAIN: a definitive, error-free "not found"
		if ns != nil {
			ns.resetFailures()
		}
		r.finish(pq, queryResult{err: ErrNoSuchHost})
		return
	case msg.rcode != 0:
		if ns != nil {
			ns.recordFailure()
			r.DropFailed()
		}
		r.onAnswerFailure(pq, id, fmt.Errorf("dns: rcode %d", msg.rcode))
		return
	}

	if ns != nil {
		ns.resetFailures()
	}

	addrs, names, ttl := extractAnswers(buf, msg, pq.qtype)
	if len(addrs) == 0 && len(names) == 0 {
		r.onAnswerFailure(pq, id, ErrNoSuchHost)
		return
	}

	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()

	r.cacheStore(pq.qtype, pq.origName, addrs, names, ttl)
	r.finish(pq, queryResult{addrs: addrs, names: names})
}

// onAnswerFailure decrements the pending query's inflight counter; once
// every nameserver answering this attempt has failed, it retries (new
// id) or gives up per spec section 4.1.
func (r *Resolver) onAnswerFailure(pq *pendingQuery, id uint16, failErr error) {
	pq.mu.Lock()
	pq.inflightCount--
	remaining := pq.inflightCount
	pq.mu.Unlock()
	if remaining > 0 {
		return // still waiting on another nameserver's answer for this attempt
	}
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	r.retryOrFail(pq, failErr)
}

func answersMatchName(msg *message, expectName string) bool {
	expectName = strings.TrimSuffix(expectName, ".") // decoded names carry no trailing dot
	for _, a := range msg.answers {
		if !strings.EqualFold(a.name, expectName) {
			continue
		}
		if a.name != expectName {
			return false // case mismatch: reject as spoofed
		}
		return true
	}
	// No answer names matched at all under fold-comparison: likely an
	// unrelated/spoofed packet riding on a guessed id.
	return false
}

func extractAnswers(full []byte, msg *message, qtype uint16) (addrs []net.IP, names []string, ttl time.Duration) {
	minTTL := uint32(0)
	for _, rr := range msg.answers {
		switch rr.rtype {
		case TypeA, TypeAAAA:
			if rr.rtype != qtype {
				continue
			}
			if ip, ok := decodeAddr(rr.rtype, rr.data); ok {
				addrs = append(addrs, ip)
			}
		case TypePTR:
			if name, err := decodePTRName(full, rr); err == nil {
				names = append(names, strings.TrimSuffix(name, "."))
			}
		default:
			continue
		}
		if minTTL == 0 || rr.ttl < minTTL {
			minTTL = rr.ttl
		}
	}
	return addrs, names, time.Duration(minTTL) * time.Second
}

// DropFailed removes any system nameserver whose failure counter has
// exceeded FailureThreshold from the active rotation, per spec section
// 4.1. It is safe to call periodically (e.g. after each failed query) or
// on a timer; it only ever removes system-discovered entries, never
// explicitly configured ones.
func (r *Resolver) DropFailed() {
	threshold := r.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.nameservers[:0]
	for _, ns := range r.nameservers {
		ns.mu.Lock()
		drop := ns.system && ns.failures > threshold
		ns.mu.Unlock()
		if !drop {
			kept = append(kept, ns)
		}
	}
	r.nameservers = kept
}
