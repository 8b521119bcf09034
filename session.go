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
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"
)

// Session is a dict with reserved keys created/last_used/user/ip/group
// plus arbitrary keys, matching spec section 3. It is safe for
// concurrent use; callers holding a *Session must go through its methods
// rather than touching fields directly, since the SessionManager may be
// reading it for the periodic expiry sweep concurrently.
type Session struct {
	mu       sync.Mutex
	ID       string         `json:"id"`
	Created  time.Time      `json:"created"`
	LastUsed time.Time      `json:"last_used"`
	User     string         `json:"user,omitempty"`
	IP       string         `json:"ip,omitempty"`
	Group    map[string]bool `json:"group,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	timeout  time.Duration // per-session override of SessionConfig.Timeout
	lifetime time.Duration
}

// AddGroup marks the session as a member of the named group. Used by
// login.go after a successful provider=none or OAuth2 authentication.
func (s *Session) AddGroup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Group == nil {
		s.Group = map[string]bool{}
	}
	s.Group[name] = true
}

// Set stores an arbitrary session key, used by the login SQL's
// "other rows set arbitrary session keys" rule (spec section 4.10).
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Data == nil {
		s.Data = map[string]any{}
	}
	s.Data[key] = value
}

func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Data[key]
	return v, ok
}

// isExpired implements spec 4.5: now > last_used+timeout (if timeout set)
// or now > created+lifetime (if lifetime set).
func (s *Session) isExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout > 0 && now.After(s.LastUsed.Add(s.timeout)) {
		return true
	}
	if s.lifetime > 0 && now.After(s.Created.Add(s.lifetime)) {
		return true
	}
	return false
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.LastUsed = now
	s.mu.Unlock()
}

// MarshalJSON snapshots the session under lock so it can be serialized to
// a response body or to the session store's own persisted state.
func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type alias Session
	return json.Marshal(&struct{ *alias }{(*alias)(s)})
}

//------------------------------------------------------------------------------
// session manager

// SessionManager is the process-wide keyed store described in spec
// section 4.5, backed by a sync.Map the same way the teacher's
// datasources/pinfo registries are, since both share the same
// concurrent-map-of-independent-entries access pattern.
type SessionManager struct {
	sessions sync.Map // sid -> *Session
	cfg      SessionConfig
}

func newSessionManager(cfg *SessionConfig) *SessionManager {
	sm := &SessionManager{}
	if cfg != nil {
		sm.cfg = *cfg
	}
	return sm
}

// Open generates a fresh session id as base64url(sha256(peer||now||rand))
// exactly per spec section 4.5, and stores it.
func (sm *SessionManager) Open(peerAddr string) *Session {
	now := time.Now()
	var rnd [8]byte
	_, _ = rand.Read(rnd[:])
	h := sha256.New()
	h.Write([]byte(peerAddr))
	var nowBuf [8]byte
	binary.BigEndian.PutUint64(nowBuf[:], uint64(now.UnixNano()))
	h.Write(nowBuf[:])
	h.Write(rnd[:])
	sid := base64.RawURLEncoding.EncodeToString(h.Sum(nil))

	s := &Session{
		ID:       sid,
		Created:  now,
		LastUsed: now,
		IP:       peerAddr,
		timeout:  time.Duration(sm.cfg.Timeout * float64(time.Second)),
		lifetime: time.Duration(sm.cfg.Lifetime * float64(time.Second)),
	}
	sm.sessions.Store(sid, s)
	return s
}

// Lookup fails if the session is missing or expired; else touches
// last_used and returns the Session.
func (sm *SessionManager) Lookup(sid string) (*Session, error) {
	if sid == "" {
		return nil, NewKeyError("no session id", nil)
	}
	v, ok := sm.sessions.Load(sid)
	if !ok {
		return nil, NewKeyError("session not found", nil)
	}
	s := v.(*Session)
	now := time.Now()
	if s.isExpired(now) {
		sm.sessions.Delete(sid)
		return nil, NewKeyError("session expired", nil)
	}
	s.touch(now)
	return s, nil
}

func (sm *SessionManager) Close(sid string) {
	sm.sessions.Delete(sid)
}

// sweepExpired deletes every expired session; scheduled hourly via cron
// from APIServer.Start, matching spec 4.5's "at most once an hour".
func (sm *SessionManager) sweepExpired() {
	now := time.Now()
	sm.sessions.Range(func(k, v any) bool {
		if v.(*Session).isExpired(now) {
			sm.sessions.Delete(k)
		}
		return true
	})
}

// MarshalJSON serializes every live session, satisfying the "manager is
// serializable to/from JSON" requirement of spec section 4.5.
func (sm *SessionManager) MarshalJSON() ([]byte, error) {
	all := map[string]*Session{}
	sm.sessions.Range(func(k, v any) bool {
		all[k.(string)] = v.(*Session)
		return true
	})
	return json.Marshal(all)
}

func (sm *SessionManager) UnmarshalJSON(b []byte) error {
	var all map[string]*Session
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for sid, s := range all {
		s.timeout = time.Duration(sm.cfg.Timeout * float64(time.Second))
		s.lifetime = time.Duration(sm.cfg.Lifetime * float64(time.Second))
		sm.sessions.Store(sid, s)
	}
	return nil
}
