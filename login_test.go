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
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyLoginRowsSetsUserAndGroupFromFirstRow(t *testing.T) {
	sess := &Session{}
	qr := queryRows{
		Columns: []string{"user", "group"},
		Rows:    [][]any{{"alice", "admins"}},
	}
	applyLoginRows(sess, qr)
	require.Equal(t, "alice", sess.User)
	require.True(t, sess.Group["admins"])
}

func TestApplyLoginRowsSetsKeyValueFromAnyRow(t *testing.T) {
	sess := &Session{}
	qr := queryRows{
		Columns: []string{"user", "key", "value"},
		Rows: [][]any{
			{"alice", "theme", "dark"},
			{nil, "locale", "en"},
		},
	}
	applyLoginRows(sess, qr)
	require.Equal(t, "alice", sess.User)
	v, ok := sess.Get("theme")
	require.True(t, ok)
	require.Equal(t, "dark", v)
	v, ok = sess.Get("locale")
	require.True(t, ok)
	require.Equal(t, "en", v)
}

func TestNormalizeProfileFacebookSetsAvatar(t *testing.T) {
	p := map[string]any{"id": "12345"}
	normalizeProfile("facebook", p)
	require.Equal(t, "http://graph.facebook.com/12345/picture?type=small", p["avatar"])
}

func TestNormalizeProfileGithubFallsBackNameFromLogin(t *testing.T) {
	p := map[string]any{"login": "octocat"}
	normalizeProfile("github", p)
	require.Equal(t, "octocat", p["name"])
}

func TestNormalizeProfileGithubKeepsExistingName(t *testing.T) {
	p := map[string]any{"login": "octocat", "name": "The Octocat"}
	normalizeProfile("github", p)
	require.Equal(t, "The Octocat", p["name"])
}

func TestNormalizeProfileUnknownProviderIsNoop(t *testing.T) {
	p := map[string]any{"id": "1"}
	normalizeProfile("bogus", p)
	require.Equal(t, map[string]any{"id": "1"}, p)
}

func TestSetSessionCookieUsesCustomName(t *testing.T) {
	w := httptest.NewRecorder()
	setSessionCookie(w, "sid-value", &SessionConfig{CookieName: "auth", Secure: true})
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "auth", cookies[0].Name)
	require.Equal(t, "sid-value", cookies[0].Value)
	require.True(t, cookies[0].Secure)
}

func TestClearSessionCookieExpiresCookie(t *testing.T) {
	w := httptest.NewRecorder()
	clearSessionCookie(w, nil)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "sid", cookies[0].Name)
	require.Less(t, cookies[0].MaxAge, 0)
}

func TestRandomStateIsNotEmptyAndVaries(t *testing.T) {
	a := randomState()
	b := randomState()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

func TestLoginOAuth2UnknownProviderErrors(t *testing.T) {
	lm := newLoginManager(map[string]*OAuth2Provider{}, nil, newSessionManager(nil), nil)
	leaf := &EndpointLeaf{Provider: "bogus"}

	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()
	err := lm.loginOAuth2(w, r, leaf, nil)
	require.Error(t, err)
}

func TestLoginOAuth2RedirectsToAuthURLWhenNoCode(t *testing.T) {
	lm := newLoginManager(map[string]*OAuth2Provider{
		"github": {ClientID: "abc", AuthURL: "https://github.example/authorize", TokenURL: "https://github.example/token"},
	}, nil, newSessionManager(nil), nil)
	leaf := &EndpointLeaf{Provider: "github"}

	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()
	err := lm.loginOAuth2(w, r, leaf, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "github.example", loc.Host)
	require.NotEmpty(t, loc.Query().Get("state"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, oauthStateCookie, cookies[0].Name)
	require.Equal(t, loc.Query().Get("state"), cookies[0].Value)
}

func TestLoginOAuth2StateMismatchIsAccessDenied(t *testing.T) {
	lm := newLoginManager(map[string]*OAuth2Provider{
		"github": {ClientID: "abc", AuthURL: "https://github.example/authorize", TokenURL: "https://github.example/token"},
	}, nil, newSessionManager(nil), nil)
	leaf := &EndpointLeaf{Provider: "github"}

	r := httptest.NewRequest(http.MethodGet, "/login?code=xyz&state=expected", nil)
	r.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "different"})
	w := httptest.NewRecorder()
	err := lm.loginOAuth2(w, r, leaf, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, statusOf(err))
}

func TestHandleLoginDispatchesOAuth2WhenProviderSet(t *testing.T) {
	lm := newLoginManager(map[string]*OAuth2Provider{
		"github": {ClientID: "abc", AuthURL: "https://github.example/authorize", TokenURL: "https://github.example/token"},
	}, nil, newSessionManager(nil), nil)
	leaf := &EndpointLeaf{Provider: "github"}

	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()
	err := lm.handleLogin(w, r, leaf, map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, w.Code)
}
