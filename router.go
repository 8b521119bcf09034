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
	"io/fs"
	"net/http"
	"sync"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// resourceRegistry maps the names used in config under "resource" to a
// filesystem the embedding application supplies, the same open-registry
// idiom bindRegistry uses for "bind" callbacks. "handler: file" instead
// serves a path taken directly off the local filesystem (or, once
// resolved, a dynamic per-request path).
type resourceRegistry struct {
	mu   sync.RWMutex
	fs   map[string]fs.FS
}

func newResourceRegistry() *resourceRegistry {
	return &resourceRegistry{fs: map[string]fs.FS{}}
}

func (r *resourceRegistry) Register(name string, f fs.FS) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fs[name] = f
}

func (r *resourceRegistry) lookup(name string) (fs.FS, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fs[name]
	return f, ok
}

// requestContext carries everything a leaf's handler chain needs to read
// or mutate over the course of one request: resolved arguments, the
// caller's session (nil if anonymous), and a per-endpoint logger.
type requestContext struct {
	args   map[string]any
	sess   *Session
	logger zerolog.Logger
	api    *API
}

// dispatchLeaf runs one EndpointLeaf's handler chain: access control,
// response headers, argument resolution/filtering, then the handler-type
// switch itself. It returns handled=false only for "pass" and for a
// "handlers" list that was entirely skipped, letting a composite
// "handlers" entry try its next sibling — mirroring the teacher's
// single-impltype-per-endpoint dispatch (serve/setupEndpoint) generalized
// into a list that is tried in order until one member answers.
func (a *APIServer) dispatchLeaf(w http.ResponseWriter, r *http.Request, leaf *EndpointLeaf, api *API, sess *Session, logger zerolog.Logger) (bool, error) {
	if !leaf.AccessRule.evaluate(sess) {
		return true, NewAccessDeniedError("access denied")
	}

	for k, v := range leaf.Headers {
		w.Header().Set(k, v)
	}

	validators, err := compileArgDict(leaf.Args.List)
	if err != nil {
		return true, NewValidationError("bad argument configuration", err)
	}
	args, err := resolveArgs(r, sess, validators)
	if err != nil {
		return true, err
	}

	if leaf.ArgFilter != "" {
		fn, ok := a.binds.lookup(leaf.ArgFilter)
		if !ok {
			return true, NewNotImplementedError("arg-filter " + leaf.ArgFilter + " is not registered")
		}
		filtered, err := fn(w, r, args, sess)
		if err != nil {
			return true, err
		}
		if m, ok := filtered.(map[string]any); ok {
			args = m
		}
	}

	if leaf.Debug {
		logger.Debug().Interface("args", args).Str("ip", getRealIP(r)).Msg("handler start")
	}

	switch leaf.Handler {
	case "pass":
		return false, nil

	case "handlers":
		for i := range leaf.Handlers {
			handled, err := a.dispatchLeaf(w, r, &leaf.Handlers[i], api, sess, logger)
			if handled || err != nil {
				return handled, err
			}
		}
		return false, nil

	case "status":
		status := leaf.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		return true, nil

	case "redirect":
		redirectTo(w, r, resolve(leaf.Redirect, resolverScope{args: args, session: sess}, false), leaf.RedirectCode)
		return true, nil

	case "cors":
		a.applyLeafCORS(w, r, leaf.CORSRef)
		return true, nil

	case "spec":
		return true, a.serveOpenAPI(w, r)

	case "websocket":
		if leaf.Subscribe != "" {
			ts, ok := a.timeseries.get(api.timeseriesKey(leaf.Subscribe))
			if !ok {
				return true, NewKeyError("unknown timeseries \""+leaf.Subscribe+"\"", nil)
			}
			return true, serveWebSocket(r.Context(), w, r, ts, leaf.CORSRef, logger)
		}
		fn, ok := a.binds.lookupWS(leaf.Bind)
		if !ok {
			return true, NewNotImplementedError("websocket bind " + leaf.Bind + " is not registered")
		}
		return true, serveWebSocketBind(r.Context(), w, r, fn, sess, leaf.CORSRef, logger)

	case "file":
		path := resolve(leaf.Path, resolverScope{args: args, session: sess}, false)
		http.ServeFile(w, r, path)
		return true, nil

	case "resource":
		fsys, ok := a.resources.lookup(leaf.Resource)
		if !ok {
			return true, NewKeyError("unknown resource \""+leaf.Resource+"\"", nil)
		}
		http.FileServer(http.FS(fsys)).ServeHTTP(w, r)
		return true, nil

	case "bind":
		fn, ok := a.binds.lookup(leaf.Bind)
		if !ok {
			return true, NewNotImplementedError("bind " + leaf.Bind + " is not registered")
		}
		v, err := fn(w, r, args, sess)
		if err != nil {
			return true, err
		}
		if v != nil {
			reply(w, http.StatusOK, v)
		}
		return true, nil

	case "login":
		return true, a.login.handleLogin(w, r, leaf, args, a.cfg.Session)

	case "logout":
		if sess != nil {
			a.sessions.Close(sess.ID)
		}
		clearSessionCookie(w, a.cfg.Session)
		reply(w, http.StatusOK, map[string]any{"ok": true})
		return true, nil

	case "session":
		if sess == nil {
			return true, NewKeyError("no active session", nil)
		}
		reply(w, http.StatusOK, sess)
		return true, nil

	case "query":
		return true, a.serveQueryLeaf(w, r, leaf, api, args, sess, logger)

	case "timeseries":
		return true, a.serveTimeseriesLeaf(w, r, leaf, api)
	}

	return true, NewNotImplementedError("unknown handler \"" + leaf.Handler + "\"")
}

// applyLeafCORS answers a single request using the CORS rules of an
// individual "handler: cors" leaf, rather than the server-wide
// middleware setupRouter installs from APIServerConfig.CORS.
func (a *APIServer) applyLeafCORS(w http.ResponseWriter, r *http.Request, c *CORS) {
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	opt := cors.Options{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   c.AllowedMethods,
		AllowedHeaders:   c.AllowedHeaders,
		ExposedHeaders:   c.ExposedHeaders,
		AllowCredentials: c.AllowCredentials,
		Debug:            c.Debug,
	}
	if c.MaxAge != nil && *c.MaxAge > 0 {
		opt.MaxAge = *c.MaxAge
	}
	co := cors.New(opt)
	co.HandlerFunc(w, r)
	w.WriteHeader(http.StatusNoContent)
}
