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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/jmpapi/jmpapi/dns"
)

const (
	readTimeout  = time.Minute
	writeTimeout = 5 * time.Minute
	idleTimeout  = 2 * time.Minute

	timeseriesDirEnv = "JMPAPI_TIMESERIES_DIR"
	dnsEnv           = "JMPAPI_DNS" // override: comma-separated nameservers
)

// APIServer is the running gateway: one HTTP listener dispatching to the
// handler tree loadConfig built from an APIServerConfig, plus the
// supporting services (datasources, sessions, timeseries, login, DNS,
// cron) every leaf's handler chain may reach into. It mirrors the
// teacher's own APIServer/NewAPIServer/Start/Stop shape, generalized from
// one flat endpoint list to the declarative tree this schema describes.
type APIServer struct {
	cfg    *APIServerConfig
	logger zerolog.Logger

	routes []loadedEndpoint

	ds         *datasources
	sessions   *SessionManager
	login      *loginManager
	timeseries *timeseriesRegistry
	resolver   *dns.Resolver
	binds      *bindRegistry
	resources  *resourceRegistry

	srv         *http.Server
	c           *cron.Cron
	bgctx       context.Context
	bgctxcancel context.CancelFunc
}

// NewAPIServer validates cfg, builds the handler tree, and wires every
// supporting service, but does not yet connect to anything or start
// listening — that happens in Start. logger may be the zero value, in
// which case logging is a no-op, matching the teacher's own
// RuntimeInterface-optional behavior.
func NewAPIServer(cfg *APIServerConfig, logger zerolog.Logger) (*APIServer, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	routes, err := loadConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &APIServer{
		cfg:       cfg,
		logger:    logger,
		routes:    routes,
		ds:        &datasources{logger: logger},
		sessions:  newSessionManager(cfg.Session),
		binds:     newBindRegistry(),
		resources: newResourceRegistry(),
	}
	a.c = newCron(a.logger)

	return a, nil
}

// Binds exposes the bind-callback registry so the embedding application
// can register "handler: bind" implementations before Start.
func (a *APIServer) Binds() *bindRegistry { return a.binds }

// Resources exposes the named filesystem registry "handler: resource"
// endpoints serve out of.
func (a *APIServer) Resources() *resourceRegistry { return a.resources }

// Start connects every datasource, opens the DNS resolver, registers and
// arms every timeseries, schedules housekeeping, and finally starts the
// HTTP listener — in that order, since later steps assume earlier ones
// succeeded, the same sequencing the teacher's own Start method uses.
func (a *APIServer) Start() error {
	a.bgctx, a.bgctxcancel = context.WithCancel(context.Background())

	if err := a.ds.start(a.bgctx, a.cfg.Datasources); err != nil {
		a.logger.Error().Err(err).Msg("failed to connect to all datasources")
		return err
	}

	resolver, err := a.startResolver()
	if err != nil {
		a.ds.stop()
		return err
	}
	a.resolver = resolver
	a.login = newLoginManager(a.cfg.OAuth2, a.ds, a.sessions, a.resolver)

	tsDir := os.Getenv(timeseriesDirEnv)
	if tsDir == "" {
		tsDir = "jmpapi-timeseries"
	}
	registry, err := newTimeseriesRegistry(tsDir)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to open timeseries store")
		a.ds.stop()
		return err
	}
	a.timeseries = registry
	for _, api := range a.cfg.allAPIs() {
		for tsName, def := range api.Timeseries {
			if def.SQL == "" && def.Query != "" {
				if q, ok := api.Queries[def.Query]; ok {
					def.SQL = q.SQL
					if def.Datasource == "" {
						def.Datasource = q.Datasource
					}
				}
			}
			key := api.timeseriesKey(tsName)
			if err := a.timeseries.register(a.bgctx, key, def, a.ds, a.logger); err != nil {
				a.logger.Error().Err(err).Str("timeseries", tsName).Msg("failed to register timeseries")
				a.timeseries.close()
				a.ds.stop()
				return err
			}
		}
	}

	if err := scheduleHousekeeping(a.c, a.sessions); err != nil {
		a.timeseries.close()
		a.ds.stop()
		return err
	}
	a.c.Start()

	r := chi.NewRouter()
	a.setupRouter(r)
	var h http.Handler = r
	if a.cfg.Compression {
		h = middleware.Compress(5)(h)
	}

	listen := a.cfg.Listen
	if !rxPort.MatchString(listen) {
		listen += ":8080"
	}
	lnr, err := net.Listen("tcp", listen)
	if err != nil {
		a.c.Stop()
		a.timeseries.close()
		a.ds.stop()
		return err
	}
	a.srv = &http.Server{
		Addr:         listen,
		Handler:      h,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	go a.srv.Serve(lnr)
	a.logger.Info().Str("listen", listen).Msg("jmpapi server started successfully")

	return nil
}

// startResolver opens the recursive DNS resolver backing outbound OAuth2
// HTTP calls. Nameservers come from APIServerConfig.DNS when set; the
// JMPAPI_DNS environment variable (comma-separated) overrides it, mainly
// useful for pointing a debug build at a test nameserver; with neither
// set, the system's own /etc/resolv.conf nameservers are discovered.
func (a *APIServer) startResolver() (*dns.Resolver, error) {
	r, err := dns.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open dns resolver: %w", err)
	}

	var addrs []string
	if env := os.Getenv(dnsEnv); env != "" {
		addrs = strings.Split(env, ",")
	} else if a.cfg.DNS != nil && len(a.cfg.DNS.Nameservers) > 0 {
		addrs = a.cfg.DNS.Nameservers
	}

	if len(addrs) > 0 {
		for _, addr := range addrs {
			if err := r.AddNameserver(strings.TrimSpace(addr), false); err != nil {
				r.Close()
				return nil, fmt.Errorf("invalid nameserver %q: %w", addr, err)
			}
		}
		return r, nil
	}

	system, err := systemNameservers()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to discover system nameservers: %w", err)
	}
	for _, addr := range system {
		if err := r.AddNameserver(addr, true); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// systemNameservers parses /etc/resolv.conf for "nameserver" lines, the
// same source the platform's own stub resolver reads, since this
// resolver is not libc-backed and cannot otherwise discover them.
func systemNameservers() ([]string, error) {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "nameserver") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 {
			out = append(out, fields[1])
		}
	}
	return out, nil
}

// Stop gracefully shuts the server down: housekeeping cron, background
// handlers, HTTP listener, timeseries store and datasource pools, in
// roughly the reverse order Start brought them up, matching the
// teacher's own Stop.
func (a *APIServer) Stop(timeout time.Duration) error {
	if a.srv == nil {
		return nil
	}

	a.logger.Info().Dur("timeout", timeout).Msg("stop request received, shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.c.Stop()
	a.bgctxcancel()
	<-a.bgctx.Done()

	if err := a.srv.Shutdown(ctx); err != nil {
		return err
	}
	a.srv = nil

	if a.timeseries != nil {
		a.timeseries.close()
	}
	if a.resolver != nil {
		a.resolver.Close()
	}
	a.ds.stop()

	a.logger.Info().Msg("jmpapi server stopped")
	return nil
}

//------------------------------------------------------------------------------
// router setup

// loggerForCORS adapts zerolog to the cors.Logger interface, same idiom
// the teacher uses for its own CORS debug logging.
type loggerForCORS struct{ logger zerolog.Logger }

func (l *loggerForCORS) Printf(f string, args ...interface{}) {
	l.logger.Debug().Msgf(f, args...)
}

func (a *APIServer) setupRouter(r *chi.Mux) {
	if corsCfg := a.cfg.CORS; corsCfg != nil {
		options := cors.Options{
			AllowedOrigins:   corsCfg.AllowedOrigins,
			AllowedMethods:   corsCfg.AllowedMethods,
			AllowedHeaders:   corsCfg.AllowedHeaders,
			ExposedHeaders:   corsCfg.ExposedHeaders,
			AllowCredentials: corsCfg.AllowCredentials,
			Debug:            corsCfg.Debug,
		}
		if corsCfg.MaxAge != nil && *corsCfg.MaxAge > 0 {
			options.MaxAge = *corsCfg.MaxAge
		}
		co := cors.New(options)
		if corsCfg.Debug {
			co.Log = &loggerForCORS{logger: a.logger.With().Bool("cors", true).Logger()}
		}
		r.Use(co.Handler)
	}

	for i := range a.routes {
		le := a.routes[i]
		pattern := a.cfg.CommonPrefix + le.pattern
		r.Method(le.method, pattern, a.handlerFor(le))
	}
}

// handlerFor closes over one loadedEndpoint's leaf/api pair, resolving
// the caller's session (if any) and running the leaf's handler chain
// through dispatchLeaf, matching the teacher's own per-endpoint serve
// closure.
func (a *APIServer) handlerFor(le loadedEndpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiName := le.apiName
		uri := a.cfg.CommonPrefix + le.pattern
		logger := a.logger.With().Str("api", apiName).Str("endpoint", uri).Logger()

		sess, _ := a.lookupSession(r)

		_, err := a.dispatchLeaf(w, r, &le.leaf, le.api, sess, logger)
		if err != nil {
			writeError(w, r, logger, err)
		}
	}
}

// lookupSession reads the session cookie named by SessionConfig (default
// "sid") and resolves it through the SessionManager; a missing or
// expired session is not itself an error — the request proceeds
// unauthenticated, and AccessRule.evaluate(nil) decides whether that's
// permitted for this endpoint.
func (a *APIServer) lookupSession(r *http.Request) (*Session, error) {
	name := "sid"
	if a.cfg.Session != nil && a.cfg.Session.CookieName != "" {
		name = a.cfg.Session.CookieName
	}
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	return a.sessions.Lookup(c.Value)
}

// getRealIP returns the originating IP address for the HTTP request,
// preferring X-Forwarded-For/X-Real-Ip over the socket's own remote
// address, the same precedence the teacher's own getRealIP applies.
func getRealIP(r *http.Request) string {
	if ff := r.Header.Get("X-Forwarded-For"); len(ff) > 0 {
		if p := strings.Index(ff, ","); p != -1 {
			ff = ff[:p]
		}
		return ff
	}
	if rip := r.Header.Get("X-Real-Ip"); len(rip) > 0 {
		return rip
	}
	ip := r.RemoteAddr
	if p := strings.LastIndex(ip, ":"); p != -1 {
		ip = ip[:p]
	}
	return ip
}

//------------------------------------------------------------------------------
// handler: query / handler: timeseries leaf implementations

// serveQueryLeaf runs a "handler: query" leaf: resolve the statement (own
// SQL, or a named entry from the owning API's Queries dict), execute it,
// and write the projected result in the shape the leaf (or the named
// query) declares. Return shape "ok" is treated as a write statement and
// executed with runExec rather than runQuery, since a DML statement may
// not produce a row set at all.
func (a *APIServer) serveQueryLeaf(w http.ResponseWriter, r *http.Request, leaf *EndpointLeaf, api *API, args map[string]any, sess *Session, logger zerolog.Logger) error {
	def, err := resolveQueryDef(leaf, api)
	if err != nil {
		return err
	}
	scope := resolverScope{args: args, session: sess}

	if def.Return == "ok" {
		if _, err := runExec(r.Context(), a.ds, def, scope); err != nil {
			return err
		}
		reply(w, http.StatusOK, map[string]any{"ok": true})
		return nil
	}

	if def.Return == "fields" {
		results, err := runMultiQuery(r.Context(), a.ds, def, scope)
		if err != nil {
			return err
		}
		v, err := fieldsShape(results, def.Fields)
		if err != nil {
			return err
		}
		reply(w, http.StatusOK, v)
		return nil
	}

	qr, err := runQuery(r.Context(), a.ds, def, scope)
	if err != nil {
		return err
	}

	if wantsCSV(r) {
		replyCSV(w, qr)
		return nil
	}

	v, err := projectQuery(qr, def.Return, def.Fields)
	if err != nil {
		return err
	}
	reply(w, http.StatusOK, v)
	return nil
}

// resolveQueryDef merges a leaf's inline SQL/return/fields/datasource
// fields with a named Queries-dict entry, with the leaf's own fields
// (when present) overriding the named query's, the same "inline
// overrides named" precedence spec section 4.8 describes.
func resolveQueryDef(leaf *EndpointLeaf, api *API) (QueryDef, error) {
	var def QueryDef
	if leaf.Query != "" {
		named, ok := api.Queries[leaf.Query]
		if !ok {
			return QueryDef{}, NewKeyError(fmt.Sprintf("query %q not found", leaf.Query), nil)
		}
		def = named
	}
	if leaf.SQL != "" {
		def.SQL = leaf.SQL
	}
	if leaf.Return != "" {
		def.Return = leaf.Return
	}
	if len(leaf.Fields) > 0 {
		def.Fields = leaf.Fields
	}
	if leaf.Datasource != "" {
		def.Datasource = leaf.Datasource
	}
	if leaf.Timeout != nil {
		def.Timeout = leaf.Timeout
	}
	if leaf.TxOptions != nil {
		def.TxOptions = leaf.TxOptions
	}
	if def.SQL == "" {
		return QueryDef{}, NewValidationError("query handler has no sql", nil)
	}
	return def, nil
}

// serveTimeseriesLeaf runs a "handler: timeseries" leaf's GET(since,
// maxCount) operation (spec section 4.9): optional "since" (RFC3339) and
// "maxCount" query parameters bound how much history is returned,
// defaulting to everything currently retained.
func (a *APIServer) serveTimeseriesLeaf(w http.ResponseWriter, r *http.Request, leaf *EndpointLeaf, api *API) error {
	ts, ok := a.timeseries.get(api.timeseriesKey(leaf.Timeseries))
	if !ok {
		return NewKeyError(fmt.Sprintf("unknown timeseries %q", leaf.Timeseries), nil)
	}

	since := time.Time{}
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return NewValidationError("invalid \"since\" parameter", err)
		}
		since = parsed
	}
	maxCount := 0
	if s := r.URL.Query().Get("maxCount"); s != "" {
		n, err := fmt.Sscanf(s, "%d", &maxCount)
		if err != nil || n != 1 {
			return NewValidationError("invalid \"maxCount\" parameter", err)
		}
	}

	entries, err := ts.history(since, maxCount)
	if err != nil {
		return err
	}
	reply(w, http.StatusOK, entries)
	return nil
}

// newResourceRegistry, Register and lookup for "handler: resource" are
// defined in router.go alongside the dispatch case that consumes them.
