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
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{Warn: true, Message: msg})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{Warn: false, Message: msg})
}

//------------------------------------------------------------------------------
// server

var (
	rxPort      = regexp.MustCompile(`:[0-9]+$`)
	rxPrefix    = regexp.MustCompile(`^(/[A-Za-z0-9_.-]+)+$`)
	rxMethod    = regexp.MustCompile(`^((GET)|(POST)|(PUT)|(PATCH)|(DELETE)|(OPTIONS)|(HEAD))$`)
	rxName      = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*(\.[A-Za-z0-9_][A-Za-z0-9_-]*)*$`)
	rxPqParam   = regexp.MustCompile(`^[a-z]+(_[a-z]+)*$`)
	rxRole      = regexp.MustCompile(`^[A-Za-z\200-\377_][A-Za-z\200-\377_0-9\$]*$`)
	rxArgName   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

func (c *APIServerConfig) validate() (r []ValidationResult) {
	// jmpapi version
	v := c.Version
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		r = addError(r, fmt.Sprintf("invalid schema version %q: must be semver", c.Version))
	} else if semver.Compare(v, "v"+MinSchemaVersion) < 0 {
		r = addError(r, fmt.Sprintf("schema version %q is older than the minimum supported %q", c.Version, MinSchemaVersion))
	}

	// Listen
	if len(c.Listen) > 0 {
		l := c.Listen
		if !rxPort.MatchString(l) {
			l += ":8080"
		}
		if host, port, err := net.SplitHostPort(l); err != nil {
			r = addError(r, fmt.Sprintf("invalid listen specification %q", c.Listen))
		} else if nport, err := strconv.Atoi(port); err != nil || nport <= 0 || nport >= 65536 {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad port %q", port))
		} else if host != "" && net.ParseIP(host) == nil {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad IP %q", host))
		}
	}

	// CommonPrefix
	if len(c.CommonPrefix) > 0 && !rxPrefix.MatchString(c.CommonPrefix) {
		r = addError(r, fmt.Sprintf("invalid common prefix %q", c.CommonPrefix))
	}

	if c.CORS != nil {
		r = append(r, c.CORS.validate("server")...)
	}

	if c.API != nil && c.APIs != nil {
		r = addError(r, "cannot specify both \"api\" and \"apis\"")
	}

	for name, api := range c.allAPIs() {
		r = append(r, api.validate(name, c.Datasources, c.OAuth2)...)
	}

	dsNames := make(map[string]int)
	for i := range c.Datasources {
		dsNames[c.Datasources[i].Name]++
		r = append(r, c.Datasources[i].validate()...)
	}
	for n, cnt := range dsNames {
		if cnt > 1 {
			r = addError(r, fmt.Sprintf("%d datasources named %q", cnt, n))
		}
	}

	return
}

//------------------------------------------------------------------------------
// cors

func (c *CORS) validate(where string) (r []ValidationResult) {
	for _, o := range c.AllowedOrigins {
		if n := strings.Count(o, "*"); n > 1 {
			r = addError(r, fmt.Sprintf("%s cors: allowed origin %q: can use only 1 wildcard", where, o))
		}
	}
	for _, m := range c.AllowedMethods {
		if !rxMethod.MatchString(m) {
			r = addError(r, fmt.Sprintf("%s cors: allowed methods: invalid method %q", where, m))
		}
	}
	if c.MaxAge != nil && *c.MaxAge <= 0 {
		r = addWarn(r, fmt.Sprintf("%s cors: max age %d is <=0, will be ignored", where, *c.MaxAge))
	}
	return
}

//------------------------------------------------------------------------------
// api

func (api *API) validate(name string, ds []Datasource, providers map[string]*OAuth2Provider) (r []ValidationResult) {
	pfx := fmt.Sprintf("api %q:", name)

	for argName, dict := range api.Args {
		for i := range dict {
			r = append(r, dict[i].validate(fmt.Sprintf("%s args %q:", pfx, argName))...)
		}
	}

	for qname, q := range api.Queries {
		r = append(r, q.validate(fmt.Sprintf("%s query %q:", pfx, qname), ds)...)
	}

	for tname, t := range api.Timeseries {
		r = append(r, t.validate(fmt.Sprintf("%s timeseries %q:", pfx, tname), ds)...)
	}

	r = append(r, validateEndpointTree(pfx, "", &api.Endpoints, ds, providers)...)

	return
}

func validateEndpointTree(pfx, path string, node *EndpointNode, ds []Datasource, providers map[string]*OAuth2Provider) (r []ValidationResult) {
	r = append(r, node.Leaf.validate(fmt.Sprintf("%s endpoint %q:", pfx, path), ds, providers)...)
	for key, child := range node.Children {
		child := child
		sub := path
		if strings.HasPrefix(key, "/") {
			sub += key
		}
		r = append(r, validateEndpointTree(pfx, sub, &child, ds, providers)...)
	}
	return
}

var validHandlers = map[string]bool{
	"": true, "pass": true, "cors": true, "status": true, "redirect": true,
	"spec": true, "websocket": true, "file": true, "resource": true,
	"bind": true, "login": true, "logout": true, "session": true,
	"query": true, "timeseries": true, "handlers": true,
}

func (leaf *EndpointLeaf) validate(pfx string, ds []Datasource, providers map[string]*OAuth2Provider) (r []ValidationResult) {
	if !validHandlers[leaf.Handler] {
		r = addError(r, fmt.Sprintf("%s invalid handler %q", pfx, leaf.Handler))
	}

	for i := range leaf.Args.List {
		r = append(r, leaf.Args.List[i].validate(pfx)...)
	}

	if leaf.Handler == "query" && leaf.SQL == "" && leaf.Query == "" {
		r = addError(r, fmt.Sprintf("%s query handler requires \"sql\" or \"query\"", pfx))
	}
	if (leaf.Handler == "query") && leaf.Datasource != "" {
		if !hasDatasource(ds, leaf.Datasource) {
			r = addError(r, fmt.Sprintf("%s unknown datasource %q", pfx, leaf.Datasource))
		}
	}
	if leaf.TxOptions != nil {
		r = append(r, leaf.TxOptions.validate(pfx)...)
	}
	if leaf.Timeout != nil && *leaf.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s timeout %g is <=0, will be ignored", pfx, *leaf.Timeout))
	}
	if leaf.Cache != nil && *leaf.Cache <= 0 {
		r = addWarn(r, fmt.Sprintf("%s cache ttl %g is <=0, will be ignored", pfx, *leaf.Cache))
	}
	if leaf.Handler == "redirect" && leaf.Redirect == "" {
		r = addError(r, fmt.Sprintf("%s redirect handler requires \"redirect\"", pfx))
	}
	if leaf.Handler == "login" && leaf.Provider != "" && leaf.Provider != "none" {
		if providers == nil || providers[leaf.Provider] == nil {
			r = addError(r, fmt.Sprintf("%s unknown oauth2 provider %q", pfx, leaf.Provider))
		}
	}
	for i := range leaf.Handlers {
		r = append(r, leaf.Handlers[i].validate(fmt.Sprintf("%s handlers[%d]:", pfx, i), ds, providers)...)
	}
	return
}

func hasDatasource(ds []Datasource, name string) bool {
	for i := range ds {
		if ds[i].Name == name {
			return true
		}
	}
	return false
}

//------------------------------------------------------------------------------
// arg

func (a *ArgDef) validate(pfx string) (r []ValidationResult) {
	p := fmt.Sprintf("%s arg %q:", pfx, a.Name)
	if !rxArgName.MatchString(a.Name) {
		r = addError(r, fmt.Sprintf("%s invalid name", p))
	}
	switch a.Type {
	case "string", "int", "uint", "number", "bool", "list", "dict":
	default:
		r = addError(r, fmt.Sprintf("%s invalid type %q", p, a.Type))
	}
	switch a.Source {
	case "", "path", "query", "body", "header", "cookie", "session":
	default:
		r = addError(r, fmt.Sprintf("%s invalid source %q", p, a.Source))
	}
	if len(a.Pattern) > 0 {
		if a.Type != "string" {
			r = addError(r, fmt.Sprintf("%s pattern only valid for type string", p))
		} else if _, err := regexp.Compile("^" + a.Pattern + "$"); err != nil {
			r = addError(r, fmt.Sprintf("%s pattern is not a valid regex", p))
		}
	}
	if a.Maximum != nil && a.Minimum != nil && *a.Maximum < *a.Minimum {
		r = addError(r, fmt.Sprintf("%s maximum is less than minimum", p))
	}
	if a.Type == "list" && a.ElemType == "" {
		r = addError(r, fmt.Sprintf("%s elemType must be specified for type list", p))
	}
	return
}

//------------------------------------------------------------------------------
// query / timeseries

func (q *QueryDef) validate(pfx string, ds []Datasource) (r []ValidationResult) {
	if strings.TrimSpace(q.SQL) == "" {
		r = addError(r, fmt.Sprintf("%s empty sql", pfx))
	}
	if q.Datasource != "" && !hasDatasource(ds, q.Datasource) {
		r = addError(r, fmt.Sprintf("%s unknown datasource %q", pfx, q.Datasource))
	}
	if q.TxOptions != nil {
		r = append(r, q.TxOptions.validate(pfx)...)
	}
	return
}

func (t *TimeseriesDef) validate(pfx string, ds []Datasource) (r []ValidationResult) {
	if strings.TrimSpace(t.SQL) == "" && t.Query == "" {
		r = addError(r, fmt.Sprintf("%s requires \"sql\" or \"query\"", pfx))
	}
	if t.Datasource != "" && !hasDatasource(ds, t.Datasource) {
		r = addError(r, fmt.Sprintf("%s unknown datasource %q", pfx, t.Datasource))
	}
	if _, err := time.ParseDuration(t.Period); err != nil {
		r = addError(r, fmt.Sprintf("%s invalid period %q: %v", pfx, t.Period, err))
	}
	return
}

//------------------------------------------------------------------------------
// tx options

func (tx *TxOptions) validate(pfx string) (r []ValidationResult) {
	access := strings.ToLower(tx.Access)
	if access != "read only" && access != "read write" && access != "" {
		r = addError(r, fmt.Sprintf("%s invalid access specifier %q", pfx, tx.Access))
	}
	isoLevel := strings.ToLower(tx.ISOLevel)
	if isoLevel != "read committed" && isoLevel != "repeatable read" &&
		isoLevel != "serializable" && isoLevel != "" {
		r = addError(r, fmt.Sprintf("%s invalid iso level %q", pfx, tx.ISOLevel))
	}
	return
}

//------------------------------------------------------------------------------
// datasource

func (d *Datasource) validate() (r []ValidationResult) {
	if !rxName.MatchString(d.Name) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid name", d.Name))
	}
	for k := range d.Params {
		if !rxPqParam.MatchString(k) {
			r = addError(r, fmt.Sprintf("datasource %q: invalid param %q", d.Name, k))
		}
	}
	if d.Timeout != nil && *d.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("datasource %q: timeout %g is <=0, will be ignored", d.Name, *d.Timeout))
	}
	if len(d.Role) > 0 && !rxRole.MatchString(d.Role) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid role %q", d.Name, d.Role))
	}
	if len(d.SSLCert) > 0 && !fileExists(d.SSLCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslcert file %q does not exist", d.Name, d.SSLCert))
	}
	if len(d.SSLKey) > 0 && !fileExists(d.SSLKey) {
		r = addError(r, fmt.Sprintf("datasource %q: sslkey file %q does not exist", d.Name, d.SSLKey))
	}
	if len(d.SSLRootCert) > 0 && !fileExists(d.SSLRootCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslrootcert file %q does not exist", d.Name, d.SSLRootCert))
	}
	if d.Pool != nil {
		r = append(r, d.Pool.validate(d.Name)...)
	}
	return
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi != nil && fi.Mode().IsRegular()
}

//------------------------------------------------------------------------------
// pool

func (p *ConnPool) validate(ds string) (r []ValidationResult) {
	if p.MinConns != nil && *p.MinConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: minConns for pool %d must be >0", ds, *p.MinConns))
	}
	if p.MaxConns != nil && *p.MaxConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d must be >0", ds, *p.MaxConns))
	}
	if p.MaxConns != nil && p.MinConns != nil && *p.MaxConns < *p.MinConns {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d is < minConns %d", ds, *p.MaxConns, *p.MinConns))
	}
	if p.MaxIdleTime != nil && *p.MaxIdleTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxIdleTime for pool %g must be > 0", ds, *p.MaxIdleTime))
	}
	if p.MaxConnectedTime != nil && *p.MaxConnectedTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConnectedTime for pool %g must be > 0", ds, *p.MaxConnectedTime))
	}
	return
}
