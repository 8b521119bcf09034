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
	"encoding/json"
	"fmt"
	"strings"
)

// MinSchemaVersion is the lowest accepted semver version of the "jmpapi"
// key in a configuration document.
const MinSchemaVersion = "1.1.0"

//------------------------------------------------------------------------------
// core

// APIServerConfig is the entirety of the configuration supplied to the API
// Server, typically deserialized from a .json or .yaml file.
type APIServerConfig struct {
	// Version is the semver version of the schema ("jmpapi" key),
	// required, must be >= MinSchemaVersion.
	Version string `json:"jmpapi"`

	// Listen is the "IP" or "IP:port" for the server to bind to. If port
	// is omitted it defaults to 8080.
	Listen string `json:"listen,omitempty"`

	// CommonPrefix is prefixed to every URI below.
	CommonPrefix string `json:"commonPrefix,omitempty"`

	// Info mirrors into the OpenAPI document's "info" object.
	Info *Info `json:"info,omitempty"`

	// CORS configures Cross-Origin Resource Sharing for the server.
	CORS *CORS `json:"cors,omitempty"`

	// Compression turns on transparent gzip/deflate response encoding.
	Compression bool `json:"compression,omitempty"`

	// Session configures the session manager.
	Session *SessionConfig `json:"session,omitempty"`

	// DNS configures the recursive resolver used for outbound OAuth2 calls.
	DNS *DNSConfig `json:"dns,omitempty"`

	// OAuth2 lists the configured OAuth2 providers, keyed by name.
	OAuth2 map[string]*OAuth2Provider `json:"oauth2,omitempty"`

	// API is a single unnamed API; mutually exclusive with APIs, and
	// merged into it internally under the empty-string key.
	API *API `json:"api,omitempty"`

	// APIs is a dict of named APIs, each contributing its own args,
	// queries, timeseries and endpoints under CommonPrefix.
	APIs map[string]*API `json:"apis,omitempty"`

	// Datasources is a list of all PostgreSQL databases referred to by
	// endpoints and queries. All are connected to on startup unless
	// marked lazy.
	Datasources []Datasource `json:"datasources,omitempty"`
}

// Info is mirrored into the "info" object of the emitted OpenAPI document.
type Info struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// API groups the args/queries/timeseries/endpoints belonging to one named
// API surface. A deployment with a single "api" key and one with several
// named "apis" entries are both represented as one or more API values.
type API struct {
	// name is the key this API was registered under in APIs (or "" for
	// the singular API key), set by the loader. It namespaces timeseries
	// registry keys so two APIs may reuse the same timeseries name.
	name string

	// Help is a short description used as an OpenAPI tag description.
	Help string `json:"help,omitempty"`

	// Hide excludes this API's tag from the emitted OpenAPI document.
	Hide bool `json:"hide,omitempty"`

	// Args is a dict of reusable, named argument lists.
	Args map[string]ArgDict `json:"args,omitempty"`

	// Queries is a dict of named prepared queries.
	Queries map[string]QueryDef `json:"queries,omitempty"`

	// Timeseries is a dict of named time-series definitions.
	Timeseries map[string]TimeseriesDef `json:"timeseries,omitempty"`

	// Endpoints is the root of the endpoint tree for this API.
	Endpoints EndpointNode `json:"endpoints,omitempty"`
}

// ArgDict is an ordered list of argument definitions. Order is preserved
// because JSON objects don't guarantee iteration order across decoders;
// a config author lists args as an array rather than an object.
type ArgDict []ArgDef

// ArgDef describes one named argument accepted by an endpoint.
type ArgDef struct {
	// Name of the argument.
	Name string `json:"name"`

	// Type is one of string, int, uint, number, bool, list, dict.
	Type string `json:"type"`

	// Source is one of path, query, body, header, cookie, session.
	// Defaults to "query" for GET-only endpoints and "body" otherwise.
	Source string `json:"source,omitempty"`

	// Required rejects the request with 400 if the argument is absent.
	Required bool `json:"required,omitempty"`

	// Default supplies a value when the argument is absent and not
	// required.
	Default any `json:"default,omitempty"`

	// Enum restricts allowed values for string/int/number types.
	Enum []any `json:"enum,omitempty"`

	Minimum   *float64 `json:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	MinItems  *int     `json:"minItems,omitempty"`
	MaxItems  *int     `json:"maxItems,omitempty"`
	ElemType  string   `json:"elemType,omitempty"`

	// Help documents the argument in the OpenAPI output.
	Help string `json:"help,omitempty"`
}

//------------------------------------------------------------------------------
// access control

// AccessRule is attached to an endpoint leaf to restrict who may invoke it.
// A name of "*" matches everyone; a name prefixed with "@" or "$" is a
// group tag; anything else is a literal user name. The synthesized names
// "authenticated" and "unauthenticated" may also appear as group tags.
type AccessRule struct {
	Allow StringList `json:"allow,omitempty"`
	Deny  StringList `json:"deny,omitempty"`
}

// StringList decodes from either a single JSON string or a list of
// strings, matching the spec's "a string or list of strings" grammar for
// allow/deny.
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = StringList(many)
	return nil
}

func (s StringList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

//------------------------------------------------------------------------------
// endpoint tree

// EndpointNode is one node of the recursive endpoint tree described in
// spec section 4.7: a key starting with "/" introduces a subpath, a key
// that parses as one or more "|"-joined HTTP method names introduces a
// method dispatcher, and anything else is a field of the leaf at this
// node (handler, args, allow, deny, ...). Because the same JSON object
// mixes structural keys (subpaths, methods) with leaf fields, EndpointNode
// keeps the raw fields decoded into Leaf and the structural children in
// Children, split apart by UnmarshalJSON.
type EndpointNode struct {
	Leaf     EndpointLeaf
	Children map[string]EndpointNode
}

// EndpointLeaf is the set of fields an endpoint-tree node itself may
// carry, whether or not it also has subpath/method children.
type EndpointLeaf struct {
	// Handler selects the endpoint implementation. One of: pass, cors,
	// status, redirect, spec, websocket, file, resource, bind, login,
	// logout, session, query, timeseries. If empty but Handlers, Bind,
	// Timeseries, SQL/Query, Path or Resource are set, the handler type
	// is inferred from the first of those present, else it defaults to
	// "pass".
	Handler string `json:"handler,omitempty"`

	// Handlers composes an ordered list of sub-configs, each run as its
	// own handler chain in sequence until one reports handled.
	Handlers []EndpointLeaf `json:"handlers,omitempty"`

	Args StringOrArgList `json:"args,omitempty"`

	AccessRule

	Headers map[string]string `json:"headers,omitempty"`

	// ArgFilter names a callback, registered via Bind, that may rewrite
	// the argument dict after the args have been resolved and validated.
	ArgFilter string `json:"arg-filter,omitempty"`

	// Hide excludes this leaf from the emitted OpenAPI document.
	Hide bool `json:"hide,omitempty"`

	// Help documents the endpoint in the OpenAPI output.
	Help string `json:"help,omitempty"`

	Debug bool `json:"debug,omitempty"`

	// --- handler: status ---
	Status int `json:"status,omitempty"`

	// --- handler: redirect ---
	Redirect     string `json:"redirect,omitempty"`
	RedirectCode int    `json:"redirectCode,omitempty"`

	// --- handler: bind ---
	Bind string `json:"bind,omitempty"`

	// --- handler: file / resource ---
	Path     string `json:"path,omitempty"`
	Resource string `json:"resource,omitempty"`

	// --- handler: query ---
	// SQL is an inline query template; Query refers to a name under the
	// owning API's Queries dict. At most one may be set.
	SQL      string `json:"sql,omitempty"`
	Query    string `json:"query,omitempty"`
	Return   string `json:"return,omitempty"`
	Fields   []string `json:"fields,omitempty"`
	Datasource string `json:"datasource,omitempty"`
	Timeout  *float64 `json:"timeout,omitempty"`
	Cache    *float64 `json:"cache,omitempty"`
	TxOptions *TxOptions `json:"tx,omitempty"`

	// --- handler: timeseries ---
	Timeseries string `json:"timeseries,omitempty"`

	// --- handler: websocket ---
	Subscribe string `json:"subscribe,omitempty"`

	// --- handler: login ---
	Provider string `json:"provider,omitempty"`
	LoginSQL string `json:"login-sql,omitempty"`

	// --- handler: cors ---
	CORSRef *CORS `json:"cors,omitempty"`
}

// StringOrArgList decodes either an inline []ArgDef, or a string naming
// an entry in the owning API's Args dict (resolved by the loader).
type StringOrArgList struct {
	Ref  string
	List ArgDict
}

func (s *StringOrArgList) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		s.Ref = name
		return nil
	}
	var list ArgDict
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	s.List = list
	return nil
}

func (s StringOrArgList) MarshalJSON() ([]byte, error) {
	if s.Ref != "" {
		return json.Marshal(s.Ref)
	}
	return json.Marshal(s.List)
}

// UnmarshalJSON splits a raw JSON object into structural children
// (subpaths beginning with "/", method dispatch keys) and the remaining
// leaf fields, which are decoded as EndpointLeaf.
func (n *EndpointNode) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	leafFields := map[string]json.RawMessage{}
	n.Children = map[string]EndpointNode{}
	for k, v := range raw {
		switch {
		case strings.HasPrefix(k, "/"):
			var child EndpointNode
			if err := json.Unmarshal(v, &child); err != nil {
				return fmt.Errorf("endpoint subpath %q: %w", k, err)
			}
			n.Children[k] = child
		case isMethodKey(k):
			var child EndpointNode
			if err := json.Unmarshal(v, &child); err != nil {
				return fmt.Errorf("endpoint method %q: %w", k, err)
			}
			n.Children[k] = child
		default:
			leafFields[k] = v
		}
	}
	if len(leafFields) > 0 {
		lb, err := json.Marshal(leafFields)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(lb, &n.Leaf); err != nil {
			return err
		}
	}
	return nil
}

var httpMethodNames = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "HEAD": true,
}

// isMethodKey reports whether k is a single HTTP method name or a
// "|"-separated combination of them, e.g. "GET|POST".
func isMethodKey(k string) bool {
	for _, part := range strings.Split(k, "|") {
		if !httpMethodNames[strings.ToUpper(part)] {
			return false
		}
	}
	return true
}

//------------------------------------------------------------------------------
// query / timeseries definitions

// QueryDef is a prepared SQL statement plus the shape its results should
// be projected into. At most one of SQL and Query may be set when it
// appears inline on an endpoint leaf; as a top-level named entry under
// "queries" only SQL applies.
type QueryDef struct {
	SQL        string     `json:"sql"`
	Return     string     `json:"return,omitempty"`
	Fields     []string   `json:"fields,omitempty"`
	Datasource string     `json:"datasource,omitempty"`
	Timeout    *float64   `json:"timeout,omitempty"`
	TxOptions  *TxOptions `json:"tx,omitempty"`
}

// TxOptions specify what type of transaction to use for a SQL query,
// corresponding to the options used in PostgreSQL's BEGIN/SET TRANSACTION.
type TxOptions struct {
	Access     string `json:"access,omitempty"`
	ISOLevel   string `json:"level,omitempty"`
	Deferrable bool   `json:"deferrable,omitempty"`
}

// TimeseriesDef describes one periodic, cached, subscribable aggregate
// query.
type TimeseriesDef struct {
	Name     string   `json:"name,omitempty"`
	Period   string   `json:"period"`
	Timeout  string   `json:"timeout,omitempty"`
	Trigger  string   `json:"trigger,omitempty"`
	SQL      string   `json:"sql,omitempty"`
	Query    string   `json:"query,omitempty"`
	Datasource string `json:"datasource,omitempty"`
}

//------------------------------------------------------------------------------
// cors

// CORS specifies the Cross Origin Resource Sharing configuration for the
// server, or for an individual "handler: cors" leaf.
type CORS struct {
	AllowedOrigins   []string `json:"allowedOrigins,omitempty"`
	AllowedMethods   []string `json:"allowedMethods,omitempty"`
	AllowedHeaders   []string `json:"allowedHeaders,omitempty"`
	ExposedHeaders   []string `json:"exposedHeaders,omitempty"`
	AllowCredentials bool     `json:"allowCredentials,omitempty"`
	MaxAge           *int     `json:"maxAge,omitempty"`
	Debug            bool     `json:"debug,omitempty"`
}

//------------------------------------------------------------------------------
// session / dns / oauth2 config

// SessionConfig tunes the session manager (4.5).
type SessionConfig struct {
	// Timeout in seconds since last use after which a session expires.
	// Ignored if <= 0 (no per-session idle timeout).
	Timeout float64 `json:"timeout,omitempty"`

	// Lifetime in seconds since creation after which a session expires
	// unconditionally. Ignored if <= 0.
	Lifetime float64 `json:"lifetime,omitempty"`

	// CookieName is the name of the session cookie. Defaults to "sid".
	CookieName string `json:"cookieName,omitempty"`

	// Secure marks the session cookie Secure (HTTPS only).
	Secure bool `json:"secure,omitempty"`
}

// DNSConfig configures the recursive resolver.
type DNSConfig struct {
	// Nameservers is an explicit list of "ip:port" or "ip" nameserver
	// addresses. If empty, system nameservers are discovered, unless
	// overridden by the JMPAPI_DNS environment variable in debug mode.
	Nameservers []string `json:"nameservers,omitempty"`
}

// OAuth2Provider configures one named OAuth2 identity provider consumed
// by "handler: login".
type OAuth2Provider struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	AuthURL      string   `json:"authUrl"`
	TokenURL     string   `json:"tokenUrl"`
	UserInfoURL  string   `json:"userInfoUrl"`
	Scopes       []string `json:"scopes,omitempty"`
	RedirectURL  string   `json:"redirectUrl,omitempty"`

	// Profile names the well-known profile-normalization rules to apply:
	// "facebook", "github", or "" for the generic profile shape.
	Profile string `json:"profile,omitempty"`
}

//------------------------------------------------------------------------------
// datasource (kept from the teacher almost verbatim: same PostgreSQL
// connection model, same env vars it documents)

// Datasource defines the parameters to connect to a PostgreSQL database.
type Datasource struct {
	Name                 string            `json:"name"`
	Host                 string            `json:"host,omitempty"`
	Database             string            `json:"dbname,omitempty"`
	User                 string            `json:"user,omitempty"`
	Password             string            `json:"password,omitempty"`
	Passfile             string            `json:"passfile,omitempty"`
	SSLMode              string            `json:"sslmode,omitempty"`
	SSLCert              string            `json:"sslcert,omitempty"`
	SSLKey               string            `json:"sslkey,omitempty"`
	SSLRootCert          string            `json:"sslrootcert,omitempty"`
	Params               map[string]string `json:"params,omitempty"`
	PreferSimpleProtocol bool              `json:"simple,omitempty"`
	Timeout              *float64          `json:"timeout,omitempty"`
	Role                 string            `json:"role,omitempty"`
	Pool                 *ConnPool         `json:"pool,omitempty"`
}

// ConnPool specifies the settings for pooling of connections for a single
// datasource.
type ConnPool struct {
	MinConns         *int64   `json:"minConns,omitempty"`
	MaxConns         *int64   `json:"maxConns,omitempty"`
	MaxIdleTime      *float64 `json:"maxIdleTime,omitempty"`
	MaxConnectedTime *float64 `json:"maxConnectedTime,omitempty"`
	Lazy             bool     `json:"lazy,omitempty"`
}

//------------------------------------------------------------------------------
// validation result, unchanged shape from the teacher

// Validate the entire configuration. Returns a list of errors and warnings.
func (c *APIServerConfig) Validate() (r []ValidationResult) {
	return c.validate()
}

// IsValid performs validation and returns a single error if at least one
// validation error (not warning) was found.
func (c *APIServerConfig) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}

// ValidationResult holds one entry of the results of validation.
type ValidationResult struct {
	Warn    bool
	Message string
}

// allAPIs returns every named API in the config, merging the singular
// "api" key (if present) under the empty string name.
func (c *APIServerConfig) allAPIs() map[string]*API {
	out := map[string]*API{}
	for k, v := range c.APIs {
		v.name = k
		out[k] = v
	}
	if c.API != nil {
		c.API.name = ""
		out[""] = c.API
	}
	return out
}

// timeseriesKey namespaces a timeseries name by the owning API, so that
// two differently-named APIs may each define a "foo" timeseries without
// colliding in the shared timeseriesRegistry.
func (a *API) timeseriesKey(name string) string {
	return a.name + "\x00" + name
}
