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
	"strings"

	"golang.org/x/mod/semver"
)

// loadedEndpoint is one fully-resolved route: a method, a chi-style URL
// pattern, and the leaf config (with its Args/Handlers resolved against
// the owning API's named dicts) that will serve it.
type loadedEndpoint struct {
	apiName string
	method  string
	pattern string
	leaf    EndpointLeaf
	api     *API
}

// loadConfig applies the version gate, then walks every API's endpoint
// tree, resolving named args references and inferring each leaf's handler
// type by precedence, and returns one loadedEndpoint per leaf and method.
// It registers no queries, timeseries or routes: APIServer.Start registers
// timeseries, setupRouter registers routes, and openapi.go builds the
// OpenAPI document.
func loadConfig(cfg *APIServerConfig) ([]loadedEndpoint, error) {
	// 1. version gate
	v := cfg.Version
	if v == "" {
		return nil, NewValidationError("missing \"jmpapi\" schema version", nil)
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return nil, NewValidationError(fmt.Sprintf("invalid schema version %q", cfg.Version), nil)
	}
	if semver.Compare(v, "v"+MinSchemaVersion) < 0 {
		return nil, NewValidationError(
			fmt.Sprintf("schema version %q is older than the minimum supported %q", cfg.Version, MinSchemaVersion), nil)
	}

	var out []loadedEndpoint
	for name, api := range cfg.allAPIs() {
		eps, err := walkEndpoints(name, api, "", &api.Endpoints, nil)
		if err != nil {
			return nil, fmt.Errorf("api %q: %w", name, err)
		}
		out = append(out, eps...)
	}
	return out, nil
}

// walkEndpoints performs the recursive-descent tree walk: "/"-prefixed
// keys extend the URL path, method-name keys select the HTTP method, and
// a node carrying any leaf field (handler, sql, bind, status, ...) is a
// leaf served at its accumulated path under every method its parent
// declared (defaulting to GET if none were ever named); its children, if
// any, are walked as well.
func walkEndpoints(apiName string, api *API, prefix string, node *EndpointNode, methods []string) ([]loadedEndpoint, error) {
	var out []loadedEndpoint

	hasLeafFields := node.Leaf.Handler != "" || len(node.Leaf.Handlers) > 0 ||
		node.Leaf.Bind != "" || node.Leaf.Timeseries != "" || node.Leaf.SQL != "" ||
		node.Leaf.Query != "" || node.Leaf.Path != "" || node.Leaf.Resource != "" ||
		node.Leaf.Status != 0 || node.Leaf.Redirect != "" || node.Leaf.Provider != "" ||
		node.Leaf.CORSRef != nil

	if hasLeafFields {
		leaf := node.Leaf
		if err := resolveLeafArgs(api, &leaf); err != nil {
			return nil, fmt.Errorf("%s: %w", prefix, err)
		}
		inferHandler(&leaf)
		ms := methods
		if len(ms) == 0 {
			ms = []string{"GET"}
		}
		pattern := prefix
		if pattern == "" {
			pattern = "/"
		}
		for _, m := range ms {
			out = append(out, loadedEndpoint{apiName: apiName, method: m, pattern: pattern, leaf: leaf, api: api})
		}
	}

	for key, child := range node.Children {
		child := child
		if strings.HasPrefix(key, "/") {
			sub, err := walkEndpoints(apiName, api, prefix+convertPathParams(key), &child, methods)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		// method dispatch key, e.g. "GET" or "GET|POST"
		var ms []string
		for _, part := range strings.Split(key, "|") {
			ms = append(ms, strings.ToUpper(part))
		}
		sub, err := walkEndpoints(apiName, api, prefix, &child, ms)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}

	return out, nil
}

// convertPathParams rewrites a config path segment's "{name}" style
// placeholders into chi's ":name" route syntax.
func convertPathParams(seg string) string {
	var b strings.Builder
	i := 0
	for i < len(seg) {
		if seg[i] == '{' {
			if end := strings.IndexByte(seg[i:], '}'); end > 0 {
				b.WriteByte(':')
				b.WriteString(seg[i+1 : i+end])
				i += end + 1
				continue
			}
		}
		b.WriteByte(seg[i])
		i++
	}
	return b.String()
}

// resolveLeafArgs replaces a named Args reference with the owning API's
// Args dict entry, leaving an inline list untouched.
func resolveLeafArgs(api *API, leaf *EndpointLeaf) error {
	if leaf.Args.Ref == "" {
		for i := range leaf.Handlers {
			if err := resolveLeafArgs(api, &leaf.Handlers[i]); err != nil {
				return err
			}
		}
		return nil
	}
	dict, ok := api.Args[leaf.Args.Ref]
	if !ok {
		return fmt.Errorf("args reference %q not found", leaf.Args.Ref)
	}
	leaf.Args.List = dict
	return nil
}

// inferHandler fills in Handler from the first applicable field when it
// was left empty, in the precedence order spec section 4.7 specifies:
// handler -> handlers -> bind -> timeseries -> sql/query -> path ->
// resource, else pass.
func inferHandler(leaf *EndpointLeaf) {
	if leaf.Handler != "" {
		return
	}
	switch {
	case len(leaf.Handlers) > 0:
		leaf.Handler = "handlers"
	case leaf.Bind != "":
		leaf.Handler = "bind"
	case leaf.Timeseries != "":
		leaf.Handler = "timeseries"
	case leaf.SQL != "" || leaf.Query != "":
		leaf.Handler = "query"
	case leaf.Path != "":
		leaf.Handler = "file"
	case leaf.Resource != "":
		leaf.Handler = "resource"
	default:
		leaf.Handler = "pass"
	}
}
