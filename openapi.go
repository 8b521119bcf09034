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
	"strings"
)

// openAPIDoc is the minimal OpenAPI 3.1 document shape spec section 6
// describes: "openapi", "info" mirrored from config, "tags" from the
// top-level API categories, and "paths" keyed by URL pattern.
type openAPIDoc struct {
	OpenAPI string                        `json:"openapi"`
	Info    openAPIInfo                   `json:"info"`
	Tags    []openAPITag                  `json:"tags,omitempty"`
	Paths   map[string]openAPIPathItem    `json:"paths"`
}

type openAPIInfo struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type openAPITag struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// openAPIPathItem maps a lowercased HTTP method name to its operation,
// e.g. "get", "post".
type openAPIPathItem map[string]openAPIOperation

type openAPIOperation struct {
	Tags        []string           `json:"tags,omitempty"`
	Description string             `json:"description,omitempty"`
	Parameters  []openAPIParameter `json:"parameters,omitempty"`
}

type openAPIParameter struct {
	Name     string `json:"name"`
	In       string `json:"in"` // "path" or "query"
	Required bool   `json:"required,omitempty"`
	Schema   openAPISchema `json:"schema"`
}

type openAPISchema struct {
	Type string `json:"type"`
}

// serveOpenAPI answers "handler: spec" by building and writing the
// document described in spec section 6, re-walking a.routes rather than
// caching a built document since this endpoint is expected to be hit
// rarely (typically once, by tooling) compared to the endpoints it
// describes.
func (a *APIServer) serveOpenAPI(w http.ResponseWriter, r *http.Request) error {
	doc := a.buildOpenAPIDoc()
	reply(w, http.StatusOK, doc)
	return nil
}

func (a *APIServer) buildOpenAPIDoc() openAPIDoc {
	doc := openAPIDoc{
		OpenAPI: "3.1.0",
		Paths:   map[string]openAPIPathItem{},
	}
	if info := a.cfg.Info; info != nil {
		doc.Info = openAPIInfo{Title: info.Title, Description: info.Description, Version: info.Version}
	}
	if doc.Info.Title == "" {
		doc.Info.Title = "jmpapi"
	}
	if doc.Info.Version == "" {
		doc.Info.Version = "1.0.0"
	}

	for name, api := range a.cfg.allAPIs() {
		if !api.Hide {
			tagName := name
			if tagName == "" {
				tagName = "default"
			}
			doc.Tags = append(doc.Tags, openAPITag{Name: tagName, Description: api.Help})
		}
	}

	for i := range a.routes {
		le := a.routes[i]
		if le.leaf.Hide {
			continue
		}
		pattern := openAPIPath(a.cfg.CommonPrefix + le.pattern)
		item, ok := doc.Paths[pattern]
		if !ok {
			item = openAPIPathItem{}
		}

		tagName := le.apiName
		if tagName == "" {
			tagName = "default"
		}

		var params []openAPIParameter
		for _, arg := range le.leaf.Args.List {
			in := "query"
			if strings.Contains(le.pattern, "{"+arg.Name+"}") || strings.Contains(le.pattern, ":"+arg.Name) {
				in = "path"
			}
			params = append(params, openAPIParameter{
				Name:     arg.Name,
				In:       in,
				Required: arg.Required || in == "path",
				Schema:   openAPISchema{Type: openAPISchemaType(arg.Type)},
			})
		}

		item[strings.ToLower(le.method)] = openAPIOperation{
			Tags:        []string{tagName},
			Description: le.leaf.Help,
			Parameters:  params,
		}
		doc.Paths[pattern] = item
	}

	return doc
}

// openAPIPath rewrites a chi-style ":name" path parameter into OpenAPI's
// "{name}" brace syntax.
func openAPIPath(pattern string) string {
	segs := strings.Split(pattern, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}

// openAPISchemaType maps this schema's argument type vocabulary onto the
// closest OpenAPI/JSON-Schema primitive.
func openAPISchemaType(argType string) string {
	switch argType {
	case "int", "uint":
		return "integer"
	case "number":
		return "number"
	case "bool":
		return "boolean"
	case "list":
		return "array"
	case "dict":
		return "object"
	default:
		return "string"
	}
}
