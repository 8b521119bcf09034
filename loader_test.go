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
	"testing"

	"github.com/stretchr/testify/require"
)

func parseConfig(t *testing.T, raw string) *APIServerConfig {
	t.Helper()
	var cfg APIServerConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	return &cfg
}

func TestLoadConfigRejectsMissingVersion(t *testing.T) {
	cfg := parseConfig(t, `{"api":{"endpoints":{"handler":"pass"}}}`)
	_, err := loadConfig(cfg)
	require.Error(t, err)
}

func TestLoadConfigRejectsOldVersion(t *testing.T) {
	cfg := parseConfig(t, `{"jmpapi":"0.1.0","api":{"endpoints":{"handler":"pass"}}}`)
	_, err := loadConfig(cfg)
	require.Error(t, err)
}

func TestLoadConfigFlattensSimpleTree(t *testing.T) {
	raw := `{
		"jmpapi": "1.1.0",
		"api": {
			"endpoints": {
				"/users": {
					"GET": {"handler": "pass"},
					"/{id}": {
						"GET": {"handler": "pass"},
						"DELETE": {"handler": "pass"}
					}
				}
			}
		}
	}`
	cfg := parseConfig(t, raw)
	routes, err := loadConfig(cfg)
	require.NoError(t, err)
	require.Len(t, routes, 3)

	byPattern := map[string][]string{}
	for _, r := range routes {
		byPattern[r.pattern] = append(byPattern[r.pattern], r.method)
	}
	require.ElementsMatch(t, []string{"GET"}, byPattern["/users"])
	require.ElementsMatch(t, []string{"GET", "DELETE"}, byPattern["/users/:id"])
}

func TestLoadConfigPipeJoinedMethods(t *testing.T) {
	raw := `{
		"jmpapi": "1.1.0",
		"api": {
			"endpoints": {
				"/thing": {
					"GET|POST": {"handler": "pass"}
				}
			}
		}
	}`
	cfg := parseConfig(t, raw)
	routes, err := loadConfig(cfg)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	methods := []string{routes[0].method, routes[1].method}
	require.ElementsMatch(t, []string{"GET", "POST"}, methods)
}

func TestLoadConfigLeafWithNoMethodDefaultsGet(t *testing.T) {
	raw := `{"jmpapi": "1.1.0", "api": {"endpoints": {"handler": "pass"}}}`
	cfg := parseConfig(t, raw)
	routes, err := loadConfig(cfg)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Equal(t, "GET", routes[0].method)
	require.Equal(t, "/", routes[0].pattern)
}

func TestLoadConfigNamedArgsResolved(t *testing.T) {
	raw := `{
		"jmpapi": "1.1.0",
		"api": {
			"args": {"common": [{"name": "q", "type": "string"}]},
			"endpoints": {"handler": "pass", "args": "common"}
		}
	}`
	cfg := parseConfig(t, raw)
	routes, err := loadConfig(cfg)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Len(t, routes[0].leaf.Args.List, 1)
	require.Equal(t, "q", routes[0].leaf.Args.List[0].Name)
}

func TestLoadConfigUnknownArgsRefErrors(t *testing.T) {
	raw := `{
		"jmpapi": "1.1.0",
		"api": {"endpoints": {"handler": "pass", "args": "missing"}}
	}`
	cfg := parseConfig(t, raw)
	_, err := loadConfig(cfg)
	require.Error(t, err)
}

func TestConvertPathParams(t *testing.T) {
	require.Equal(t, "/users/:id", convertPathParams("/users/{id}"))
	require.Equal(t, "/a/:x/b/:y", convertPathParams("/a/{x}/b/{y}"))
	require.Equal(t, "/plain", convertPathParams("/plain"))
}

func TestInferHandlerPrecedence(t *testing.T) {
	leaf := EndpointLeaf{Bind: "doThing", Timeseries: "ts1"}
	inferHandler(&leaf)
	require.Equal(t, "bind", leaf.Handler)

	leaf2 := EndpointLeaf{Timeseries: "ts1", SQL: "select 1"}
	inferHandler(&leaf2)
	require.Equal(t, "timeseries", leaf2.Handler)

	leaf3 := EndpointLeaf{}
	inferHandler(&leaf3)
	require.Equal(t, "pass", leaf3.Handler)

	leaf4 := EndpointLeaf{Handler: "spec"}
	inferHandler(&leaf4)
	require.Equal(t, "spec", leaf4.Handler)
}
