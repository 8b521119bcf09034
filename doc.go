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

// Package jmpapi implements a declarative, JSON/YAML-configured HTTP API
// gateway: URL and method dispatch, argument schemas, access control,
// database-backed queries, time-series aggregates, OAuth2 login and
// WebSocket subscriptions, all described by an [APIServerConfig] document
// and served by an [APIServer]. A standalone recursive DNS resolver used
// for outbound OAuth2 calls lives in the dns subpackage.
//
// The CLI in cmd/jmpapi is a reference for how to wire an APIServer up
// with logging and signal handling.
package jmpapi
