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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestServeWebSocketStreamsLatestThenSubsequentSamples(t *testing.T) {
	db := openTestBadger(t)
	ts, err := newTimeseries("series", TimeseriesDef{Period: "1h", SQL: "select 1"}, nil, db, zerolog.Nop())
	require.NoError(t, err)

	now := time.Now().UTC()
	putSample(t, ts, now, "hello")
	ts.lastKey = now.Format(timestampKeyLayout)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, serveWebSocket(r.Context(), w, r, ts, nil, zerolog.Nop()))
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	typ, payload, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	require.Equal(t, `"hello"`, string(payload))

	ts.mu.Lock()
	require.Len(t, ts.subs, 1)
	for _, ch := range ts.subs {
		ch <- []byte(`"updated"`)
	}
	ts.mu.Unlock()

	typ, payload, err = conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	require.Equal(t, `"updated"`, string(payload))
}

func TestServeWebSocketBindEchoesHandlerReply(t *testing.T) {
	fn := func(ctx context.Context, sess *Session, msg any) (any, error) {
		m, _ := msg.(map[string]any)
		return map[string]any{"echo": m["text"]}, nil
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, serveWebSocketBind(r.Context(), w, r, fn, nil, nil, zerolog.Nop()))
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"text": "ping"}))

	var out map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	require.Equal(t, "ping", out["echo"])

	conn.Close(websocket.StatusNormalClosure, "done")
}

func TestServeWebSocketBindErrorClosesConnection(t *testing.T) {
	fn := func(ctx context.Context, sess *Session, msg any) (any, error) {
		return nil, NewValidationError("bad frame", nil)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = serveWebSocketBind(r.Context(), w, r, fn, nil, nil, zerolog.Nop())
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusInternalError, "")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"text": "ping"}))

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
}
