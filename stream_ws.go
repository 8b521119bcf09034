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
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsWriterBacklog bounds how many undelivered samples a slow subscriber
// may accumulate; once it is full, timeseries refresh drops further
// samples for that subscriber and the connection stays open. Same backlog
// idea the teacher applies to its own notifWriter queue.
const wsWriterBacklog = 16

var (
	notifWriteTimeout = 10 * time.Second
	errTooSlow        = errors.New("aborting connection because it is too slow")
)

// serveWebSocket upgrades the request and streams every sample published
// by the named timeseries to the client, starting with whatever sample is
// already current. This replaces the teacher's Postgres LISTEN/NOTIFY
// fan-out (streams.go) with a fan-out driven by timeseries.go's own
// subscriber registry, since this schema's "websocket" handler subscribes
// to a named timeseries rather than to a raw database channel.
func serveWebSocket(ctx context.Context, resp http.ResponseWriter, req *http.Request,
	ts *timeseries, cors *CORS, logger zerolog.Logger) error {

	var origins []string
	compression := false
	if cors != nil {
		origins = cors.AllowedOrigins
	}

	ws, err := websocket.Accept(resp, req, &websocket.AcceptOptions{
		InsecureSkipVerify: len(origins) == 0,
		OriginPatterns:     origins,
		CompressionMode:    pick(compression, websocket.CompressionContextTakeover, websocket.CompressionDisabled),
	})
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusInternalError, "")

	ctx = ws.CloseRead(ctx)

	id, ch := ts.subscribe(wsWriterBacklog)
	defer ts.unsubscribe(id)

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				ws.Close(websocket.StatusPolicyViolation, "connection too slow")
				return errTooSlow
			}
			ctx2, cancel := context.WithTimeout(ctx, notifWriteTimeout)
			err := ws.Write(ctx2, websocket.MessageText, payload)
			cancel()
			if err != nil {
				if cs := websocket.CloseStatus(err); cs == websocket.StatusNormalClosure || cs == websocket.StatusGoingAway {
					err = nil
				}
				return err
			}

		case <-ctx.Done():
			ws.Close(websocket.StatusGoingAway, "server shutdown")
			return ctx.Err()
		}
	}
}

// serveWebSocketBind upgrades the request into a plain bidirectional
// JSON-frame websocket: each inbound frame is decoded with wsjson.Read,
// handed to fn, and fn's non-nil return value is written back with
// wsjson.Write. This is the generic counterpart of serveWebSocket for
// "handler: websocket" endpoints that name a "bind" message handler
// instead of subscribing to a timeseries.
func serveWebSocketBind(ctx context.Context, resp http.ResponseWriter, req *http.Request,
	fn WSMessageFunc, sess *Session, cors *CORS, logger zerolog.Logger) error {

	var origins []string
	compression := false
	if cors != nil {
		origins = cors.AllowedOrigins
	}

	ws, err := websocket.Accept(resp, req, &websocket.AcceptOptions{
		InsecureSkipVerify: len(origins) == 0,
		OriginPatterns:     origins,
		CompressionMode:    pick(compression, websocket.CompressionContextTakeover, websocket.CompressionDisabled),
	})
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusInternalError, "")

	for {
		var msg any
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if cs := websocket.CloseStatus(err); cs == websocket.StatusNormalClosure || cs == websocket.StatusGoingAway {
				return nil
			}
			return err
		}

		reply, err := fn(ctx, sess, msg)
		if err != nil {
			logger.Error().Err(err).Msg("websocket message handler failed")
			ws.Close(websocket.StatusInternalError, topMessage(err))
			return err
		}
		if reply == nil {
			continue
		}
		if err := wsjson.Write(ctx, ws, reply); err != nil {
			return err
		}
	}
}
