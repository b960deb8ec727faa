/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/muninn_playout/internal/events"
)

// handleEvents streams bus events to a websocket client as JSON frames.
// An optional ?types=segue_started,playout_failover query narrows the
// stream; without it the client sees everything.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	wanted := parseEventTypes(r.URL.Query().Get("types"))

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	sub := a.bus.SubscribeAll()
	defer a.bus.UnsubscribeAll(sub)

	ctx := r.Context()
	pingTicker := time.NewTicker(15 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return

		case <-pingTicker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}

		case payload, ok := <-sub:
			if !ok {
				conn.Close(ws.StatusNormalClosure, "")
				return
			}
			event, _ := payload["event"].(string)
			if len(wanted) > 0 && !wanted[events.EventType(event)] {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := writeWSJSON(writeCtx, conn, payload)
			cancel()
			if err != nil {
				a.logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func writeWSJSON(ctx context.Context, conn *ws.Conn, payload events.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

func parseEventTypes(raw string) map[events.EventType]bool {
	if raw == "" {
		return nil
	}
	out := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[events.EventType(part)] = true
		}
	}
	return out
}
