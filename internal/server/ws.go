package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ayoubachak/agentbridge/internal/broker"
	"github.com/ayoubachak/agentbridge/internal/logx"
	"github.com/ayoubachak/agentbridge/internal/registry"
	"github.com/ayoubachak/agentbridge/internal/serverstate"
)

// WSHandler accepts inbound peer websocket connections. Each connection
// gets a fresh ID, a writer goroutine draining its send queue, and a read
// loop feeding the broker. The connection starts unclassified; its first
// classifying frame files it into one of the registry's role maps.
func WSHandler(reg *registry.Registry, bk *broker.Broker, logBodies bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		id := uuid.NewString()
		conn := registry.NewConn(id, func(reason string) {
			_ = c.Close(websocket.StatusNormalClosure, reason)
		})
		defer bk.ConnectionClosed(conn)

		logx.Log.Info().Str("conn_id", id).Str("remote", r.RemoteAddr).Msg("connection accepted")

		go func() {
			for msg := range conn.Outbound() {
				b, err := encodeOutbound(msg)
				if err != nil {
					logx.Log.Error().Str("conn_id", id).Err(err).Msg("encode outbound frame")
					continue
				}
				if err := c.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
				if logBodies {
					logx.Log.Debug().Str("conn_id", id).RawJSON("frame", b).Msg("frame sent")
				}
			}
		}()

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				var ce websocket.CloseError
				if errors.As(err, &ce) {
					lvl := logx.Log.Info()
					if ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway {
						lvl = logx.Log.Error()
					}
					lvl.Str("conn_id", id).Str("reason", ce.Reason).Msg("disconnected")
				} else {
					logx.Log.Info().Str("conn_id", id).Err(err).Msg("disconnected")
				}
				return
			}
			bk.Dispatch(conn, data)
		}
	}
}

// encodeOutbound turns a queued message into frame bytes. Routed frames are
// already encoded; server-synthesized replies are structs.
func encodeOutbound(msg any) ([]byte, error) {
	if raw, ok := msg.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(msg)
}
