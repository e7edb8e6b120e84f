// Package httptransport provides the observer websocket endpoint.
package httptransport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lprpipeline/internal/pipeline/codec"
	"lprpipeline/internal/pipeline/core"
)

// Reply event names sent in answer to client messages.
const (
	EventAck   = "ack"
	EventError = "error"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 64 << 10
)

// wsSink delivers hub events to one websocket connection.
type wsSink struct {
	conn  *websocket.Conn
	codec codec.Codec
	mu    sync.Mutex
}

func newWSSink(conn *websocket.Conn, c codec.Codec) *wsSink {
	return &wsSink{conn: conn, codec: c}
}

// Deliver encodes event and writes it as a single frame.
func (s *wsSink) Deliver(ctx context.Context, event core.Event) error {
	data, err := s.codec.EncodeEvent(event)
	if err != nil {
		return err
	}
	return s.write(ctx, data)
}

func (s *wsSink) write(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	messageType := websocket.TextMessage
	if s.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.NetConn().SetWriteDeadline(time.Now())
	})
	defer stop()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *wsSink) reply(name string, payload any) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return s.Deliver(ctx, core.Event{Name: name, Payload: payload, Timestamp: time.Now().UTC()})
}

func (t *HTTPTransport) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c, err := codec.ForName(r.URL.Query().Get("encoding"))
	if err != nil {
		t.writeError(w, r, core.Wrap(core.CodeInvalidInput, "unsupported encoding", err))
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logRequestError(r, http.StatusBadRequest, err)
		return
	}
	defer conn.Close()

	sink := newWSSink(conn, c)
	id, err := t.services.Subscribers.Connect(sink)
	if err != nil {
		_ = sink.reply(EventError, errorPayload(err))
		return
	}
	defer t.services.Subscribers.Disconnect(id)
	_ = sink.reply(EventAck, map[string]any{"type": "connected", "subscriberId": id, "encoding": c.Name()})

	conn.SetReadLimit(wsReadLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && t.cfg.Logger != nil {
				t.cfg.Logger.Debug("websocket closed", map[string]any{"subscriber": id, "error": err})
			}
			return
		}
		msg, err := c.DecodeMessage(data)
		if err != nil {
			_ = sink.reply(EventError, errorPayload(err))
			continue
		}
		if err := t.handleClientMessage(id, msg); err != nil {
			_ = sink.reply(EventError, errorPayload(err))
			continue
		}
		_ = sink.reply(EventAck, map[string]any{"type": msg.Type, "channel": msg.Channel})
	}
}

func (t *HTTPTransport) handleClientMessage(id string, msg codec.ClientMessage) error {
	hub := t.services.Subscribers
	switch msg.Type {
	case codec.MessageAuthenticate:
		identity, err := t.cfg.Tokens.Resolve(msg.Token, core.Identity{
			UserID:      msg.UserID,
			Role:        msg.Role,
			Permissions: msg.Permissions,
		})
		if err != nil {
			return err
		}
		return hub.Authenticate(id, identity)
	case codec.MessageJoin:
		return hub.Join(id, msg.Channel)
	case codec.MessageLeave:
		return hub.Leave(id, msg.Channel)
	default:
		return core.Wrap(core.CodeInvalidInput, "unknown message type "+msg.Type, nil)
	}
}

func errorPayload(err error) map[string]string {
	code := core.CodeOf(err)
	if code == "" {
		code = core.CodeInvalidInput
	}
	var appErr *core.AppError
	message := err.Error()
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	return map[string]string{"code": string(code), "message": message}
}
