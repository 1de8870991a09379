package wspresence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-dispatch/pkg/presence"
	routing "github.com/roboricindustries/raycon-dispatch/pkg/schemas/routing/v1"
)

// Server serves one presence connection per WebSocket. Clients pass tenant
// and key as query parameters.
type Server struct {
	hub      *presence.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *presence.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		logger: logger.With("component", "ws_presence"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	key := r.URL.Query().Get("key")
	if tenant == "" || key == "" {
		http.Error(w, "tenant and key are required", http.StatusBadRequest)
		return
	}

	ch, err := s.hub.Join(r.Context(), tenant, key)
	if errors.Is(err, presence.ErrKeyInUse) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = ch.Close()
		s.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		server: s,
		conn:   conn,
		ch:     ch,
		tenant: tenant,
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		logger: s.logger.With("tenant", tenant, "key", key),
	}
	sess.run()
}

type session struct {
	server *Server
	conn   *websocket.Conn
	ch     presence.Channel
	tenant string
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func (s *session) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop()
	}()
	s.readLoop()

	s.cancel()
	_ = s.ch.Close()
	<-done
	_ = s.conn.Close()
	s.logger.Debug("session closed")
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read ended", slog.Any("error", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f routing.PresenceFrameV1
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("undecodable frame", slog.Any("error", err))
			continue
		}
		if err := f.Validate(); err != nil {
			s.logger.Warn("invalid frame", slog.String("type", f.Type), slog.Any("error", err))
			continue
		}

		switch f.Type {
		case routing.FrameTrack:
			err = s.ch.Track(s.ctx, presence.FromState(*f.State))
		case routing.FrameBroadcast:
			err = s.ch.Send(s.ctx, presence.Broadcast{Event: f.Event, Payload: f.Payload})
		case routing.FrameLeave:
			return
		default:
			s.logger.Debug("frame ignored", slog.String("type", f.Type))
		}
		if errors.Is(err, presence.ErrChannelClosed) {
			return
		}
		if err != nil {
			s.logger.Warn("frame failed", slog.String("type", f.Type), slog.Any("error", err))
		}
	}
}

// writeLoop is the only writer of data frames. It ends when the hub closes
// the channel, telling the client why.
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	events := s.ch.Events()
	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				s.writeClose(websocket.CloseNormalClosure, "")
				return
			}
			if ev.Kind == presence.EventClosed {
				reason := "closed"
				if ev.Err != nil {
					reason = ev.Err.Error()
				}
				s.writeClose(websocket.CloseGoingAway, reason)
				return
			}
			f, ok := frameFromEvent(s.tenant, ev)
			if !ok {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Debug("write failed", slog.Any("error", err))
				_ = s.conn.Close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *session) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	// unblock readLoop if the client does not answer the close
	_ = s.conn.SetReadDeadline(time.Now().Add(writeWait))
}
