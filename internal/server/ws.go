package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/voxlabs/voxconsole/internal/protocol"
	"github.com/voxlabs/voxconsole/internal/registry"
	"github.com/voxlabs/voxconsole/internal/turn"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Single-user local app, the browser connects from the same machine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn owns one client connection. All writes go through the events
// channel so exactly one goroutine touches the socket writer.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	events chan protocol.Event
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	turns map[string]*turn.Turn
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.closed) })
}

// emit queues an event for delivery. Blocking here is the backpressure
// mechanism for slow consumers; a closed connection discards instead.
func (c *wsConn) emit(ev protocol.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	buffer := s.deps.Config.Turn.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	c := &wsConn{
		id:     uuid.NewString(),
		conn:   conn,
		events: make(chan protocol.Event, buffer),
		closed: make(chan struct{}),
		turns:  make(map[string]*turn.Turn),
	}
	log := s.log.With(slog.String("conn_id", c.id))
	log.Info("client connected")

	go s.writePump(c, log)
	c.emit(protocol.Event{Type: protocol.EventHello, Message: c.id})

	s.readLoop(c, log)

	// Disconnect: cancel this connection's turns and drop its uploads.
	c.mu.Lock()
	for _, t := range c.turns {
		t.Cancel()
	}
	c.mu.Unlock()
	s.deps.Attachments.ReleaseConnection(c.id)
	c.close()
	_ = conn.Close()
	log.Info("client disconnected")
}

func (s *Service) writePump(c *wsConn, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-c.events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Warn("websocket write failed", slog.String("error", err.Error()))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (s *Service) readLoop(c *wsConn, log *slog.Logger) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		if mt != websocket.TextMessage {
			log.Warn("protocol violation: binary frame from client")
			continue
		}
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Warn("protocol violation: malformed command", slog.String("error", err.Error()))
			continue
		}
		switch cmd.Type {
		case protocol.CommandChat:
			s.startChat(c, cmd, log)
		case protocol.CommandCancel:
			if !s.deps.Engine.Cancel(cmd.ConversationID) {
				log.Debug("cancel for idle conversation", slog.String("conversation_id", cmd.ConversationID))
			}
		default:
			log.Warn("protocol violation: unknown command type", slog.String("type", cmd.Type))
		}
	}
}

func (s *Service) startChat(c *wsConn, cmd protocol.Command, log *slog.Logger) {
	conversationID := cmd.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	// Attachments are consumed by the turn that references them.
	var images []string
	for _, id := range cmd.AttachmentIDs {
		payloads, ok := s.deps.Attachments.Take(id)
		if !ok {
			log.Warn("unknown attachment id", slog.String("attachment_id", id))
			continue
		}
		images = append(images, payloads...)
	}

	t, err := s.deps.Engine.StartTurn(turn.Request{
		ConversationID: conversationID,
		AgentID:        cmd.AgentID,
		Text:           cmd.Text,
		Images:         images,
	}, c.emit)
	if err != nil {
		kind := "invalid_request"
		if errors.Is(err, registry.ErrConflict) {
			kind = "conflict"
		}
		c.emit(protocol.Event{
			Type:           protocol.EventError,
			ConversationID: conversationID,
			ErrorKind:      kind,
			Message:        err.Error(),
		})
		return
	}

	c.mu.Lock()
	c.turns[t.ID] = t
	c.mu.Unlock()
	go func() {
		<-t.Done()
		c.mu.Lock()
		delete(c.turns, t.ID)
		c.mu.Unlock()
	}()
}
