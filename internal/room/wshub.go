package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-tutor/internal/capture"
)

// ErrAgentPresent is returned when an agent already joined the room.
var ErrAgentPresent = errors.New("agent already joined room")

const (
	wsWriteTimeout  = 5 * time.Second
	wsFrameBuffer   = 4
	wsMaxFrameBytes = 8 << 20
)

// DataMessage is the text frame the hub sends for every published event.
type DataMessage struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

type wsMessage struct {
	Type string `json:"type"`
}

// WSHub is a development room server. Browsers connect over websocket,
// send screen frames as binary JPEG or PNG messages and receive data
// messages as JSON text frames.
type WSHub struct {
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	mu    sync.Mutex
	rooms map[string]*wsRoom
}

// NewWSHub creates an empty hub.
func NewWSHub(allowedOrigin string, isDev bool, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger.With("component", "wshub"),
		rooms:         make(map[string]*wsRoom),
	}
}

type wsClient struct {
	conn   *websocket.Conn
	frames chan capture.FrameEvent
	id     string
}

type wsRoom struct {
	hub  *WSHub
	name string

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	agent   *Callbacks
}

// join runs fn with the named room locked, creating the room if needed.
func (h *WSHub) join(name string, fn func(r *wsRoom) error) (*wsRoom, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		r = &wsRoom{hub: h, name: name, clients: make(map[*wsClient]struct{})}
		h.rooms[name] = r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r, fn(r)
}

func (h *WSHub) dropIfEmpty(r *wsRoom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	empty := len(r.clients) == 0 && r.agent == nil
	r.mu.Unlock()
	if empty && h.rooms[r.name] == r {
		delete(h.rooms, r.name)
	}
}

// Connect implements Connector.
func (h *WSHub) Connect(ctx context.Context, name string, cb Callbacks) (Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agent := &cb
	r, err := h.join(name, func(r *wsRoom) error {
		if r.agent != nil {
			return fmt.Errorf("%w: %s", ErrAgentPresent, name)
		}
		r.agent = agent
		return nil
	})
	if err != nil {
		h.dropIfEmpty(r)
		return nil, err
	}
	h.logger.Info("agent joined room", "room", name, "clients", h.Participants(name))
	return &wsRoomHandle{room: r, cb: agent}, nil
}

// Participants returns the number of connected browser clients in name.
func (h *WSHub) Participants(name string) int {
	h.mu.Lock()
	r, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ServeHTTP upgrades /ws/rooms/{room} requests.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	if name == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "room", name)
		return
	}
	ws.SetReadLimit(wsMaxFrameBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "room left"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "room", name)
		}
	}()

	client := &wsClient{
		conn:   ws,
		frames: make(chan capture.FrameEvent, wsFrameBuffer),
		id:     fmt.Sprintf("ws_%s_%p", name, ws),
	}
	room, _ := h.join(name, func(r *wsRoom) error {
		r.clients[client] = struct{}{}
		return nil
	})
	h.logger.Info("participant joined room", "room", name)
	defer func() {
		close(client.frames)
		room.remove(client)
		h.dropIfEmpty(room)
	}()

	h.readLoop(r.Context(), room, client)
}

func (h *WSHub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WSHub) readLoop(ctx context.Context, room *wsRoom, client *wsClient) {
	reported := false
	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("websocket closed by client", "room", room.name)
			} else if ctx.Err() == nil {
				h.logger.Warn("websocket read error", "error", err, "room", room.name)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if !reported {
				reported = room.reportTrack(client)
			}
			if !reported {
				continue
			}
			ev := capture.FrameEvent{
				TrackID:    client.id,
				ReceivedAt: time.Now(),
				Frame: capture.RawFrame{
					Codec:   http.DetectContentType(data),
					Payload: data,
				},
			}
			select {
			case client.frames <- ev:
			default:
				// Capture is behind; the next frame supersedes this one.
			}
		case websocket.MessageText:
			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "ping" {
				if err := writeText(ctx, client.conn, []byte(`{"type":"pong"}`)); err != nil {
					h.logger.Debug("failed to send pong", "error", err)
				}
			}
		}
	}
}

func (r *wsRoom) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	agent := r.agent
	if empty && agent != nil {
		r.agent = nil
	}
	r.mu.Unlock()
	r.hub.logger.Info("participant left room", "room", r.name)

	if empty && agent != nil && agent.OnDisconnected != nil {
		go agent.OnDisconnected()
	}
}

// reportTrack hands the client's frames to the agent, if one is present.
func (r *wsRoom) reportTrack(c *wsClient) bool {
	r.mu.Lock()
	agent := r.agent
	r.mu.Unlock()
	if agent == nil || agent.OnVideoTrack == nil {
		return false
	}
	agent.OnVideoTrack(capture.NewChannelSource(c.id, c.frames))
	return true
}

func (r *wsRoom) broadcast(ctx context.Context, data []byte) error {
	r.mu.Lock()
	clients := make([]*wsClient, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := writeText(ctx, c.conn, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type wsRoomHandle struct {
	room *wsRoom
	cb   *Callbacks

	mu     sync.Mutex
	closed bool
}

func (h *wsRoomHandle) Name() string { return h.room.name }

func (h *wsRoomHandle) PublishData(ctx context.Context, topic string, payload []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrRoomClosed
	}

	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return err
		}
		raw = quoted
	}
	data, err := json.Marshal(DataMessage{Topic: topic, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode data message: %w", err)
	}
	if err := h.room.broadcast(ctx, data); err != nil {
		return fmt.Errorf("publish data on %s: %w", topic, err)
	}
	return nil
}

func (h *WSHub) leave(r *wsRoom, cb *Callbacks) {
	r.mu.Lock()
	if r.agent == cb {
		r.agent = nil
	}
	r.mu.Unlock()
	h.dropIfEmpty(r)
}

func (h *wsRoomHandle) Disconnect() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.room.hub.leave(h.room, h.cb)
}

func writeText(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
