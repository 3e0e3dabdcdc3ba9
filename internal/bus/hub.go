package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/duneflow/uploadengine/internal/obslog"
	"github.com/google/uuid"
)

// Handler is implemented by the Upload Engine to process inbound commands.
// Dispatch is exhaustive over CommandType: an unrecognized command type
// never reaches Handler, it is logged and dropped by Hub itself.
type Handler interface {
	HandleCommand(ctx context.Context, cmd Command)
}

var knownCommands = map[CommandType]bool{
	CommandStartUpload:      true,
	CommandResumeUpload:     true,
	CommandPauseUpload:      true,
	CommandCancelUpload:     true,
	CommandGetUploadStatus:  true,
	CommandGetActiveUploads: true,
	CommandHeartbeat:        true,
}

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, ev)
}

// Hub is the websocket transport for the Message Bus: it accepts
// connections from any number of clients, decodes inbound commands and
// dispatches them to Handler, and broadcasts outbound events to every
// currently attached client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	handler Handler
}

// NewHub constructs a Hub dispatching inbound commands to handler.
func NewHub(handler Handler) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		handler: handler,
	}
}

// ServeHTTP upgrades the incoming request to a websocket connection,
// tracks it by a generated connection ID, and runs its read loop until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		obslog.Error().Err(err).Msg("Failed to accept websocket connection")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	obslog.Info().Str("connectionId", c.id).Msg("Client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		conn.CloseNow()
		obslog.Info().Str("connectionId", c.id).Msg("Client disconnected")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				obslog.Debug().Str("connectionId", c.id).Err(err).Msg("Connection closed")
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			obslog.Error().Str("connectionId", c.id).Err(err).Msg("Dropped malformed message")
			h.Broadcast(Event{Type: EventLog, Data: LogData{
				Level:   "error",
				Message: "dropped malformed message",
			}})
			continue
		}
		h.dispatch(ctx, cmd)
	}
}

// dispatch validates cmd's shape and routes it to the handler. Invalid
// messages and unknown command types are dropped, never forwarded to
// Handler; each drop is logged locally and shipped to every connected
// client as a LOG event.
func (h *Hub) dispatch(ctx context.Context, cmd Command) {
	if cmd.Type == "" {
		obslog.Error().Msg("Dropped message with empty command type")
		h.Broadcast(Event{Type: EventLog, Data: LogData{
			Level:   "error",
			Message: "dropped message with empty command type",
		}})
		return
	}
	if !knownCommands[cmd.Type] {
		obslog.Warn().Str("type", string(cmd.Type)).Msg("Dropped unknown command type")
		h.Broadcast(Event{Type: EventLog, Data: LogData{
			Level:   "warn",
			Message: "dropped unknown command type",
			Fields:  map[string]interface{}{"type": string(cmd.Type)},
		}})
		return
	}
	h.handler.HandleCommand(ctx, cmd)
}

// Broadcast sends ev to every currently connected client. Per-client send
// failures are logged but never block or fail the broadcast for other
// clients.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	ctx := context.Background()
	for _, c := range clients {
		if err := c.send(ctx, ev); err != nil {
			obslog.Warn().Str("connectionId", c.id).Err(err).Msg("Failed to send event to client")
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
