package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"stereostitch/internal/pipeline"
)

type directMessage struct {
	conn *websocket.Conn
	data []byte
}

// hub fans pipeline events out to websocket clients. Clients may send Edit
// messages; the reply goes back to the sender only. All writes happen on
// the run goroutine.
type hub struct {
	driver     *pipeline.Driver
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	direct     chan directMessage
	done       chan struct{}
}

func newHub(driver *pipeline.Driver, log *slog.Logger) *hub {
	return &hub{
		driver: driver,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local control surface
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		direct:     make(chan directMessage, 16),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	events, unsubscribe := h.driver.Pipeline().Subscribe()
	defer unsubscribe()
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))
			if status, ok := h.encode(pipeline.Event{Type: "status", Status: h.driver.Pipeline().Status()}); ok {
				h.write(client, status)
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case msg := <-h.direct:
			if h.clients[msg.conn] {
				h.write(msg.conn, msg.data)
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			data, ok := h.encode(ev)
			if !ok {
				continue
			}
			for client := range h.clients {
				h.write(client, data)
			}
		}
	}
}

func (h *hub) encode(v any) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("failed to encode websocket message", "error", err)
		return nil, false
	}
	return data, true
}

func (h *hub) write(client *websocket.Conn, data []byte) {
	if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
		delete(h.clients, client)
		client.Close()
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx := r.Context()
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	case <-ctx.Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
				conn.Close()
			}
		}()

		for {
			var e pipeline.Edit
			if err := conn.ReadJSON(&e); err != nil {
				if _, ok := err.(*json.SyntaxError); ok {
					continue
				}
				return
			}
			res, err := h.driver.Submit(context.Background(), e)
			reply := map[string]any{"type": "edit", "result": res}
			if err != nil {
				reply["error"] = err.Error()
			}
			data, ok := h.encode(reply)
			if !ok {
				continue
			}
			select {
			case h.direct <- directMessage{conn: conn, data: data}:
			case <-h.done:
				return
			}
		}
	}()
}
