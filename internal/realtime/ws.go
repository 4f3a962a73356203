package realtime

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/websocket"
)

// handshakeTimeout bounds how long a fresh connection may stall before
// sending its subscription frame.
const handshakeTimeout = 10 * time.Second

// WSHandler serves the event stream over WebSocket. The client's first
// frame is a JSON Filter; everything after is server-to-client events.
type WSHandler struct {
	bus *Bus
	log *slog.Logger
}

func NewWSHandler(bus *Bus, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{bus: bus, log: log}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(h.serve).ServeHTTP(w, r)
}

func (h *WSHandler) serve(conn *websocket.Conn) {
	defer conn.Close()

	var filter Filter
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := websocket.JSON.Receive(conn, &filter); err != nil {
		h.log.Debug("websocket subscribe frame missing", "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	events, cancel := h.bus.Subscribe(filter, DefaultBuffer)
	defer cancel()
	h.log.Debug("websocket subscribed", "project", filter.Project, "topics", filter.Topics)

	// Drain the client side so a close is noticed while we stream.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
