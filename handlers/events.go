package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/schema"
	"github.com/gorilla/websocket"

	"foundry-backend/core/settlement"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventsHandler streams settlement events over a websocket.
type EventsHandler struct {
	*BaseHandler
	bus      *settlement.Bus
	upgrader websocket.Upgrader
	queries  *schema.Decoder
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(bus *settlement.Bus, logger *slog.Logger) *EventsHandler {
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	return &EventsHandler{
		BaseHandler: NewBaseHandler(logger),
		bus:         bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		queries: dec,
	}
}

// Register mounts the event stream.
func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", h.HandleEvents)
}

type eventsQuery struct {
	History   int    `schema:"history"`
	MachineID string `schema:"machine_id"`
}

// HandleEvents upgrades to a websocket and streams events
// @Summary Live event stream
// @Description Websocket. Sends up to `history` recent events, then every new one. `machine_id` filters by machine.
// @Tags Network
// @Param history query int false "recent events to replay"
// @Param machine_id query string false "only events for this machine"
// @Router /events [get]
func (h *EventsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var q eventsQuery
	if err := h.queries.Decode(&q, r.URL.Query()); err != nil {
		h.sendError(w, settlement.ErrInvalidRequest.Withf("invalid query: %v", err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.bus.SubscribeAs("websocket", 64)
	defer cancel()

	match := func(ev settlement.Event) bool {
		return q.MachineID == "" || ev.MachineID == q.MachineID
	}
	if q.History > 0 {
		for _, ev := range h.bus.Recent(q.History) {
			if !match(ev) {
				continue
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
		}
	}

	// The read loop only services control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !match(ev) {
				continue
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *EventsHandler) write(conn *websocket.Conn, ev settlement.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
