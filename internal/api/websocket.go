package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/autopilot/internal/model"
	"github.com/seantiz/autopilot/internal/progress"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
	wsMaxMessage   = 4096
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWebSocket streams events as JSON text messages. ?task=<id> limits
// the stream to one task plus engine-global events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter := progress.AllTasks
	if q := r.URL.Query().Get("task"); q != "" {
		id, ok := model.ParseTaskID(q)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "task must be a positive integer", model.ErrKindValidation)
			return
		}
		filter = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.broker.Subscribe(filter)
	defer unsub()

	eventStreams.WithLabelValues("websocket").Inc()
	defer eventStreams.WithLabelValues("websocket").Dec()

	closed := make(chan struct{})
	go s.wsReadPump(conn, closed)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			//nolint:errcheck // Best-effort deadline; write error caught below
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				//nolint:errcheck // Best-effort close message
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// wsReadPump consumes client frames so pongs and close frames are
// processed. Client messages are ignored. closed is closed when the
// connection ends.
func (s *Server) wsReadPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(wsMaxMessage)
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}
