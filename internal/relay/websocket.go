package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/wire"
)

// wsSession adapts a WebSocket connection to the session interfaces. One
// text frame carries one encoded envelope.
type wsSession struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (w *wsSession) ReadLine() ([]byte, error) {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return frameToLine(data), nil
	}
}

// frameToLine compacts a JSON frame so that a newline inside it (pretty
// printed input) cannot split it into two lines for TCP sessions. Frames
// that are not valid JSON are passed through; Decode rejects them before
// anything is relayed.
func frameToLine(data []byte) []byte {
	data = bytes.TrimSpace(data)
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		data = compact.Bytes()
	}
	return append(data, wire.Delimiter)
}

func (w *wsSession) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(line, []byte{wire.Delimiter}))
}

func (w *wsSession) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// WebSocketHandler returns an HTTP handler that upgrades requests and
// joins them to the same room as TCP participants. The handler blocks for
// the lifetime of the session.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}

		session := &wsSession{conn: c, timeout: s.writeTimeout}
		if !s.track() {
			session.Close()
			return
		}
		defer s.wg.Done()
		s.serveSession("ws://"+c.RemoteAddr().String(), session, session)
	})
}
