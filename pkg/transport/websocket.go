package transport

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after the transport has shut down.
var ErrClosed = errors.New("transport closed")

// WebSocket adapts a websocket connection to the Transport interface.
// Each envelope travels as one binary websocket message.
type WebSocket struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serializes writes, required by gorilla/websocket

	mu     sync.Mutex
	cb     Callbacks
	bound  bool
	closed bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebSocket wraps an already established websocket connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Upgrade upgrades an HTTP request to a websocket transport.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// DialWebSocket connects to a relay websocket endpoint.
func DialWebSocket(url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// Bind registers callbacks and starts the read loop.
func (t *WebSocket) Bind(cb Callbacks) {
	t.mu.Lock()
	t.cb = cb
	start := !t.bound && !t.closed
	t.bound = true
	t.mu.Unlock()

	if start {
		go t.readLoop()
	}
}

// Send writes one binary frame.
func (t *WebSocket) Send(data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close shuts the transport down.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.conn.Close()
}

// RemoteAddr describes the peer endpoint.
func (t *WebSocket) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *WebSocket) readLoop() {
	var lastErr error
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				lastErr = err
			}
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		t.mu.Lock()
		onMessage := t.cb.OnMessage
		t.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}

	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	onClose := t.cb.OnClose
	t.mu.Unlock()

	t.conn.Close()
	if alreadyClosed {
		lastErr = nil
	}
	if onClose != nil {
		onClose(lastErr)
	}
}
