package paperwatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultStreamURL is the address template of the pipeline's progress socket.
const DefaultStreamURL = "ws://localhost:8001/api/v1/papers/ws/paper/{id}"

// WSDialer dials one WebSocket per task.
type WSDialer struct {
	// URL is an address template; "{id}" is replaced by the task id.
	URL string
	// Header is sent with the handshake.
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// NewWSDialer returns a WSDialer for the given address template.
func NewWSDialer(url string) *WSDialer {
	if url == "" {
		url = DefaultStreamURL
	}
	return &WSDialer{URL: url}
}

func (d *WSDialer) Dial(ctx context.Context, id TaskID) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	addr := expandAddress(d.URL, id)
	ws, resp, err := dialer.DialContext(ctx, addr, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", addr, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn wraps a WebSocket connection as a Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	// Tell the pipeline we are leaving before tearing the socket down.
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}
