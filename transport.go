package paperwatch

import (
	"context"
	"strconv"
	"strings"
)

// Conn is one live stream of progress messages for a single task.
type Conn interface {
	// ReadMessage blocks until the next message arrives. Any error means the
	// stream is gone and will not deliver further messages.
	ReadMessage() ([]byte, error)
	// Close releases the stream. It must unblock a pending ReadMessage.
	Close() error
}

// Dialer opens a fresh stream addressed by a task id.
// Both WebSocket and SSE dialers implement this.
type Dialer interface {
	Dial(ctx context.Context, id TaskID) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, id TaskID) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, id TaskID) (Conn, error) {
	return f(ctx, id)
}

// expandAddress substitutes the task id into an address template containing
// "{id}".
func expandAddress(template string, id TaskID) string {
	return strings.ReplaceAll(template, "{id}", strconv.FormatInt(int64(id), 10))
}
