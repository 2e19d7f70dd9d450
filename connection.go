package paperwatch

import "context"

// connEntry is the registry state of one task's stream. A new generation is
// started on every dial; callbacks carrying an older generation are stale and
// ignored, which is what keeps a cancelled entry from being resurrected.
type connEntry struct {
	id       TaskID
	gen      uint64
	session  string
	conn     Conn
	attempts int
	timer    Timer
	cancel   context.CancelFunc
}

// release stops everything the entry owns. Safe to call more than once.
func (e *connEntry) release() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

// pump dials one generation of a task's stream and reads it until it ends.
func (m *Multiplexer) pump(ctx context.Context, id TaskID, gen uint64) {
	conn, err := m.dialer.Dial(ctx, id)
	if err != nil {
		m.closed(id, gen, err)
		return
	}
	if !m.opened(id, gen, conn) {
		conn.Close()
		return
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.closed(id, gen, err)
			return
		}
		if !m.received(id, gen, data) {
			return
		}
	}
}
