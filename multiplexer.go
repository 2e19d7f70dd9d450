package paperwatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventSink receives every decoded event, tagged with its task id.
type EventSink interface {
	Apply(ev Event)
}

// Options configures the multiplexer.
type Options struct {
	// MaxReconnectAttempts is the number of redials after a stream closes
	// before the task is abandoned. Negative disables reconnection. Default: 5
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed wait before each redial. Default: 3s
	ReconnectDelay time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Clock schedules reconnects. Defaults to the wall clock.
	Clock Clock
	// OnCompleted is called once a task's stream delivers the completion
	// sentinel, after its connection has been released.
	OnCompleted func(id TaskID)
	// OnAbandoned is called when a task runs out of reconnect attempts.
	// The store is not told; this is the only signal.
	OnAbandoned func(id TaskID)
}

func defaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		Logger:               slog.Default(),
		Clock:                realClock{},
	}
}

func mergeOptions(opts []Options) Options {
	options := defaultOptions()
	if len(opts) == 0 {
		return options
	}
	opt := opts[0]
	if opt.MaxReconnectAttempts != 0 {
		options.MaxReconnectAttempts = opt.MaxReconnectAttempts
	}
	if opt.ReconnectDelay > 0 {
		options.ReconnectDelay = opt.ReconnectDelay
	}
	if opt.Logger != nil {
		options.Logger = opt.Logger
	}
	if opt.Clock != nil {
		options.Clock = opt.Clock
	}
	options.OnCompleted = opt.OnCompleted
	options.OnAbandoned = opt.OnAbandoned
	return options
}

// Multiplexer keeps at most one stream per task and forwards decoded events
// to a sink. All stream callbacks are serialized, so the sink never sees two
// events at once.
type Multiplexer struct {
	dialer    Dialer
	sink      EventSink
	options   Options
	logger    *slog.Logger
	mu        sync.Mutex
	conns     map[TaskID]*connEntry
	abandoned map[TaskID]struct{}
	nextGen   uint64
}

// NewMultiplexer creates a multiplexer. An optional Options can be passed to
// override the defaults.
func NewMultiplexer(dialer Dialer, sink EventSink, opts ...Options) *Multiplexer {
	options := mergeOptions(opts)
	return &Multiplexer{
		dialer:    dialer,
		sink:      sink,
		options:   options,
		logger:    options.Logger.With("component", "multiplexer"),
		conns:     make(map[TaskID]*connEntry),
		abandoned: make(map[TaskID]struct{}),
	}
}

// Connect starts streaming id. It returns immediately; repeated calls for a
// task that already has an entry are no-ops.
func (m *Multiplexer) Connect(id TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		return
	}
	delete(m.abandoned, id)
	e := &connEntry{id: id}
	m.conns[id] = e
	m.dial(e)
}

// Disconnect tears down the stream of id, including a pending reconnect.
// Unknown ids are ignored.
func (m *Multiplexer) Disconnect(id TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.conns[id]; ok {
		m.remove(e)
		m.logger.Info("stream disconnected", "task", id)
	}
}

// DisconnectAll tears down every stream and forgets abandoned tasks.
func (m *Multiplexer) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.conns {
		m.remove(e)
	}
	clear(m.abandoned)
	m.logger.Info("all streams disconnected")
}

// Has reports whether id has an entry, open or waiting to reconnect.
func (m *Multiplexer) Has(id TaskID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[id]
	return ok
}

// Open reports whether id currently has a live stream.
func (m *Multiplexer) Open(id TaskID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	return ok && e.conn != nil
}

// Len returns the number of tracked entries.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Attempts returns the reconnect counter of id.
func (m *Multiplexer) Attempts(id TaskID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.conns[id]; ok {
		return e.attempts
	}
	return 0
}

// Abandoned reports whether id was given up after exhausting its reconnects.
func (m *Multiplexer) Abandoned(id TaskID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.abandoned[id]
	return ok
}

// AbandonedTasks returns every abandoned task id in ascending order.
func (m *Multiplexer) AbandonedTasks() []TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]TaskID, 0, len(m.abandoned))
	for id := range m.abandoned {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// dial starts a new generation for e. Caller holds m.mu.
func (m *Multiplexer) dial(e *connEntry) {
	m.nextGen++
	e.gen = m.nextGen
	e.session = uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	m.logger.Debug("dialing stream", "task", e.id, "session", e.session, "attempt", e.attempts)
	go m.pump(ctx, e.id, e.gen)
}

// remove releases e and drops it from the registry. Caller holds m.mu.
func (m *Multiplexer) remove(e *connEntry) {
	e.release()
	delete(m.conns, e.id)
}

// lookup returns the entry for id if gen is still its current generation.
// Caller holds m.mu.
func (m *Multiplexer) lookup(id TaskID, gen uint64) (*connEntry, bool) {
	e, ok := m.conns[id]
	if !ok || e.gen != gen {
		return nil, false
	}
	return e, true
}

func (m *Multiplexer) opened(id TaskID, gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id, gen)
	if !ok {
		return false
	}
	e.conn = conn
	e.attempts = 0
	m.logger.Info("stream opened", "task", id, "session", e.session)
	return true
}

// received handles one inbound message. It reports whether the pump should
// keep reading.
func (m *Multiplexer) received(id TaskID, gen uint64, data []byte) bool {
	ev, err := DecodeEvent(data)

	m.mu.Lock()
	e, ok := m.lookup(id, gen)
	if !ok {
		m.mu.Unlock()
		return false
	}
	if err != nil {
		m.logger.Debug("dropping message", "task", id, "session", e.session, "error", err)
		m.mu.Unlock()
		return true
	}

	ev = ev.WithTask(id)
	m.sink.Apply(ev)
	if !ev.IsCompletion() {
		m.mu.Unlock()
		return true
	}

	m.remove(e)
	m.mu.Unlock()

	m.logger.Info("task completed", "task", id)
	if m.options.OnCompleted != nil {
		m.options.OnCompleted(id)
	}
	return false
}

// closed handles the end of a stream, whether the dial failed, the pipeline
// closed it or the network dropped.
func (m *Multiplexer) closed(id TaskID, gen uint64, cause error) {
	m.mu.Lock()
	e, ok := m.lookup(id, gen)
	if !ok {
		m.mu.Unlock()
		return
	}
	e.release()

	if e.attempts < m.options.MaxReconnectAttempts {
		e.attempts++
		e.timer = m.options.Clock.AfterFunc(m.options.ReconnectDelay, func() {
			m.retry(id, gen)
		})
		m.logger.Warn("stream closed, reconnecting",
			"task", id, "session", e.session, "error", cause,
			"attempt", e.attempts, "delay", m.options.ReconnectDelay)
		m.mu.Unlock()
		return
	}

	delete(m.conns, id)
	m.abandoned[id] = struct{}{}
	m.mu.Unlock()

	m.logger.Warn("stream abandoned", "task", id, "error", cause)
	if m.options.OnAbandoned != nil {
		m.options.OnAbandoned(id)
	}
}

func (m *Multiplexer) retry(id TaskID, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(id, gen)
	if !ok {
		return
	}
	e.timer = nil
	m.dial(e)
}
