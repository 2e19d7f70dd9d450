package paperwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Tracker connects the collaborators around a Store: tasks created by the
// launcher are registered, focused and streamed, and their final record is
// fetched once when the stream reports completion.
type Tracker struct {
	store        *Store
	mux          *Multiplexer
	launcher     Launcher
	materializer Materializer
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	materialized map[TaskID]struct{}
	closed       bool
}

// NewTracker creates a tracker streaming through dialer into store.
// OnCompleted in opts is replaced by the tracker's own hook; OnAbandoned is
// kept.
func NewTracker(store *Store, dialer Dialer, launcher Launcher, materializer Materializer, opts ...Options) *Tracker {
	options := mergeOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		store:        store,
		launcher:     launcher,
		materializer: materializer,
		logger:       options.Logger.With("component", "tracker"),
		ctx:          ctx,
		cancel:       cancel,
		materialized: make(map[TaskID]struct{}),
	}
	options.OnCompleted = t.materialize
	t.mux = NewMultiplexer(dialer, store, options)
	return t
}

// Store returns the tracked state.
func (t *Tracker) Store() *Store {
	return t.store
}

// Multiplexer returns the connection registry.
func (t *Tracker) Multiplexer() *Multiplexer {
	return t.mux
}

// Launch creates a task, makes it the focused task and starts streaming it.
func (t *Tracker) Launch(ctx context.Context, sel TopicSelection) (TaskID, error) {
	if t.isClosed() {
		return 0, ErrTrackerClosed
	}
	id, err := t.launcher.Create(ctx, sel)
	if err != nil {
		return 0, fmt.Errorf("launch task: %w", err)
	}
	t.store.RegisterActive(id)
	t.store.Focus(id)
	t.mux.Connect(id)
	t.logger.Info("task launched", "task", id, "topics", sel.TopicIDs)
	return id, nil
}

// Track starts streaming a task that already exists on the server.
func (t *Tracker) Track(id TaskID) error {
	if t.isClosed() {
		return ErrTrackerClosed
	}
	t.store.RegisterActive(id)
	t.mux.Connect(id)
	return nil
}

// Dismiss clears finished tasks from the dashboard.
func (t *Tracker) Dismiss() {
	t.store.DismissCompleted()
}

// Reset stops streaming id and forgets its state.
func (t *Tracker) Reset(id TaskID) {
	t.mux.Disconnect(id)
	t.store.ResetTask(id)
	t.mu.Lock()
	delete(t.materialized, id)
	t.mu.Unlock()
}

// ResetAll stops every stream and clears the store.
func (t *Tracker) ResetAll() {
	t.mux.DisconnectAll()
	t.store.Reset()
	t.mu.Lock()
	clear(t.materialized)
	t.mu.Unlock()
}

// Abandoned returns the tasks whose streams were given up.
func (t *Tracker) Abandoned() []TaskID {
	return t.mux.AbandonedTasks()
}

// Close stops every stream and waits for in-flight record fetches.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.mux.DisconnectAll()
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// materialize fetches the final record of id at most once.
func (t *Tracker) materialize(id TaskID) {
	if t.materializer == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, done := t.materialized[id]; done {
		t.mu.Unlock()
		return
	}
	t.materialized[id] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		rec, err := t.materializer.FetchFinal(t.ctx, id)
		if err != nil {
			t.logger.Error("fetch final record failed", "task", id, "error", err)
			return
		}
		t.store.SetRecord(id, rec)
		t.logger.Info("final record fetched", "task", id, "status", rec.Status)
	}()
}
