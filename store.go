package paperwatch

import (
	"slices"
	"sync"
)

// FocusStatus is the lifecycle of the focused task as seen by the UI.
type FocusStatus string

const (
	FocusRunning  FocusStatus = "running"
	FocusFinished FocusStatus = "finished"
)

// FocusedTask is the task mirrored into the detailed view.
type FocusedTask struct {
	ID     TaskID          `json:"id"`
	Status FocusStatus     `json:"status"`
	Scores *DetailedScores `json:"scores,omitempty"`
	Record *TaskRecord     `json:"record,omitempty"`
}

// Snapshot is a consistent copy of the store for rendering.
type Snapshot struct {
	Active         []TaskID           `json:"active"`
	Completed      []TaskID           `json:"completed"`
	Running        bool               `json:"running"`
	BatchComplete  bool               `json:"batchComplete"`
	Histories      map[TaskID][]Event `json:"histories"`
	Focused        *FocusedTask       `json:"focused,omitempty"`
	FocusedHistory []Event            `json:"focusedHistory"`
}

// Store holds the progress of every tracked task. Events are merged through
// Apply only; readers may call any accessor concurrently.
type Store struct {
	mu             sync.RWMutex
	histories      map[TaskID][]Event
	records        map[TaskID]*TaskRecord
	active         []TaskID
	completed      []TaskID
	running        bool
	focused        *FocusedTask
	focusedHistory []Event
	changes        chan struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		histories: make(map[TaskID][]Event),
		records:   make(map[TaskID]*TaskRecord),
		changes:   make(chan struct{}, 1),
	}
}

// Changes returns a channel that receives a value after state changes.
// Notifications coalesce: a slow reader sees one pending signal, not one per
// mutation.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// upsert replaces the entry with the same stage or appends a new one.
func upsert(history []Event, ev Event) []Event {
	for i := range history {
		if history[i].Stage == ev.Stage {
			history[i] = ev
			return history
		}
	}
	return append(history, ev)
}

// Apply merges one event into the store.
func (s *Store) Apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()

	if ev.TaskID == nil && ev.IsCompletion() {
		// Untagged sentinel from older senders only stops the indicator.
		s.running = false
		return
	}

	if ev.TaskID != nil {
		id := *ev.TaskID
		history := s.histories[id]
		if history == nil {
			history = []Event{}
		}
		if !ev.IsCompletion() {
			history = upsert(history, ev)
		}
		s.histories[id] = history

		if ev.IsCompletion() {
			if !slices.Contains(s.completed, id) {
				s.completed = append(s.completed, id)
			}
			if BatchComplete(s.active, s.completed) {
				s.running = false
			}
			if s.focused != nil && s.focused.ID == id {
				s.focused.Status = FocusFinished
				if ev.DetailedScores != nil {
					scores := *ev.DetailedScores
					s.focused.Scores = &scores
				}
			}
		}
	}

	if ev.IsCompletion() {
		return
	}
	if ev.TaskID == nil || (s.focused != nil && s.focused.ID == *ev.TaskID) {
		s.focusedHistory = upsert(s.focusedHistory, ev)
	}
}

// RegisterActive starts tracking id. Starting any task turns the running
// indicator on, even when other tasks already finished.
func (s *Store) RegisterActive(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.active, id) {
		s.active = append(s.active, id)
	}
	s.running = true
	s.notify()
}

// Focus mirrors id into the focused view, seeding the focused history from
// whatever has already been observed for it.
func (s *Store) Focus(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = &FocusedTask{ID: id, Status: FocusRunning, Record: s.records[id]}
	if TaskComplete(s.completed, id) {
		s.focused.Status = FocusFinished
	}
	s.focusedHistory = slices.Clone(s.histories[id])
	s.notify()
}

// ClearFocus drops the focused task and its history.
func (s *Store) ClearFocus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = nil
	s.focusedHistory = nil
	s.notify()
}

// ResetTask forgets everything recorded for id.
func (s *Store) ResetTask(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, id)
	delete(s.records, id)
	s.active = slices.DeleteFunc(s.active, func(t TaskID) bool { return t == id })
	s.completed = slices.DeleteFunc(s.completed, func(t TaskID) bool { return t == id })
	s.notify()
}

// Reset clears all tasks, both sets and the focused view.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.histories)
	clear(s.records)
	s.active = nil
	s.completed = nil
	s.running = false
	s.focused = nil
	s.focusedHistory = nil
	s.notify()
}

// DismissCompleted removes finished tasks and leaves in-flight ones alone.
func (s *Store) DismissCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = slices.DeleteFunc(s.active, func(t TaskID) bool {
		return slices.Contains(s.completed, t)
	})
	for _, id := range s.completed {
		delete(s.histories, id)
		delete(s.records, id)
	}
	s.completed = nil
	s.notify()
}

// SetRecord stores the finalized record fetched for id.
func (s *Store) SetRecord(id TaskID, rec *TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	if s.focused != nil && s.focused.ID == id {
		s.focused.Record = rec
	}
	s.notify()
}

// Record returns the finalized record for id, or nil.
func (s *Store) Record(id TaskID) *TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

// ActiveTasks returns the active set in registration order.
func (s *Store) ActiveTasks() []TaskID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.active)
}

// CompletedTasks returns the completed set in completion order.
func (s *Store) CompletedTasks() []TaskID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.completed)
}

// History returns the per-stage history of id in first-seen order.
func (s *Store) History(id TaskID) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.histories[id])
}

// FocusedHistory returns the flat history of the focused task.
func (s *Store) FocusedHistory() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.focusedHistory)
}

// Focused returns a copy of the focused task, or nil.
func (s *Store) Focused() *FocusedTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.focused == nil {
		return nil
	}
	f := *s.focused
	return &f
}

// Running reports the global "any task running" indicator.
func (s *Store) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// IsComplete reports whether id has emitted the completion sentinel.
func (s *Store) IsComplete(id TaskID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TaskComplete(s.completed, id)
}

// BatchComplete reports whether every active task has completed.
func (s *Store) BatchComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return BatchComplete(s.active, s.completed)
}

// Snapshot copies the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Active:         slices.Clone(s.active),
		Completed:      slices.Clone(s.completed),
		Running:        s.running,
		BatchComplete:  BatchComplete(s.active, s.completed),
		Histories:      make(map[TaskID][]Event, len(s.histories)),
		FocusedHistory: slices.Clone(s.focusedHistory),
	}
	for id, h := range s.histories {
		snap.Histories[id] = slices.Clone(h)
	}
	if s.focused != nil {
		f := *s.focused
		snap.Focused = &f
	}
	return snap
}
