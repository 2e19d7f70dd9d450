package paperwatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wenjingluo11-spec/paperwatch"
	"github.com/wenjingluo11-spec/paperwatch/internal/pipelinetest"
	"github.com/wenjingluo11-spec/paperwatch/papers"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// countingMaterializer counts FetchFinal calls.
type countingMaterializer struct {
	inner paperwatch.Materializer
	calls atomic.Int32
}

func (m *countingMaterializer) FetchFinal(ctx context.Context, id paperwatch.TaskID) (*paperwatch.TaskRecord, error) {
	m.calls.Add(1)
	return m.inner.FetchFinal(ctx, id)
}

type trackerFixture struct {
	srv          *pipelinetest.Server
	client       *papers.Client
	materializer *countingMaterializer
	tracker      *paperwatch.Tracker
	store        *paperwatch.Store
}

func newTrackerFixture(t *testing.T, dialer func(*pipelinetest.Server) paperwatch.Dialer, opts paperwatch.Options) *trackerFixture {
	t.Helper()
	srv := pipelinetest.New(t)
	client := papers.NewClient(srv.URL)
	f := &trackerFixture{
		srv:          srv,
		client:       client,
		materializer: &countingMaterializer{inner: client},
		store:        paperwatch.NewStore(),
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	f.tracker = paperwatch.NewTracker(f.store, dialer(srv), client, f.materializer, opts)
	t.Cleanup(func() { f.tracker.Close() })
	return f
}

func wsDialer(srv *pipelinetest.Server) paperwatch.Dialer {
	return paperwatch.NewWSDialer(srv.StreamURL())
}

func sseDialer(srv *pipelinetest.Server) paperwatch.Dialer {
	return paperwatch.NewSSEDialer(srv.SSEURL())
}

func (f *trackerFixture) send(t *testing.T, id paperwatch.TaskID, stage paperwatch.Stage, status paperwatch.Status, progress int) {
	t.Helper()
	err := f.srv.Send(id, paperwatch.Event{Stage: stage, Status: status, Progress: progress, Message: string(stage) + " is " + string(status)})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func runToCompletion(t *testing.T, dialer func(*pipelinetest.Server) paperwatch.Dialer) {
	f := newTrackerFixture(t, dialer, paperwatch.Options{})
	ctx := context.Background()

	id, err := f.tracker.Launch(ctx, paperwatch.TopicSelection{TopicIDs: []int64{7}})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if !f.store.Running() {
		t.Error("expected running after launch")
	}
	if focused := f.store.Focused(); focused == nil || focused.ID != id {
		t.Fatalf("expected task %d focused, got %+v", id, focused)
	}
	waitFor(t, "stream to connect", func() bool { return f.srv.Connections(id) == 1 })

	f.send(t, id, paperwatch.StageDirector, paperwatch.StatusWorking, 10)
	f.send(t, id, paperwatch.StageDirector, paperwatch.StatusCompleted, 15)
	f.send(t, id, paperwatch.StageLiterature, paperwatch.StatusWorking, 20)
	if err := f.srv.SendRaw(id, []byte(`garbage`)); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}
	scores := &paperwatch.DetailedScores{Novelty: 8, Quality: 7, Clarity: 9, Total: 8}
	if err := f.srv.Finish(id, scores); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	waitFor(t, "final record", func() bool { return f.store.Record(id) != nil })

	history := f.store.History(id)
	if len(history) != 2 {
		t.Fatalf("expected 2 stages, got %d: %+v", len(history), history)
	}
	if history[0].Stage != paperwatch.StageDirector || history[0].Progress != 15 {
		t.Errorf("expected director at 15%%, got %+v", history[0])
	}
	if !f.store.IsComplete(id) || !f.store.BatchComplete() {
		t.Error("expected task and batch complete")
	}
	if f.store.Running() {
		t.Error("expected running cleared")
	}

	focused := f.store.Focused()
	if focused.Status != paperwatch.FocusFinished {
		t.Errorf("expected focused finished, got %s", focused.Status)
	}
	if focused.Scores == nil || *focused.Scores != *scores {
		t.Errorf("expected scores %+v, got %+v", scores, focused.Scores)
	}
	if focused.Record == nil || focused.Record.Status != "completed" {
		t.Errorf("expected completed record on focused task, got %+v", focused.Record)
	}
	if got := len(f.store.FocusedHistory()); got != 2 {
		t.Errorf("expected 2 focused entries, got %d", got)
	}

	waitFor(t, "stream to be released", func() bool { return !f.tracker.Multiplexer().Has(id) })
	waitFor(t, "server to see the close", func() bool { return f.srv.Connections(id) == 0 })
	if got := f.materializer.calls.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestTrackerLaunchToCompletionWebSocket(t *testing.T) {
	runToCompletion(t, wsDialer)
}

func TestTrackerLaunchToCompletionSSE(t *testing.T) {
	runToCompletion(t, sseDialer)
}

func TestTrackerMultipleTasks(t *testing.T) {
	f := newTrackerFixture(t, wsDialer, paperwatch.Options{})
	ctx := context.Background()

	var ids []paperwatch.TaskID
	for _, topic := range []int64{1, 2, 3} {
		id, err := f.tracker.Launch(ctx, paperwatch.TopicSelection{TopicIDs: []int64{topic}})
		if err != nil {
			t.Fatalf("Launch failed: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitFor(t, "stream to connect", func() bool { return f.srv.Connections(id) == 1 })
	}

	// Interleave stages across tasks.
	f.send(t, ids[2], paperwatch.StageDirector, paperwatch.StatusWorking, 10)
	f.send(t, ids[0], paperwatch.StageDirector, paperwatch.StatusWorking, 10)
	f.send(t, ids[1], paperwatch.StageWriting, paperwatch.StatusWorking, 70)

	for _, id := range ids[:2] {
		if err := f.srv.Finish(id, nil); err != nil {
			t.Fatalf("Finish failed: %v", err)
		}
	}
	waitFor(t, "two completions", func() bool { return len(f.store.CompletedTasks()) == 2 })
	if f.store.BatchComplete() {
		t.Error("expected batch incomplete")
	}
	waitFor(t, "finished streams to be released", func() bool { return f.tracker.Multiplexer().Len() == 1 })

	if err := f.srv.Finish(ids[2], nil); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	waitFor(t, "batch completion", func() bool { return f.store.BatchComplete() })
	if f.store.Running() {
		t.Error("expected running cleared")
	}

	// Only the last launched task is focused.
	if f.store.Focused().ID != ids[2] {
		t.Errorf("expected focus on %d, got %d", ids[2], f.store.Focused().ID)
	}
	if got := len(f.store.FocusedHistory()); got != 1 {
		t.Errorf("expected 1 focused entry, got %d", got)
	}

	waitFor(t, "all records", func() bool { return f.materializer.calls.Load() == 3 })
	f.tracker.Dismiss()
	if len(f.store.ActiveTasks()) != 0 || len(f.store.CompletedTasks()) != 0 {
		t.Error("expected dismiss to clear finished tasks")
	}
}

func TestTrackerReconnectsAfterDrop(t *testing.T) {
	f := newTrackerFixture(t, wsDialer, paperwatch.Options{})

	id, err := f.tracker.Launch(context.Background(), paperwatch.TopicSelection{TopicIDs: []int64{1}})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitFor(t, "stream to connect", func() bool { return f.srv.Connections(id) == 1 })
	f.send(t, id, paperwatch.StageDirector, paperwatch.StatusWorking, 10)
	waitFor(t, "first event", func() bool { return len(f.store.History(id)) == 1 })

	f.srv.Drop(id)
	waitFor(t, "reconnect", func() bool { return f.srv.Dials(id) == 2 && f.srv.Connections(id) == 1 })
	waitFor(t, "stream to reopen", func() bool { return f.tracker.Multiplexer().Open(id) })

	f.send(t, id, paperwatch.StageLiterature, paperwatch.StatusWorking, 20)
	waitFor(t, "second event", func() bool { return len(f.store.History(id)) == 2 })
	if got := f.store.History(id)[0].Progress; got != 10 {
		t.Errorf("expected progress before the drop to survive, got %d", got)
	}
}

func TestTrackerAbandonsUnreachableStream(t *testing.T) {
	abandoned := make(chan paperwatch.TaskID, 1)
	f := newTrackerFixture(t, wsDialer, paperwatch.Options{
		MaxReconnectAttempts: 2,
		ReconnectDelay:       5 * time.Millisecond,
		OnAbandoned:          func(id paperwatch.TaskID) { abandoned <- id },
	})

	id := f.srv.AddPaper(paperwatch.TaskRecord{Title: "existing", Status: "processing"})
	f.srv.Refuse(id, true)
	if err := f.tracker.Track(id); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	select {
	case got := <-abandoned:
		if got != id {
			t.Errorf("expected %d abandoned, got %d", id, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for abandonment")
	}
	if got := f.srv.Dials(id); got != 3 {
		t.Errorf("expected 3 dials, got %d", got)
	}
	if got := f.tracker.Abandoned(); len(got) != 1 || got[0] != id {
		t.Errorf("expected [%d] abandoned, got %v", id, got)
	}
	if !f.store.Running() {
		t.Error("expected running to stay on after abandonment")
	}
	if got := f.materializer.calls.Load(); got != 0 {
		t.Errorf("expected no fetch, got %d", got)
	}
}

func TestTrackerLaunchError(t *testing.T) {
	f := newTrackerFixture(t, wsDialer, paperwatch.Options{})

	_, err := f.tracker.Launch(context.Background(), paperwatch.TopicSelection{TopicIDs: []int64{0}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !papers.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if len(f.store.ActiveTasks()) != 0 || f.store.Running() {
		t.Error("expected store untouched")
	}
}

func TestTrackerReset(t *testing.T) {
	f := newTrackerFixture(t, wsDialer, paperwatch.Options{})

	id, err := f.tracker.Launch(context.Background(), paperwatch.TopicSelection{TopicIDs: []int64{1}})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitFor(t, "stream to connect", func() bool { return f.srv.Connections(id) == 1 })
	f.send(t, id, paperwatch.StageDirector, paperwatch.StatusWorking, 10)
	waitFor(t, "first event", func() bool { return len(f.store.History(id)) == 1 })

	f.tracker.Reset(id)
	if f.tracker.Multiplexer().Has(id) {
		t.Error("expected stream removed")
	}
	if len(f.store.ActiveTasks()) != 0 || f.store.History(id) != nil {
		t.Error("expected task state removed")
	}
	waitFor(t, "server to see the close", func() bool { return f.srv.Connections(id) == 0 })
	time.Sleep(50 * time.Millisecond)
	if got := f.srv.Dials(id); got != 1 {
		t.Errorf("expected no reconnect after reset, got %d dials", got)
	}
}

func TestTrackerClosed(t *testing.T) {
	f := newTrackerFixture(t, wsDialer, paperwatch.Options{})
	f.tracker.Close()

	_, err := f.tracker.Launch(context.Background(), paperwatch.TopicSelection{TopicIDs: []int64{1}})
	if !errors.Is(err, paperwatch.ErrTrackerClosed) {
		t.Errorf("expected ErrTrackerClosed, got %v", err)
	}
	if err := f.tracker.Track(1); !errors.Is(err, paperwatch.ErrTrackerClosed) {
		t.Errorf("expected ErrTrackerClosed, got %v", err)
	}
}

func TestTrackerResetAll(t *testing.T) {
	f := newTrackerFixture(t, wsDialer, paperwatch.Options{})
	ctx := context.Background()

	var ids []paperwatch.TaskID
	for _, topic := range []int64{1, 2} {
		id, err := f.tracker.Launch(ctx, paperwatch.TopicSelection{TopicIDs: []int64{topic}})
		if err != nil {
			t.Fatalf("Launch failed: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitFor(t, "stream to connect", func() bool { return f.srv.Connections(id) == 1 })
	}

	f.tracker.ResetAll()
	if f.tracker.Multiplexer().Len() != 0 {
		t.Errorf("expected no streams, got %d", f.tracker.Multiplexer().Len())
	}
	snap := f.store.Snapshot()
	if len(snap.Active) != 0 || snap.Running || snap.Focused != nil {
		t.Errorf("expected empty store, got %+v", snap)
	}
	for _, id := range ids {
		waitFor(t, "server to see the close", func() bool { return f.srv.Connections(id) == 0 })
	}
}
