package paperwatch

import (
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"agent":"literature_researcher","status":"working","progress":30,"message":"reading"}`))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Stage != StageLiterature {
		t.Errorf("expected stage %s, got %s", StageLiterature, ev.Stage)
	}
	if ev.Status != StatusWorking {
		t.Errorf("expected status working, got %s", ev.Status)
	}
	if ev.Progress != 30 {
		t.Errorf("expected progress 30, got %d", ev.Progress)
	}
	if ev.Message != "reading" {
		t.Errorf("expected message reading, got %q", ev.Message)
	}
	if ev.TaskID != nil {
		t.Errorf("expected no task id, got %d", *ev.TaskID)
	}
	if ev.DetailedScores != nil {
		t.Error("expected no scores")
	}
}

func TestDecodeEventRoundsFractionalProgress(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"agent":"peer_reviewer","status":"reviewing_revision","progress":91.66}`))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Progress != 92 {
		t.Errorf("expected progress 92, got %d", ev.Progress)
	}
}

func TestDecodeEventAlternateSpellings(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"taskId":7,"stage":"completed","status":"completed","progress":100,"detailed_scores":{"novelty":8,"quality":7,"clarity":9,"total":8}}`))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.TaskID == nil || *ev.TaskID != 7 {
		t.Fatalf("expected task id 7, got %v", ev.TaskID)
	}
	if !ev.IsCompletion() {
		t.Error("expected completion sentinel")
	}
	if ev.DetailedScores == nil || ev.DetailedScores.Total != 8 {
		t.Errorf("expected scores with total 8, got %+v", ev.DetailedScores)
	}

	ev, err = DecodeEvent([]byte(`{"paperId":3,"agent":"paper_writer","status":"waiting","progress":0}`))
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.TaskID == nil || *ev.TaskID != 3 {
		t.Errorf("expected task id 3, got %v", ev.TaskID)
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid JSON", `{"agent":`},
		{"not an object", `"hello"`},
		{"missing stage", `{"status":"working","progress":10}`},
		{"unknown status", `{"agent":"data_analyst","status":"sleeping","progress":10}`},
		{"negative progress", `{"agent":"data_analyst","status":"working","progress":-1}`},
		{"progress above 100", `{"agent":"data_analyst","status":"working","progress":101}`},
		{"progress not a number", `{"agent":"data_analyst","status":"working","progress":"ten"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("expected *DecodeError, got %T", err)
			}
		})
	}
}

func TestStageIndex(t *testing.T) {
	stages := Stages()
	for i, s := range stages {
		if got := StageIndex(s); got != i {
			t.Errorf("StageIndex(%s) = %d, want %d", s, got, i)
		}
	}
	if stages[len(stages)-1] != StageCompleted {
		t.Errorf("expected sentinel last, got %s", stages[len(stages)-1])
	}
	if got := StageIndex("translator"); got != len(stages) {
		t.Errorf("expected unknown stage after canonical ones, got %d", got)
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusWaiting, StatusWorking, StatusCompleted, StatusReviewingRevision} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Status("failed").Valid() {
		t.Error("expected failed to be invalid")
	}
}
