package paperwatch

import (
	"math"
	"slices"

	"github.com/go-json-experiment/json"
)

// TaskID identifies one remote generation job. It is owned by the launcher
// and only ever referenced here.
type TaskID int64

// Stage names the pipeline step (agent) that emitted an event.
type Stage string

// Canonical stage order of the remote pipeline.
const (
	StageDirector    Stage = "research_director"
	StageLiterature  Stage = "literature_researcher"
	StageMethodology Stage = "methodology_expert"
	StageAnalysis    Stage = "data_analyst"
	StageWriting     Stage = "paper_writer"
	StageReview      Stage = "peer_reviewer"

	// StageCompleted is the sentinel that terminates a task's stream.
	StageCompleted Stage = "completed"
)

var canonicalStages = []Stage{
	StageDirector,
	StageLiterature,
	StageMethodology,
	StageAnalysis,
	StageWriting,
	StageReview,
	StageCompleted,
}

// Stages returns the canonical stage order, ending with the sentinel.
func Stages() []Stage {
	return slices.Clone(canonicalStages)
}

// StageIndex returns the position of s in the canonical order.
// Stages the pipeline adds later sort after every known stage.
func StageIndex(s Stage) int {
	if i := slices.Index(canonicalStages, s); i >= 0 {
		return i
	}
	return len(canonicalStages)
}

// Status is the state a stage reports.
type Status string

const (
	StatusWaiting           Status = "waiting"
	StatusWorking           Status = "working"
	StatusCompleted         Status = "completed"
	StatusReviewingRevision Status = "reviewing_revision"
)

// Valid reports whether s is part of the status vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusWorking, StatusCompleted, StatusReviewingRevision:
		return true
	}
	return false
}

// DetailedScores is the review breakdown attached to some completion events.
type DetailedScores struct {
	Novelty float64 `json:"novelty"`
	Quality float64 `json:"quality"`
	Clarity float64 `json:"clarity"`
	Total   float64 `json:"total"`
}

// Event is one progress update streamed for a task.
// A nil TaskID means "apply to the focused task".
type Event struct {
	TaskID         *TaskID         `json:"paperId,omitempty"`
	Stage          Stage           `json:"agent"`
	Status         Status          `json:"status"`
	Message        string          `json:"message,omitempty"`
	Progress       int             `json:"progress"`
	DetailedScores *DetailedScores `json:"detailedScores,omitempty"`
}

// IsCompletion reports whether e carries the completion sentinel.
func (e Event) IsCompletion() bool {
	return e.Stage == StageCompleted
}

// WithTask returns a copy of e tagged with id.
func (e Event) WithTask(id TaskID) Event {
	e.TaskID = &id
	return e
}

// wireEvent accepts the field spellings used by the different pipeline
// versions.
type wireEvent struct {
	PaperID             *TaskID         `json:"paperId"`
	TaskID              *TaskID         `json:"taskId"`
	Agent               Stage           `json:"agent"`
	Stage               Stage           `json:"stage"`
	Status              Status          `json:"status"`
	Message             string          `json:"message"`
	Progress            float64         `json:"progress"`
	DetailedScores      *DetailedScores `json:"detailedScores"`
	DetailedScoresSnake *DetailedScores `json:"detailed_scores"`
}

// DecodeEvent parses a single transport message into an Event.
// The pipeline reports fractional percentages during review; they are
// rounded to the nearest integer.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, decodeError("invalid JSON", err)
	}

	ev := Event{
		TaskID:         w.TaskID,
		Stage:          w.Agent,
		Status:         w.Status,
		Message:        w.Message,
		DetailedScores: w.DetailedScores,
	}
	if ev.TaskID == nil {
		ev.TaskID = w.PaperID
	}
	if ev.Stage == "" {
		ev.Stage = w.Stage
	}
	if ev.DetailedScores == nil {
		ev.DetailedScores = w.DetailedScoresSnake
	}

	if ev.Stage == "" {
		return Event{}, decodeError("missing stage", nil)
	}
	if !ev.Status.Valid() {
		return Event{}, decodeError("unknown status "+string(ev.Status), nil)
	}
	if w.Progress < 0 || w.Progress > 100 {
		return Event{}, decodeError("progress out of range", nil)
	}
	ev.Progress = int(math.Round(w.Progress))
	return ev, nil
}
