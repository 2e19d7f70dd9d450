package paperwatch

import "context"

// TaskRecord is the finalized task fetched once its stream completes.
type TaskRecord struct {
	ID             TaskID          `json:"id"`
	TopicID        *int64          `json:"topic_id,omitempty"`
	TopicIDs       string          `json:"topic_ids,omitempty"`
	Title          string          `json:"title"`
	Abstract       string          `json:"abstract,omitempty"`
	Content        string          `json:"content,omitempty"`
	Version        int             `json:"version"`
	Status         string          `json:"status"`
	QualityScore   float64         `json:"quality_score"`
	DetailedScores *DetailedScores `json:"detailed_scores,omitempty"`
	CreatedAt      string          `json:"created_at,omitempty"`
}

// TopicSelection is what a new task is generated from.
type TopicSelection struct {
	TopicIDs []int64
}

// Launcher creates tasks on the server.
type Launcher interface {
	Create(ctx context.Context, sel TopicSelection) (TaskID, error)
}

// Materializer fetches the final record of a completed task.
type Materializer interface {
	FetchFinal(ctx context.Context, id TaskID) (*TaskRecord, error)
}
