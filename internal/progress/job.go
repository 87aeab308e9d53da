package progress

import (
	"time"
)

// Status is the lifecycle state of an extraction job.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusCleared    Status = "cleared"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCleared:
		return true
	}
	return false
}

// NonTerminal lists the statuses under which a (source, dataset) pair is
// considered active. At most one row per pair may hold one of these.
var NonTerminal = []Status{StatusScheduled, StatusInProgress, StatusPaused}

// LLMConfig is the per-job model selection, persisted with the job.
type LLMConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	UseAPI      bool    `json:"use_api"`
	Temperature float64 `json:"temperature"`
}

// ReasoningEntry records the model's explanation for one merge step.
type ReasoningEntry struct {
	Timestamp   int64          `json:"timestamp"`
	ChunkIndex  int            `json:"chunk_index"`
	TotalChunks int            `json:"total_chunks"`
	Reasoning   map[string]any `json:"reasoning"`
	IsFinal     bool           `json:"is_final"`
}

// Job is one row of the extraction_progress table.
type Job struct {
	ID      int64  `json:"id"`
	Source  string `json:"source"`
	Dataset string `json:"dataset"`
	Status  Status `json:"status"`

	Files  []string       `json:"files"`
	Schema map[string]any `json:"schema"`
	LLM    LLMConfig      `json:"llm_config"`

	TotalFiles       int     `json:"total_files"`
	ProcessedFiles   int     `json:"processed_files"`
	CurrentFileIndex int     `json:"current_file_index"`
	CurrentFile      string  `json:"current_file"`
	TotalChunks      int     `json:"total_chunks"`
	CurrentChunk     int     `json:"current_chunk"`
	FileProgress     float64 `json:"file_progress"`

	MergedData     map[string]any   `json:"merged_data"`
	MergeReasoning []ReasoningEntry `json:"merge_reasoning_history"`

	Message   string `json:"message"`
	LastError string `json:"last_error,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Duration  float64    `json:"duration,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// JobSpec is the input to Store.CreateJob.
type JobSpec struct {
	Source  string
	Dataset string
	Files   []string
	Schema  map[string]any
	LLM     LLMConfig
	Message string
}

// Patch is a partial update applied by UpdateProgress. Nil fields are left
// untouched; progress counters are never cleared by a non-terminal write.
type Patch struct {
	Status           *Status
	ProcessedFiles   *int
	CurrentFileIndex *int
	CurrentFile      *string
	TotalChunks      *int
	CurrentChunk     *int
	FileProgress     *float64
	Message          *string
	LastError        *string
}
