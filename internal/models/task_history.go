package models

import "time"

// TaskHistory is the persisted archive record for a task that reached a
// terminal stage. The live task registry is in-memory only; terminal records
// are archived here so operators can inspect outcomes across restarts.
type TaskHistory struct {
	BaseModel

	// TaskID is the pipeline task identifier.
	TaskID ULID `gorm:"not null;uniqueIndex;type:varchar(26)" json:"task_id"`

	// FinalStage is the terminal stage: completed or failed.
	FinalStage string `gorm:"not null;size:32;index" json:"final_stage"`

	// StageAtFailure is the stage the pipeline was executing when it
	// failed. Empty for completed tasks.
	StageAtFailure string `gorm:"size:32" json:"stage_at_failure,omitempty"`

	// ErrorKind is the failure classification (no_person, timeout, ...).
	ErrorKind string `gorm:"size:32;index" json:"error_kind,omitempty"`

	// ErrorMessage is the human-readable failure description.
	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	// ResultPath is the tier-qualified path of the final video artifact.
	ResultPath string `gorm:"size:512" json:"result_path,omitempty"`

	// ArtifactCount is the number of artifacts the task registered over
	// its lifetime, including those released by rollback.
	ArtifactCount int `json:"artifact_count"`

	// SubmittedAt is when the task was accepted.
	SubmittedAt time.Time `gorm:"index" json:"submitted_at"`

	// FinishedAt is when the task reached its terminal stage.
	FinishedAt time.Time `gorm:"index" json:"finished_at"`

	// DurationMs is the end-to-end execution time in milliseconds.
	DurationMs int64 `json:"duration_ms"`
}

// TableName returns the table name for TaskHistory.
func (TaskHistory) TableName() string {
	return "task_history"
}

// Succeeded returns true if the archived task completed successfully.
func (h *TaskHistory) Succeeded() bool {
	return h.FinalStage == "completed"
}
