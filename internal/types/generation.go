package types

import (
	"time"

	"github.com/google/uuid"
)

// GenerationStage is one discrete step of the lesson generation state machine.
type GenerationStage string

const (
	StageUploaded             GenerationStage = "uploaded"
	StageAnalyzing            GenerationStage = "analyzing"
	StageNarrationReady       GenerationStage = "narration_ready"
	StageAudioReady           GenerationStage = "audio_ready"
	StageVideoCandidatesReady GenerationStage = "video_candidates_ready"
	StageAssembling           GenerationStage = "assembling"
	StageReadyForReview       GenerationStage = "ready_for_review"
	StageFinalized            GenerationStage = "finalized"
	StageCancelled            GenerationStage = "cancelled"
	StageFailed               GenerationStage = "failed"
)

// Terminal reports whether no further transition is allowed from the stage.
func (s GenerationStage) Terminal() bool {
	return s == StageFinalized || s == StageCancelled || s == StageFailed
}

// Progress checkpoints. Percent is a pure function of stage plus sub-stage
// counter, never wall-clock estimated.
const (
	ProgressUploaded       = 0
	ProgressAnalysisStart  = 10
	ProgressAnalysisDone   = 40
	ProgressNarrationReady = 55
	ProgressAudioReady     = 70
	ProgressVideosReady    = 90
	ProgressReady          = 100
)

// LessonDraft accumulates partial outputs as generation stages complete.
type LessonDraft struct {
	Content             []LessonNode     `json:"content,omitempty"`
	Narration           string           `json:"narration,omitempty"`
	AudioRef            string           `json:"audio_ref,omitempty"`
	Keywords            []string         `json:"keywords,omitempty"`
	VideoCandidates     []VideoCandidate `json:"video_candidates,omitempty"`
	EstimatedReadMinute int              `json:"estimated_read_minutes,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
}

// GenerationSession is the unit of isolation for one lesson generation task.
// Only the orchestrator goroutine that owns the session mutates it.
type GenerationSession struct {
	ID                 uuid.UUID       `json:"session_id"`
	OwnerID            uuid.UUID       `json:"owner_id"`
	CourseID           uuid.UUID       `json:"course_id"`
	Title              string          `json:"title"`
	DocumentRef        string          `json:"document_ref"`
	CustomInstructions string          `json:"custom_instructions,omitempty"`
	Stage              GenerationStage `json:"stage"`
	Progress           int             `json:"progress"`
	Draft              LessonDraft     `json:"draft"`
	Err                string          `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ProgressEvent is an immutable, timestamped notification of generation state
// change. Past events are never mutated; the publisher only emits new ones.
type ProgressEvent struct {
	SessionID uuid.UUID       `json:"session_id"`
	Stage     GenerationStage `json:"stage"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}
