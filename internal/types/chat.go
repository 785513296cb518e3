package types

import (
	"time"

	"github.com/google/uuid"
)

// ChatMode selects the system instruction that shapes the assistant's
// response style.
type ChatMode string

const (
	ModeGeneral     ChatMode = "general"
	ModeQuiz        ChatMode = "quiz"
	ModeExplanation ChatMode = "explanation"
	ModeStudyGuide  ChatMode = "study_guide"
)

// ParseChatMode maps a client-provided mode string to a known mode,
// defaulting to general.
func ParseChatMode(s string) ChatMode {
	switch ChatMode(s) {
	case ModeQuiz, ModeExplanation, ModeStudyGuide:
		return ChatMode(s)
	default:
		return ModeGeneral
	}
}

// ChatTurn is one message of a conversation.
type ChatTurn struct {
	Role      string    `json:"role"` // user | assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession holds the ephemeral state of one (lesson, user) conversation.
// History is capped; sessions are evicted after an inactivity TTL and never
// persisted beyond it.
type ChatSession struct {
	ID             uuid.UUID  `json:"session_id"`
	LessonID       uuid.UUID  `json:"lesson_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Mode           ChatMode   `json:"mode"`
	History        []ChatTurn `json:"history"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// ChatMessage is one message in the prompt sent to the LLM runtime.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatChunk is one unit of the streamed chat response. Type is "token" while
// streaming, then exactly one of "complete" or "error" terminates the stream.
type ChatChunk struct {
	Type        string    `json:"type"` // token | complete | error
	SessionID   uuid.UUID `json:"session_id"`
	Content     string    `json:"content,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
