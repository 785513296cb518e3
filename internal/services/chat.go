package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
	"github.com/yungbote/nous-backend/internal/utils"
)

const historyCap = 20

// failedReplyMarker stands in for the assistant turn when the model fails
// mid-response, so the thread records the failed exchange.
const failedReplyMarker = "(no response: the assistant was unavailable)"

// ChatHealth reports runtime availability for the chat surface.
type ChatHealth struct {
	LLMAvailable   bool `json:"llm_available"`
	ActiveSessions int  `json:"active_sessions"`
}

// ChatService runs lesson-scoped conversations. Messages within one session
// are strictly serialized; sessions are ephemeral and evicted after an
// inactivity TTL.
type ChatService interface {
	Stream(ctx context.Context, sessionID uuid.UUID, lessonID, userID uuid.UUID, mode types.ChatMode, message string, onChunk func(types.ChatChunk) error) error
	Health(ctx context.Context) ChatHealth
	StartJanitor(ctx context.Context)
}

type chatState struct {
	mu      sync.Mutex
	session *types.ChatSession
}

type chatService struct {
	log     *logger.Logger
	llm     LLMClient
	context ChatContextService

	mu       sync.RWMutex
	sessions map[uuid.UUID]*chatState

	ttl time.Duration
}

func NewChatService(log *logger.Logger, llm LLMClient, contextSvc ChatContextService) ChatService {
	ttlHours := utils.GetEnvAsInt("CHAT_SESSION_TTL_HOURS", 24, log)
	return &chatService{
		log:      log.With("service", "ChatService"),
		llm:      llm,
		context:  contextSvc,
		sessions: make(map[uuid.UUID]*chatState),
		ttl:      time.Duration(ttlHours) * time.Hour,
	}
}

// getOrCreate returns the session state, lazily creating it on first
// message. A caller-provided id that does not exist becomes the id of the
// new session so reconnecting clients keep their thread. An existing
// session belongs to exactly one user and one lesson; a caller presenting
// someone else's session id gets a fresh session instead of their history.
func (s *chatService) getOrCreate(sessionID, lessonID, userID uuid.UUID, mode types.ChatMode) *chatState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.sessions[sessionID]; ok {
		if st.session.UserID == userID && st.session.LessonID == lessonID {
			return st
		}
		sessionID = uuid.New()
	}

	if sessionID == uuid.Nil {
		sessionID = uuid.New()
	}
	now := time.Now().UTC()
	st := &chatState{session: &types.ChatSession{
		ID:             sessionID,
		LessonID:       lessonID,
		UserID:         userID,
		Mode:           mode,
		CreatedAt:      now,
		LastActivityAt: now,
	}}
	s.sessions[sessionID] = st
	return st
}

func (s *chatService) Stream(ctx context.Context, sessionID uuid.UUID, lessonID, userID uuid.UUID, mode types.ChatMode, message string, onChunk func(types.ChatChunk) error) error {
	if strings.TrimSpace(message) == "" {
		return types.NewValidationError("message is empty")
	}

	st := s.getOrCreate(sessionID, lessonID, userID, mode)

	// One in-flight message per session. A second message blocks here until
	// the first response completes, so responses never interleave.
	st.mu.Lock()
	defer st.mu.Unlock()

	st.session.Mode = mode
	st.session.LastActivityAt = time.Now().UTC()
	id := st.session.ID

	emit := func(chunk types.ChatChunk) error {
		chunk.SessionID = id
		chunk.Timestamp = time.Now().UTC()
		return onChunk(chunk)
	}

	prompt, err := s.context.BuildPrompt(ctx, st.session.LessonID, mode, message, st.session.History)
	if err != nil {
		s.log.Error("prompt assembly failed", "sessionID", id, "error", err)
		_ = emit(types.ChatChunk{Type: "error", Content: "Could not prepare lesson context."})
		return err
	}

	record := func(assistantText string) {
		now := time.Now().UTC()
		st.session.History = append(st.session.History,
			types.ChatTurn{Role: "user", Text: message, Timestamp: now},
			types.ChatTurn{Role: "assistant", Text: assistantText, Timestamp: now},
		)
		if len(st.session.History) > historyCap {
			st.session.History = st.session.History[len(st.session.History)-historyCap:]
		}
		st.session.LastActivityAt = now
	}

	reply, err := s.llm.ChatStream(ctx, prompt, func(token string) error {
		return emit(types.ChatChunk{Type: "token", Content: token})
	})
	if err != nil {
		// Mid-stream failure: terminal error chunk, and the failed exchange
		// is recorded so the thread reflects it. Prior turns are untouched.
		s.log.Error("chat stream failed", "sessionID", id, "error", err)
		record(failedReplyMarker)
		_ = emit(types.ChatChunk{Type: "error", Content: "The assistant is unavailable right now."})
		return err
	}

	record(reply)

	return emit(types.ChatChunk{
		Type:        "complete",
		Suggestions: suggestFollowups(mode, message),
	})
}

// suggestFollowups produces 2-3 deterministic follow-up prompts from the
// mode and the user's message terms. Best effort; never blocks a response.
func suggestFollowups(mode types.ChatMode, message string) []string {
	topic := ""
	if terms := contentTerms(message); len(terms) > 0 {
		topic = terms[0]
	}

	switch mode {
	case types.ModeQuiz:
		return []string{
			"Give me another question",
			"Make the next one harder",
			"Explain the last answer",
		}
	case types.ModeExplanation:
		if topic != "" {
			return []string{
				"Can you give an example of " + topic + "?",
				"Explain " + topic + " more simply",
				"How does this connect to the rest of the lesson?",
			}
		}
		return []string{
			"Can you give an example?",
			"Explain that more simply",
		}
	case types.ModeStudyGuide:
		return []string{
			"Summarize the key points",
			"Make flashcards for this section",
			"What should I review first?",
		}
	default:
		if topic != "" {
			return []string{
				"Tell me more about " + topic,
				"Quiz me on this lesson",
				"Summarize the lesson",
			}
		}
		return []string{
			"Quiz me on this lesson",
			"Summarize the lesson",
		}
	}
}

func (s *chatService) Health(ctx context.Context) ChatHealth {
	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()
	return ChatHealth{
		LLMAvailable:   s.llm.Available(ctx),
		ActiveSessions: active,
	}
}

// StartJanitor evicts sessions idle past the TTL.
func (s *chatService) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictIdle()
			}
		}
	}()
}

func (s *chatService) evictIdle() {
	cutoff := time.Now().Add(-s.ttl)

	// Idleness is checked without holding the registry lock, so a session
	// stuck in a long stream never stalls Stream or Health. A session whose
	// lock is contended has an in-flight message and is not idle.
	s.mu.RLock()
	candidates := make(map[uuid.UUID]*chatState, len(s.sessions))
	for id, st := range s.sessions {
		candidates[id] = st
	}
	s.mu.RUnlock()

	var idle []uuid.UUID
	for id, st := range candidates {
		if !st.mu.TryLock() {
			continue
		}
		if st.session.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
		st.mu.Unlock()
	}
	if len(idle) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range idle {
		st, ok := s.sessions[id]
		if !ok || !st.mu.TryLock() {
			continue
		}
		// Re-check: the session may have gone active since the first pass.
		if st.session.LastActivityAt.Before(cutoff) {
			delete(s.sessions, id)
			s.log.Debug("evicted idle chat session", "sessionID", id)
		}
		st.mu.Unlock()
	}
	s.mu.Unlock()
}
