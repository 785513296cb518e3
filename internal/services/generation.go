package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/repos"
	"github.com/yungbote/nous-backend/internal/sse"
	"github.com/yungbote/nous-backend/internal/types"
	"github.com/yungbote/nous-backend/internal/utils"
)

const (
	maxInstructionsLen = 2000
	ttsMaxAttempts     = 3
)

var (
	ErrSessionNotFound = errors.New("generation session not found")
	ErrForbidden       = errors.New("session belongs to another user")
	ErrNotReady        = errors.New("session is not ready for review")
)

// StartGenerationRequest is the validated input for one generation task.
type StartGenerationRequest struct {
	Title              string `json:"title"`
	CourseID           string `json:"courseId"`
	DocumentRef        string `json:"documentRef"`
	CustomInstructions string `json:"instructions,omitempty"`
}

// GenerationService owns the lesson generation pipeline: one goroutine per
// session walks the stage machine, publishing exactly one progress event per
// transition. Sessions live in memory; only finalized lessons persist.
type GenerationService interface {
	Start(ctx context.Context, ownerID uuid.UUID, req StartGenerationRequest) (*types.GenerationSession, error)
	Get(id, ownerID uuid.UUID) (*types.GenerationSession, error)
	Result(id, ownerID uuid.UUID) (*types.GenerationSession, error)
	Cancel(id, ownerID uuid.UUID) (*types.GenerationSession, error)
	Finalize(ctx context.Context, id, ownerID uuid.UUID, selectedVideoIDs []string) (*types.Lesson, error)
	StartJanitor(ctx context.Context)
}

type sessionState struct {
	mu      sync.Mutex
	session *types.GenerationSession
	cancel  context.CancelFunc
	// set when the session enters a terminal stage; drives retention purge
	terminalAt time.Time
}

type generationService struct {
	log        *logger.Logger
	content    ContentClient
	tts        TTSClient
	videos     VideoSearchClient
	store      MediaStore
	lessonRepo repos.LessonRepo
	hub        *sse.Hub

	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionState

	sem       *semaphore.Weighted
	retention time.Duration
}

func NewGenerationService(
	log *logger.Logger,
	content ContentClient,
	tts TTSClient,
	videos VideoSearchClient,
	store MediaStore,
	lessonRepo repos.LessonRepo,
	hub *sse.Hub,
) GenerationService {
	maxConcurrent := utils.GetEnvAsInt("GENERATION_MAX_CONCURRENT", 2, log)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	retentionMin := utils.GetEnvAsInt("GENERATION_RETENTION_MINUTES", 10, log)

	return &generationService{
		log:        log.With("service", "GenerationService"),
		content:    content,
		tts:        tts,
		videos:     videos,
		store:      store,
		lessonRepo: lessonRepo,
		hub:        hub,
		sessions:   make(map[uuid.UUID]*sessionState),
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		retention:  time.Duration(retentionMin) * time.Minute,
	}
}

func (s *generationService) Start(ctx context.Context, ownerID uuid.UUID, req StartGenerationRequest) (*types.GenerationSession, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, types.NewValidationError("title is required")
	}
	if strings.TrimSpace(req.DocumentRef) == "" {
		return nil, types.NewValidationError("documentRef is required")
	}
	if len(req.CustomInstructions) > maxInstructionsLen {
		return nil, types.NewValidationError("instructions exceed %d characters", maxInstructionsLen)
	}
	courseID, err := uuid.Parse(req.CourseID)
	if err != nil {
		return nil, types.NewValidationError("invalid courseId")
	}

	now := time.Now().UTC()
	session := &types.GenerationSession{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		CourseID:           courseID,
		Title:              strings.TrimSpace(req.Title),
		DocumentRef:        req.DocumentRef,
		CustomInstructions: req.CustomInstructions,
		Stage:              types.StageUploaded,
		Progress:           types.ProgressUploaded,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &sessionState{session: session, cancel: cancel}

	s.mu.Lock()
	s.sessions[session.ID] = st
	s.mu.Unlock()

	s.emit(st, types.StageUploaded, types.ProgressUploaded, "Document received")
	snap := snapshot(st)

	go s.run(runCtx, st)

	return snap, nil
}

// emit applies a stage transition and publishes exactly one progress event.
// Transitions out of a terminal stage are ignored, so a cancellation or
// failure event is always the last one observed for a session.
func (s *generationService) emit(st *sessionState, stage types.GenerationStage, progress int, msg string) {
	st.mu.Lock()
	if st.session.Stage.Terminal() && st.session.Stage != stage {
		st.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	st.session.Stage = stage
	if progress > st.session.Progress {
		st.session.Progress = progress
	}
	st.session.UpdatedAt = now
	if stage.Terminal() && st.terminalAt.IsZero() {
		st.terminalAt = now
	}
	event := types.ProgressEvent{
		SessionID: st.session.ID,
		Stage:     stage,
		Progress:  st.session.Progress,
		Message:   msg,
		Timestamp: now,
	}
	st.mu.Unlock()

	s.hub.Broadcast(sse.Message{
		Channel: event.SessionID.String(),
		Event:   sse.EventProgress,
		Data:    event,
	})
}

func (s *generationService) run(ctx context.Context, st *sessionState) {
	sessionID := st.session.ID
	log := s.log.With("sessionID", sessionID)

	fail := func(err error) {
		if errors.Is(err, context.Canceled) {
			// Cancel() already emitted the terminal event.
			return
		}
		st.mu.Lock()
		st.session.Err = err.Error()
		st.mu.Unlock()
		log.Error("generation failed", "error", err)
		s.emit(st, types.StageFailed, 0, err.Error())
	}

	cancelled := func() bool { return ctx.Err() != nil }

	if err := s.sem.Acquire(ctx, 1); err != nil {
		fail(err)
		return
	}
	defer s.sem.Release(1)

	if cancelled() {
		return
	}

	// Stage 1: document analysis and lesson content.
	s.emit(st, types.StageAnalyzing, types.ProgressAnalysisStart, "Analyzing document")

	documentText, err := s.store.ReadText(ctx, st.session.DocumentRef)
	if err != nil {
		fail(fmt.Errorf("read document: %w", err))
		return
	}
	if strings.TrimSpace(documentText) == "" {
		fail(types.NewValidationError("document is empty"))
		return
	}

	content, err := s.content.GenerateLessonContent(ctx, documentText, st.session.CustomInstructions)
	if err != nil {
		fail(fmt.Errorf("generate lesson content: %w", err))
		return
	}
	st.mu.Lock()
	st.session.Draft.Content = content
	st.mu.Unlock()
	s.emit(st, types.StageAnalyzing, types.ProgressAnalysisDone, "Lesson content generated")

	if cancelled() {
		return
	}

	// Stage 2: narration script.
	narration, err := s.content.GenerateNarration(ctx, content)
	if err != nil {
		fail(fmt.Errorf("generate narration: %w", err))
		return
	}
	st.mu.Lock()
	st.session.Draft.Narration = narration
	st.mu.Unlock()
	s.emit(st, types.StageNarrationReady, types.ProgressNarrationReady, "Narration script ready")

	if cancelled() {
		return
	}

	// Stage 3: speech synthesis. Retried here with backoff; exhaustion is
	// terminal because a lesson without audio is not reviewable.
	audioRef, err := s.synthesizeWithRetry(ctx, log, narration)
	if err != nil {
		fail(fmt.Errorf("synthesize narration audio: %w", err))
		return
	}
	st.mu.Lock()
	st.session.Draft.AudioRef = audioRef
	st.mu.Unlock()
	s.emit(st, types.StageAudioReady, types.ProgressAudioReady, "Narration audio ready")

	if cancelled() {
		return
	}

	// Stage 4: video candidates. Failures here never sink the lesson.
	keywords, candidates, warning := s.findVideoCandidates(ctx, log, content)
	st.mu.Lock()
	st.session.Draft.Keywords = keywords
	st.session.Draft.VideoCandidates = candidates
	if warning != "" {
		st.session.Draft.Warnings = append(st.session.Draft.Warnings, warning)
	}
	st.mu.Unlock()
	msg := fmt.Sprintf("Found %d video candidates", len(candidates))
	if warning != "" {
		msg = warning
	}
	s.emit(st, types.StageVideoCandidatesReady, types.ProgressVideosReady, msg)

	if cancelled() {
		return
	}

	// Stage 5: assembly checks.
	s.emit(st, types.StageAssembling, types.ProgressVideosReady, "Assembling lesson")

	st.mu.Lock()
	draft := &st.session.Draft
	err = ValidateDraft(draft)
	if err == nil {
		draft.EstimatedReadMinute = EstimateReadMinutes(draft.Content)
	}
	st.mu.Unlock()
	if err != nil {
		fail(err)
		return
	}

	s.emit(st, types.StageReadyForReview, types.ProgressReady, "Lesson ready for review")
	log.Info("generation complete, awaiting review")
}

func (s *generationService) synthesizeWithRetry(ctx context.Context, log *logger.Logger, narration string) (string, error) {
	backoff := 1 * time.Second
	var lastErr error

	for attempt := 1; attempt <= ttsMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		ref, err := s.tts.Synthesize(ctx, narration)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !types.IsRetryable(err) || attempt == ttsMaxAttempts {
			break
		}
		sleep := jitterSleep(backoff)
		log.Warn("speech synthesis retrying",
			"attempt", attempt,
			"max_attempts", ttsMaxAttempts,
			"sleep", sleep.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	return "", lastErr
}

func (s *generationService) findVideoCandidates(ctx context.Context, log *logger.Logger, content []types.LessonNode) ([]string, []types.VideoCandidate, string) {
	keywords, err := s.content.ExtractKeywords(ctx, content)
	if err != nil {
		log.Warn("keyword extraction failed, using local fallback", "error", err)
		keywords = FallbackKeywords(content, 5)
	}
	if len(keywords) == 0 {
		return keywords, []types.VideoCandidate{}, "No keywords available for video search"
	}

	candidates, err := s.videos.Search(ctx, keywords, 5)
	if err != nil {
		log.Warn("video search failed, continuing without candidates", "error", err)
		return keywords, []types.VideoCandidate{}, "Video search unavailable, no candidates found"
	}
	return keywords, candidates, ""
}

func (s *generationService) state(id uuid.UUID) (*sessionState, error) {
	s.mu.RLock()
	st, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return st, nil
}

func snapshot(st *sessionState) *types.GenerationSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	copied := *st.session
	return &copied
}

func (s *generationService) authorized(id, ownerID uuid.UUID) (*sessionState, error) {
	st, err := s.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	owner := st.session.OwnerID
	st.mu.Unlock()
	if owner != ownerID {
		return nil, ErrForbidden
	}
	return st, nil
}

func (s *generationService) Get(id, ownerID uuid.UUID) (*types.GenerationSession, error) {
	st, err := s.authorized(id, ownerID)
	if err != nil {
		return nil, err
	}
	return snapshot(st), nil
}

func (s *generationService) Result(id, ownerID uuid.UUID) (*types.GenerationSession, error) {
	st, err := s.authorized(id, ownerID)
	if err != nil {
		return nil, err
	}
	snap := snapshot(st)
	if snap.Stage != types.StageReadyForReview && snap.Stage != types.StageFinalized {
		return nil, ErrNotReady
	}
	return snap, nil
}

// Cancel stops a running session. Terminal sessions are a no-op returning
// the terminal snapshot.
func (s *generationService) Cancel(id, ownerID uuid.UUID) (*types.GenerationSession, error) {
	st, err := s.authorized(id, ownerID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	terminal := st.session.Stage.Terminal()
	st.mu.Unlock()
	if terminal {
		return snapshot(st), nil
	}

	st.cancel()
	s.emit(st, types.StageCancelled, 0, "Generation cancelled")
	return snapshot(st), nil
}

// Finalize assembles the reviewed draft plus the instructor's video
// selection into the persisted lesson document.
func (s *generationService) Finalize(ctx context.Context, id, ownerID uuid.UUID, selectedVideoIDs []string) (*types.Lesson, error) {
	st, err := s.authorized(id, ownerID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.session.Stage != types.StageReadyForReview {
		st.mu.Unlock()
		return nil, ErrNotReady
	}
	draft := st.session.Draft
	title := st.session.Title
	courseID := st.session.CourseID
	st.mu.Unlock()

	byID := make(map[string]types.VideoCandidate, len(draft.VideoCandidates))
	for _, c := range draft.VideoCandidates {
		byID[c.VideoID] = c
	}
	selected := make([]types.VideoCandidate, 0, len(selectedVideoIDs))
	for _, vid := range selectedVideoIDs {
		c, ok := byID[vid]
		if !ok {
			return nil, types.NewValidationError("video %s is not a candidate for this session", vid)
		}
		selected = append(selected, c)
	}

	doc := AssembleDocument(&draft, selected)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal lesson document: %w", err)
	}

	lesson := &types.Lesson{
		ID:        uuid.New(),
		CourseID:  courseID,
		OwnerID:   ownerID,
		Title:     title,
		Content:   datatypes.JSON(raw),
		Narration: draft.Narration,
		AudioRef:  draft.AudioRef,
		Published: true,
	}
	if err := s.lessonRepo.Create(ctx, lesson); err != nil {
		return nil, fmt.Errorf("persist lesson: %w", err)
	}

	s.emit(st, types.StageFinalized, types.ProgressReady, "Lesson finalized")
	return lesson, nil
}

// StartJanitor purges terminal sessions past the retention window.
func (s *generationService) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.purgeExpired()
			}
		}
	}()
}

func (s *generationService) purgeExpired() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	var expired []uuid.UUID
	for id, st := range s.sessions {
		st.mu.Lock()
		done := !st.terminalAt.IsZero() && st.terminalAt.Before(cutoff)
		st.mu.Unlock()
		if done {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.hub.Forget(id.String())
		s.log.Debug("purged terminal session", "sessionID", id)
	}
}
