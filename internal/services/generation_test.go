package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/sse"
	"github.com/yungbote/nous-backend/internal/types"
)

var testContent = []types.LessonNode{
	{Type: types.NodeHeading, Tag: "h1", Children: []types.LessonNode{
		{Type: types.NodeText, Text: "Dependent Clauses"},
	}},
	{Type: types.NodeParagraph, Children: []types.LessonNode{
		{Type: types.NodeText, Text: "A dependent clause cannot stand alone as a sentence."},
	}},
}

type fakeContentClient struct {
	content      []types.LessonNode
	narration    string
	keywords     []string
	contentErr   error
	narrationErr error
	keywordsErr  error
	// when set, GenerateLessonContent blocks until the context ends
	blockContent bool
}

func (f *fakeContentClient) GenerateLessonContent(ctx context.Context, _, _ string) ([]types.LessonNode, error) {
	if f.blockContent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.contentErr != nil {
		return nil, f.contentErr
	}
	return f.content, nil
}

func (f *fakeContentClient) GenerateNarration(_ context.Context, _ []types.LessonNode) (string, error) {
	if f.narrationErr != nil {
		return "", f.narrationErr
	}
	return f.narration, nil
}

func (f *fakeContentClient) ExtractKeywords(_ context.Context, _ []types.LessonNode) ([]string, error) {
	if f.keywordsErr != nil {
		return nil, f.keywordsErr
	}
	return f.keywords, nil
}

type fakeTTSClient struct {
	mu       sync.Mutex
	attempts int
	ref      string
	err      error
}

func (f *fakeTTSClient) Synthesize(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

func (f *fakeTTSClient) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fakeVideoClient struct {
	candidates []types.VideoCandidate
	err        error
}

func (f *fakeVideoClient) Search(_ context.Context, _ []string, _ int) ([]types.VideoCandidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func (f *fakeVideoClient) Lookup(_ context.Context, _ string) (*types.VideoCandidate, error) {
	return nil, errors.New("not implemented")
}

type fakeMediaStore struct {
	docs map[string]string
}

func (f *fakeMediaStore) ReadText(_ context.Context, ref string) (string, error) {
	text, ok := f.docs[ref]
	if !ok {
		return "", errors.New("document not found")
	}
	return text, nil
}

func (f *fakeMediaStore) WriteAudio(_ context.Context, name string, _ []byte) (string, error) {
	return "audio/" + name, nil
}

type fakeLessonRepo struct {
	mu      sync.Mutex
	lessons map[uuid.UUID]*types.Lesson
}

func newFakeLessonRepo() *fakeLessonRepo {
	return &fakeLessonRepo{lessons: make(map[uuid.UUID]*types.Lesson)}
}

func (f *fakeLessonRepo) Create(_ context.Context, lesson *types.Lesson) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *lesson
	copied.UpdatedAt = time.Now().UTC()
	f.lessons[lesson.ID] = &copied
	return nil
}

func (f *fakeLessonRepo) GetByID(_ context.Context, id uuid.UUID) (*types.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lesson, ok := f.lessons[id]
	if !ok {
		return nil, errors.New("lesson not found")
	}
	copied := *lesson
	return &copied, nil
}

func (f *fakeLessonRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lessons)
}

type generationFixture struct {
	svc     GenerationService
	hub     *sse.Hub
	content *fakeContentClient
	tts     *fakeTTSClient
	videos  *fakeVideoClient
	repo    *fakeLessonRepo
	owner   uuid.UUID
}

func newGenerationFixture() *generationFixture {
	log := logger.NewNop()
	hub := sse.NewHub(log)
	content := &fakeContentClient{
		content:   testContent,
		narration: "A dependent clause cannot stand alone as a sentence.",
		keywords:  []string{"dependent clause", "grammar"},
	}
	tts := &fakeTTSClient{ref: "audio/narration.mp3"}
	videos := &fakeVideoClient{candidates: []types.VideoCandidate{
		{VideoID: "abc123", Title: "Clauses explained", URL: "https://www.youtube.com/watch?v=abc123"},
	}}
	store := &fakeMediaStore{docs: map[string]string{
		"documents/grammar.txt": "Clauses, phrases and sentences.",
	}}
	repo := newFakeLessonRepo()

	return &generationFixture{
		svc:     NewGenerationService(log, content, tts, videos, store, repo, hub),
		hub:     hub,
		content: content,
		tts:     tts,
		videos:  videos,
		repo:    repo,
		owner:   uuid.New(),
	}
}

func startReq() StartGenerationRequest {
	return StartGenerationRequest{
		Title:       "Grammar Basics",
		CourseID:    uuid.NewString(),
		DocumentRef: "documents/grammar.txt",
	}
}

func waitForStage(t *testing.T, fx *generationFixture, id uuid.UUID, want types.GenerationStage) *types.GenerationSession {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		session, err := fx.svc.Get(id, fx.owner)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if session.Stage == want {
			return session
		}
		if session.Stage.Terminal() && session.Stage != want {
			t.Fatalf("session reached terminal stage %s, want %s (error %q)", session.Stage, want, session.Err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stage %s", want)
	return nil
}

// collectEvents reads progress events from the client until a terminal or
// target stage arrives.
func collectEvents(t *testing.T, client *sse.Client, until func(types.ProgressEvent) bool) []types.ProgressEvent {
	t.Helper()
	var events []types.ProgressEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-client.Outbound:
			event, ok := msg.Data.(types.ProgressEvent)
			if !ok {
				t.Fatalf("unexpected event payload %T", msg.Data)
			}
			events = append(events, event)
			if until(event) {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out collecting events, got %d so far", len(events))
		}
	}
}

func TestGenerationHappyPath(t *testing.T) {
	fx := newGenerationFixture()

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.Stage != types.StageUploaded || session.Progress != types.ProgressUploaded {
		t.Fatalf("fresh session in stage %s progress %d", session.Stage, session.Progress)
	}

	client := fx.hub.Subscribe(session.ID.String())
	defer fx.hub.Unsubscribe(client)

	final := waitForStage(t, fx, session.ID, types.StageReadyForReview)
	if len(final.Draft.Content) == 0 {
		t.Fatal("draft has no content")
	}
	if final.Draft.Narration == "" || final.Draft.AudioRef == "" {
		t.Fatalf("draft missing narration/audio: %+v", final.Draft)
	}
	if len(final.Draft.VideoCandidates) != 1 {
		t.Fatalf("got %d video candidates, want 1", len(final.Draft.VideoCandidates))
	}
	if final.Progress != types.ProgressReady {
		t.Fatalf("final progress %d, want %d", final.Progress, types.ProgressReady)
	}
	if final.Draft.EstimatedReadMinute < 1 {
		t.Fatalf("estimated read minutes %d, want >= 1", final.Draft.EstimatedReadMinute)
	}

	events := collectEvents(t, client, func(e types.ProgressEvent) bool {
		return e.Stage == types.StageReadyForReview
	})
	last := -1
	for _, e := range events {
		if e.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", e.Progress, last)
		}
		last = e.Progress
	}
}

func TestGenerationTTSExhaustionFails(t *testing.T) {
	fx := newGenerationFixture()
	fx.tts.err = types.NewServiceError("tts", types.ErrKindUnavailable, errors.New("engine down"))

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := fx.hub.Subscribe(session.ID.String())
	defer fx.hub.Unsubscribe(client)

	deadline := time.Now().Add(15 * time.Second)
	var final *types.GenerationSession
	for time.Now().Before(deadline) {
		final, _ = fx.svc.Get(session.ID, fx.owner)
		if final.Stage.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if final == nil || final.Stage != types.StageFailed {
		t.Fatalf("session stage %v, want failed", final)
	}
	if final.Err == "" {
		t.Fatal("failed session has no error message")
	}
	if got := fx.tts.attemptCount(); got != ttsMaxAttempts {
		t.Fatalf("tts attempted %d times, want %d", got, ttsMaxAttempts)
	}

	events := collectEvents(t, client, func(e types.ProgressEvent) bool {
		return e.Stage == types.StageFailed
	})
	for _, e := range events {
		if e.Stage == types.StageAudioReady {
			t.Fatal("observed audio_ready despite synthesis failure")
		}
	}
}

func TestGenerationVideoFailureIsNonFatal(t *testing.T) {
	fx := newGenerationFixture()
	fx.videos.err = types.NewServiceError("video", types.ErrKindUnavailable, errors.New("quota"))

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForStage(t, fx, session.ID, types.StageReadyForReview)
	if len(final.Draft.VideoCandidates) != 0 {
		t.Fatalf("got %d candidates, want none", len(final.Draft.VideoCandidates))
	}
	if len(final.Draft.Warnings) == 0 {
		t.Fatal("expected a warning about video search")
	}
}

func TestGenerationKeywordFallback(t *testing.T) {
	fx := newGenerationFixture()
	fx.content.keywordsErr = types.NewServiceError("content", types.ErrKindInvalidResponse, errors.New("garbage"))

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForStage(t, fx, session.ID, types.StageReadyForReview)
	if len(final.Draft.Keywords) == 0 {
		t.Fatal("expected locally derived keywords after extraction failure")
	}
}

func TestCancelDuringAnalysis(t *testing.T) {
	fx := newGenerationFixture()
	fx.content.blockContent = true

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStage(t, fx, session.ID, types.StageAnalyzing)

	client := fx.hub.Subscribe(session.ID.String())
	defer fx.hub.Unsubscribe(client)

	cancelled, err := fx.svc.Cancel(session.ID, fx.owner)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Stage != types.StageCancelled {
		t.Fatalf("stage %s after cancel, want cancelled", cancelled.Stage)
	}

	events := collectEvents(t, client, func(e types.ProgressEvent) bool {
		return e.Stage == types.StageCancelled
	})
	for _, e := range events {
		if e.Stage == types.StageNarrationReady {
			t.Fatal("observed narration_ready after cancel")
		}
	}

	// Idempotent: a second cancel returns the terminal snapshot unchanged.
	again, err := fx.svc.Cancel(session.ID, fx.owner)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Stage != types.StageCancelled {
		t.Fatalf("second cancel moved stage to %s", again.Stage)
	}
}

func TestFinalizePersistsLesson(t *testing.T) {
	fx := newGenerationFixture()

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStage(t, fx, session.ID, types.StageReadyForReview)

	lesson, err := fx.svc.Finalize(context.Background(), session.ID, fx.owner, []string{"abc123"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if lesson.AudioRef == "" || lesson.Narration == "" {
		t.Fatalf("persisted lesson missing narration/audio: %+v", lesson)
	}
	if fx.repo.count() != 1 {
		t.Fatalf("repo holds %d lessons, want 1", fx.repo.count())
	}

	final, err := fx.svc.Get(session.ID, fx.owner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Stage != types.StageFinalized {
		t.Fatalf("stage %s after finalize, want finalized", final.Stage)
	}

	// Finalizing twice is rejected: the session already left review.
	if _, err := fx.svc.Finalize(context.Background(), session.ID, fx.owner, nil); !errors.Is(err, ErrNotReady) {
		t.Fatalf("second finalize error %v, want ErrNotReady", err)
	}
}

func TestFinalizeRejectsUnknownVideo(t *testing.T) {
	fx := newGenerationFixture()

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStage(t, fx, session.ID, types.StageReadyForReview)

	var vErr *types.ValidationError
	if _, err := fx.svc.Finalize(context.Background(), session.ID, fx.owner, []string{"nope"}); !errors.As(err, &vErr) {
		t.Fatalf("error %v, want validation error", err)
	}
}

func TestResultBeforeReady(t *testing.T) {
	fx := newGenerationFixture()
	fx.content.blockContent = true

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fx.svc.Cancel(session.ID, fx.owner)

	if _, err := fx.svc.Result(session.ID, fx.owner); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Result error %v, want ErrNotReady", err)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	fx := newGenerationFixture()

	session, err := fx.svc.Start(context.Background(), fx.owner, startReq())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stranger := uuid.New()
	if _, err := fx.svc.Get(session.ID, stranger); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Get as stranger: %v, want ErrForbidden", err)
	}
	if _, err := fx.svc.Cancel(session.ID, stranger); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Cancel as stranger: %v, want ErrForbidden", err)
	}
}

func TestStartValidation(t *testing.T) {
	fx := newGenerationFixture()

	cases := []struct {
		name string
		req  StartGenerationRequest
	}{
		{name: "missing_title", req: StartGenerationRequest{CourseID: uuid.NewString(), DocumentRef: "documents/grammar.txt"}},
		{name: "missing_document", req: StartGenerationRequest{Title: "t", CourseID: uuid.NewString()}},
		{name: "bad_course_id", req: StartGenerationRequest{Title: "t", CourseID: "nope", DocumentRef: "documents/grammar.txt"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var vErr *types.ValidationError
			if _, err := fx.svc.Start(context.Background(), fx.owner, tc.req); !errors.As(err, &vErr) {
				t.Fatalf("error %v, want validation error", err)
			}
		})
	}
}
