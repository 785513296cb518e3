package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	redisclient "github.com/yungbote/nous-backend/internal/clients/redis"
	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
)

func lessonWithContent(t *testing.T, repo *fakeLessonRepo, nodes []types.LessonNode) uuid.UUID {
	t.Helper()
	raw, err := json.Marshal(nodes)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	lesson := &types.Lesson{
		ID:        uuid.New(),
		CourseID:  uuid.New(),
		OwnerID:   uuid.New(),
		Title:     "Grammar Basics",
		Content:   datatypes.JSON(raw),
		Narration: "narration",
		AudioRef:  "audio/narration.mp3",
		Published: true,
	}
	if err := repo.Create(context.Background(), lesson); err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	return lesson.ID
}

func paragraph(text string) types.LessonNode {
	return types.LessonNode{Type: types.NodeParagraph, Children: []types.LessonNode{
		{Type: types.NodeText, Text: text},
	}}
}

func newContextFixture(t *testing.T) (ChatContextService, *fakeLessonRepo) {
	t.Helper()
	repo := newFakeLessonRepo()
	prompts, err := LoadPromptConfig(logger.NewNop())
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	svc, err := NewChatContextService(logger.NewNop(), repo, redisclient.NewMemoryCache(), prompts)
	if err != nil {
		t.Fatalf("new context service: %v", err)
	}
	return svc, repo
}

func promptTokens(svc ChatContextService, messages []types.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += svc.CountTokens(m.Content) + perMessageOverhead
	}
	return total
}

func TestBuildPromptRespectsTokenBudget(t *testing.T) {
	t.Setenv("CHAT_CONTEXT_WINDOW_TOKENS", "512")

	svc, repo := newContextFixture(t)

	// A lesson far larger than the window.
	nodes := []types.LessonNode{
		{Type: types.NodeHeading, Tag: "h1", Children: []types.LessonNode{
			{Type: types.NodeText, Text: "Enormous Lesson"},
		}},
	}
	for i := 0; i < 80; i++ {
		nodes = append(nodes, paragraph(strings.Repeat("grammar clauses sentences punctuation syntax morphology ", 20)))
	}
	lessonID := lessonWithContent(t, repo, nodes)

	// History far larger than the window too.
	var history []types.ChatTurn
	for i := 0; i < 20; i++ {
		history = append(history, types.ChatTurn{
			Role:      "user",
			Text:      strings.Repeat("a long question about many unrelated things ", 40),
			Timestamp: time.Now(),
		})
	}

	messages, err := svc.BuildPrompt(context.Background(), lessonID, types.ModeGeneral,
		"What is a clause?", history)
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}

	if got := promptTokens(svc, messages); got > 512 {
		t.Fatalf("assembled prompt uses %d tokens, budget 512", got)
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || last.Content != "What is a clause?" {
		t.Fatalf("user message altered: %+v", last)
	}
}

func TestBuildPromptRejectsOversizedMessage(t *testing.T) {
	t.Setenv("CHAT_CONTEXT_WINDOW_TOKENS", "256")

	svc, repo := newContextFixture(t)
	lessonID := lessonWithContent(t, repo, []types.LessonNode{
		paragraph("A short lesson about clauses."),
	})

	// A message that alone exceeds the whole window cannot be served
	// without truncating it, so it is rejected.
	huge := strings.Repeat("please explain every clause in exhaustive detail ", 200)
	messages, err := svc.BuildPrompt(context.Background(), lessonID, types.ModeGeneral, huge, nil)
	if err == nil {
		if got := promptTokens(svc, messages); got > 256 {
			t.Fatalf("oversized message accepted, prompt uses %d tokens over a 256 budget", got)
		}
		t.Fatal("oversized message accepted")
	}
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error %v, want a validation error", err)
	}
}

func TestBuildPromptSelectsRelevantPassage(t *testing.T) {
	t.Setenv("CHAT_CONTEXT_WINDOW_TOKENS", "512")

	svc, repo := newContextFixture(t)

	nodes := []types.LessonNode{
		paragraph("Photosynthesis converts light energy into chemical energy in plants."),
		paragraph("A dependent clause cannot stand alone and needs an independent clause."),
		paragraph("The French Revolution began in 1789 and reshaped Europe."),
	}
	// Pad so not everything fits in the context budget.
	for i := 0; i < 40; i++ {
		nodes = append(nodes, paragraph(strings.Repeat("unrelated filler text about miscellaneous topics ", 15)))
	}
	lessonID := lessonWithContent(t, repo, nodes)

	messages, err := svc.BuildPrompt(context.Background(), lessonID, types.ModeGeneral,
		"What is a dependent clause?", nil)
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}

	system := messages[0]
	if system.Role != "system" {
		t.Fatalf("first message role %q, want system", system.Role)
	}
	if !strings.Contains(system.Content, "dependent clause cannot stand alone") {
		t.Fatal("system prompt does not include the on-topic passage")
	}
}

func TestBuildPromptDropsOldestTurnsFirst(t *testing.T) {
	t.Setenv("CHAT_CONTEXT_WINDOW_TOKENS", "512")
	t.Setenv("CHAT_RECENT_TURNS", "4")

	svc, repo := newContextFixture(t)
	lessonID := lessonWithContent(t, repo, []types.LessonNode{
		paragraph("A short lesson about clauses."),
	})

	history := []types.ChatTurn{
		{Role: "user", Text: "oldest question"},
		{Role: "assistant", Text: "oldest answer"},
		{Role: "user", Text: "newest question"},
		{Role: "assistant", Text: "newest answer"},
		{Role: "user", Text: "latest question"},
		{Role: "assistant", Text: "latest answer"},
	}

	messages, err := svc.BuildPrompt(context.Background(), lessonID, types.ModeGeneral, "next", history)
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}

	joined := ""
	for _, m := range messages[1 : len(messages)-1] {
		joined += m.Content + "\n"
	}
	if strings.Contains(joined, "oldest question") {
		t.Fatal("oldest turn survived the recent-turn cap")
	}
	if !strings.Contains(joined, "latest answer") {
		t.Fatal("most recent turn was dropped")
	}
}

func TestBuildPromptUsesModePrompt(t *testing.T) {
	svc, repo := newContextFixture(t)
	lessonID := lessonWithContent(t, repo, []types.LessonNode{
		paragraph("A short lesson about clauses."),
	})

	messages, err := svc.BuildPrompt(context.Background(), lessonID, types.ModeQuiz, "quiz me", nil)
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	if !strings.Contains(messages[0].Content, "quiz") {
		t.Fatalf("quiz mode prompt missing from system message: %q", messages[0].Content)
	}
}

func TestLessonOverview(t *testing.T) {
	svc, repo := newContextFixture(t)
	lessonID := lessonWithContent(t, repo, []types.LessonNode{
		paragraph("Dependent clauses depend on independent clauses for meaning. " +
			"Clauses combine into sentences through coordination and subordination."),
	})

	keywords, summary, err := svc.LessonOverview(context.Background(), lessonID)
	if err != nil {
		t.Fatalf("LessonOverview: %v", err)
	}
	if len(keywords) == 0 {
		t.Fatal("no keywords derived")
	}
	if summary == "" {
		t.Fatal("no summary derived")
	}
}
