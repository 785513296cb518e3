package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiktoken-go/tokenizer"

	redisclient "github.com/yungbote/nous-backend/internal/clients/redis"
	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/repos"
	"github.com/yungbote/nous-backend/internal/types"
	"github.com/yungbote/nous-backend/internal/utils"
)

// perMessageOverhead approximates the chat-format framing tokens the
// runtime adds around each message.
const perMessageOverhead = 4

const contextLabel = "\n\nLesson content:\n"

// ChatContextService assembles the bounded prompt for one chat turn: mode
// system prompt, the most relevant lesson passages within the token budget,
// recent conversation turns, then the user message. The assembled prompt
// never exceeds the configured context window.
type ChatContextService interface {
	BuildPrompt(ctx context.Context, lessonID uuid.UUID, mode types.ChatMode, userMsg string, history []types.ChatTurn) ([]types.ChatMessage, error)
	LessonOverview(ctx context.Context, lessonID uuid.UUID) (keywords []string, summary string, err error)
	CountTokens(text string) int
}

type chatContextService struct {
	log     *logger.Logger
	lessons repos.LessonRepo
	cache   redisclient.ContextCache
	prompts *PromptConfig
	codec   tokenizer.Codec

	windowTokens int
	recentTurns  int
	cacheTTL     time.Duration
}

func NewChatContextService(
	log *logger.Logger,
	lessons repos.LessonRepo,
	cache redisclient.ContextCache,
	prompts *PromptConfig,
) (ChatContextService, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	windowTokens := utils.GetEnvAsInt("CHAT_CONTEXT_WINDOW_TOKENS", 4096, log)
	recentTurns := utils.GetEnvAsInt("CHAT_RECENT_TURNS", 6, log)
	cacheTTLMin := utils.GetEnvAsInt("CHAT_CONTEXT_CACHE_TTL_MINUTES", 10, log)

	return &chatContextService{
		log:          log.With("service", "ChatContextService"),
		lessons:      lessons,
		cache:        cache,
		prompts:      prompts,
		codec:        codec,
		windowTokens: windowTokens,
		recentTurns:  recentTurns,
		cacheTTL:     time.Duration(cacheTTLMin) * time.Minute,
	}, nil
}

func (s *chatContextService) CountTokens(text string) int {
	n, err := s.codec.Count(text)
	if err != nil {
		// Rough upper bound keeps the budget guarantee intact.
		return len(text) / 2
	}
	return n
}

// lessonText returns the lesson's extracted plain text, cached per lesson
// version so finalized edits invalidate naturally.
func (s *chatContextService) lessonText(ctx context.Context, lessonID uuid.UUID) (string, error) {
	lesson, err := s.lessons.GetByID(ctx, lessonID)
	if err != nil {
		return "", fmt.Errorf("load lesson: %w", err)
	}

	key := fmt.Sprintf("chat:ctx:%s:%d", lessonID, lesson.UpdatedAt.Unix())
	if text, ok := s.cache.Get(ctx, key); ok {
		return text, nil
	}

	var nodes []types.LessonNode
	if err := json.Unmarshal(lesson.Content, &nodes); err != nil {
		return "", fmt.Errorf("parse lesson content: %w", err)
	}
	text := types.PlainText(nodes)
	s.cache.Set(ctx, key, text, s.cacheTTL)
	return text, nil
}

func splitPassages(text string) []string {
	parts := strings.Split(text, "\n\n")
	passages := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			passages = append(passages, p)
		}
	}
	return passages
}

type scoredPassage struct {
	index int
	text  string
	score float64
}

// rankPassages scores each passage by lexical overlap with the query:
// shared distinct non-stopword terms, dampened by passage length so short
// on-topic passages beat long rambling ones. Document order breaks ties.
func rankPassages(passages []string, query string) []scoredPassage {
	queryTerms := make(map[string]bool)
	for _, t := range contentTerms(query) {
		queryTerms[t] = true
	}

	scored := make([]scoredPassage, 0, len(passages))
	for i, p := range passages {
		terms := contentTerms(p)
		seen := make(map[string]bool, len(terms))
		overlap := 0
		for _, t := range terms {
			if queryTerms[t] && !seen[t] {
				overlap++
				seen[t] = true
			}
		}
		score := 0.0
		if overlap > 0 {
			score = float64(overlap) / math.Sqrt(float64(len(terms)+1))
		}
		scored = append(scored, scoredPassage{index: i, text: p, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].index < scored[j].index
	})
	return scored
}

// truncateToTokens cuts text on a sentence boundary so it fits the budget.
func (s *chatContextService) truncateToTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if s.CountTokens(text) <= budget {
		return text
	}

	sentences := strings.SplitAfter(text, ". ")
	var b strings.Builder
	used := 0
	for _, sentence := range sentences {
		n := s.CountTokens(sentence)
		if used+n > budget {
			break
		}
		b.WriteString(sentence)
		used += n
	}
	return strings.TrimSpace(b.String())
}

// selectContext fills the lesson-context budget greedily from the ranked
// passages, re-ordered back to document order for coherence.
func (s *chatContextService) selectContext(passages []scoredPassage, budget int) string {
	type picked struct {
		index int
		text  string
	}
	var chosen []picked
	used := 0

	for _, p := range passages {
		// +2 covers the joining blank line.
		n := s.CountTokens(p.text) + 2
		if used+n > budget {
			continue
		}
		chosen = append(chosen, picked{index: p.index, text: p.text})
		used += n
	}

	if len(chosen) == 0 && len(passages) > 0 {
		// Even the best passage overflows; take a sentence-bounded cut.
		return s.truncateToTokens(passages[0].text, budget)
	}

	sort.Slice(chosen, func(i, j int) bool { return chosen[i].index < chosen[j].index })
	parts := make([]string, len(chosen))
	for i, c := range chosen {
		parts[i] = c.text
	}
	return strings.Join(parts, "\n\n")
}

func (s *chatContextService) BuildPrompt(ctx context.Context, lessonID uuid.UUID, mode types.ChatMode, userMsg string, history []types.ChatTurn) ([]types.ChatMessage, error) {
	if strings.TrimSpace(userMsg) == "" {
		return nil, types.NewValidationError("message is empty")
	}

	text, err := s.lessonText(ctx, lessonID)
	if err != nil {
		return nil, err
	}

	modePrompt := s.prompts.ModePrompt(mode)

	// The mode prompt and the user message are never truncated, so a
	// message that cannot fit alongside them is rejected outright.
	fixed := s.CountTokens(modePrompt) + s.CountTokens(contextLabel) +
		s.CountTokens(userMsg) + 2*perMessageOverhead
	if fixed > s.windowTokens {
		return nil, types.NewValidationError("message is too long for the context window")
	}

	// Recent turns, oldest dropped first when the window is tight.
	recent := history
	if len(recent) > s.recentTurns {
		recent = recent[len(recent)-s.recentTurns:]
	}
	turnCost := func(turns []types.ChatTurn) int {
		total := 0
		for _, t := range turns {
			total += s.CountTokens(t.Text) + perMessageOverhead
		}
		return total
	}

	// Reserve at least a quarter of the window for lesson context before
	// history starts eating it.
	minContext := s.windowTokens / 4
	for len(recent) > 0 && s.windowTokens-fixed-turnCost(recent) < minContext {
		recent = recent[1:]
	}

	contextBudget := s.windowTokens - fixed - turnCost(recent)
	if contextBudget < 0 {
		contextBudget = 0
	}

	contextBlock := s.selectContext(rankPassages(splitPassages(text), userMsg), contextBudget)

	system := modePrompt
	if contextBlock != "" {
		system += contextLabel + contextBlock
	}

	messages := make([]types.ChatMessage, 0, len(recent)+2)
	messages = append(messages, types.ChatMessage{Role: "system", Content: system})
	for _, t := range recent {
		messages = append(messages, types.ChatMessage{Role: t.Role, Content: t.Text})
	}
	messages = append(messages, types.ChatMessage{Role: "user", Content: userMsg})
	return messages, nil
}

func (s *chatContextService) LessonOverview(ctx context.Context, lessonID uuid.UUID) ([]string, string, error) {
	lesson, err := s.lessons.GetByID(ctx, lessonID)
	if err != nil {
		return nil, "", fmt.Errorf("load lesson: %w", err)
	}
	var nodes []types.LessonNode
	if err := json.Unmarshal(lesson.Content, &nodes); err != nil {
		return nil, "", fmt.Errorf("parse lesson content: %w", err)
	}

	keywords := FallbackKeywords(nodes, 5)
	summary := ""
	if passages := splitPassages(types.PlainText(nodes)); len(passages) > 0 {
		summary = s.truncateToTokens(passages[0], 120)
	}
	return keywords, summary, nil
}
