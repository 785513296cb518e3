package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
	"github.com/yungbote/nous-backend/internal/utils"
)

// ContentClient talks to the generative content model: lesson structure,
// narration script and search keywords.
type ContentClient interface {
	GenerateLessonContent(ctx context.Context, documentText, customInstructions string) ([]types.LessonNode, error)
	GenerateNarration(ctx context.Context, content []types.LessonNode) (string, error)
	ExtractKeywords(ctx context.Context, content []types.LessonNode) ([]string, error)
}

type contentClient struct {
	log     *logger.Logger
	api     *httpAPI
	model   string
	apiKey  string
	prompts *PromptConfig
}

func NewContentClient(log *logger.Logger, prompts *PromptConfig) (ContentClient, error) {
	serviceLog := log.With("service", "ContentClient")

	apiKey := utils.GetEnv("CONTENT_API_KEY", "", log)
	if apiKey == "" {
		return nil, fmt.Errorf("missing CONTENT_API_KEY")
	}
	baseURL := utils.GetEnv("CONTENT_BASE_URL", "https://generativelanguage.googleapis.com", log)
	model := utils.GetEnv("CONTENT_MODEL", "gemini-2.0-flash", log)

	// Generation over a full document is slow; the timeout covers one
	// attempt, retries are on top.
	timeoutSec := utils.GetEnvAsInt("CONTENT_TIMEOUT_SECONDS", 180, log)
	maxRetries := utils.GetEnvAsInt("CONTENT_MAX_RETRIES", 3, log)

	return &contentClient{
		log: serviceLog,
		api: &httpAPI{
			log:        serviceLog,
			service:    "content",
			baseURL:    baseURL,
			httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
			maxRetries: maxRetries,
		},
		model:   model,
		apiKey:  apiKey,
		prompts: prompts,
	}, nil
}

type contentPart struct {
	Text string `json:"text"`
}

type contentTurn struct {
	Parts []contentPart `json:"parts"`
}

type generateContentRequest struct {
	Contents []contentTurn `json:"contents"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content contentTurn `json:"content"`
	} `json:"candidates"`
}

func (c *contentClient) generate(ctx context.Context, prompt string) (string, error) {
	req := generateContentRequest{
		Contents: []contentTurn{{Parts: []contentPart{{Text: prompt}}}},
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent?key=%s", c.model, c.apiKey)

	var resp generateContentResponse
	if err := c.api.do(ctx, "POST", path, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", types.NewServiceError("content", types.ErrKindInvalidResponse,
			fmt.Errorf("empty candidate list"))
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		out.WriteString(part.Text)
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", types.NewServiceError("content", types.ErrKindInvalidResponse,
			fmt.Errorf("empty model output"))
	}
	return text, nil
}

// stripCodeFences removes a surrounding markdown code fence the model often
// wraps JSON output in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var knownNodeTypes = map[string]bool{
	types.NodeHeading:   true,
	types.NodeParagraph: true,
	types.NodeList:      true,
	types.NodeListItem:  true,
	types.NodeText:      true,
	types.NodeMedia:     true,
}

func validateNodeTree(nodes []types.LessonNode) error {
	if len(nodes) == 0 {
		return fmt.Errorf("empty node tree")
	}
	var walk func(n types.LessonNode) error
	walk = func(n types.LessonNode) error {
		if !knownNodeTypes[n.Type] {
			return fmt.Errorf("unknown node type %q", n.Type)
		}
		for _, child := range n.Children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range nodes {
		if err := walk(n); err != nil {
			return err
		}
	}
	return nil
}

func (c *contentClient) GenerateLessonContent(ctx context.Context, documentText, customInstructions string) ([]types.LessonNode, error) {
	prompt := c.prompts.LessonFoundation
	if customInstructions != "" {
		prompt += "\n\nAdditional instructions from the lesson author:\n" + customInstructions
	}
	prompt += "\n\nDocument:\n" + documentText

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var nodes []types.LessonNode
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &nodes); err != nil {
		return nil, types.NewServiceError("content", types.ErrKindInvalidResponse,
			fmt.Errorf("parse lesson nodes: %w", err))
	}
	if err := validateNodeTree(nodes); err != nil {
		return nil, types.NewServiceError("content", types.ErrKindInvalidResponse, err)
	}
	return nodes, nil
}

func (c *contentClient) GenerateNarration(ctx context.Context, content []types.LessonNode) (string, error) {
	prompt := c.prompts.Narration + "\n\nLesson:\n" + types.PlainText(content)

	narration, err := c.generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	// The narration is fed straight to speech synthesis; markdown emphasis
	// markers would be read aloud.
	narration = strings.ReplaceAll(narration, "*", "")
	if strings.TrimSpace(narration) == "" {
		return "", types.NewServiceError("content", types.ErrKindInvalidResponse,
			fmt.Errorf("empty narration"))
	}
	return narration, nil
}

func (c *contentClient) ExtractKeywords(ctx context.Context, content []types.LessonNode) ([]string, error) {
	prompt := c.prompts.Keywords + "\n\nLesson:\n" + types.PlainText(content)

	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var keywords []string
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &keywords); err != nil {
		return nil, types.NewServiceError("content", types.ErrKindInvalidResponse,
			fmt.Errorf("parse keywords: %w", err))
	}
	cleaned := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		return nil, types.NewServiceError("content", types.ErrKindInvalidResponse,
			fmt.Errorf("no keywords in output"))
	}
	if len(cleaned) > 5 {
		cleaned = cleaned[:5]
	}
	return cleaned, nil
}
