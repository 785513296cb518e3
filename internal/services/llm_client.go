package services

import (
	"bufio"
	"bytes"
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

// LLMClient talks to the local OpenAI-compatible chat runtime. Tokens are
// forwarded through onToken as they arrive; the full response is returned
// once the stream ends.
type LLMClient interface {
	Available(ctx context.Context) bool
	ChatStream(ctx context.Context, messages []types.ChatMessage, onToken func(string) error) (string, error)
}

type llmClient struct {
	log         *logger.Logger
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

func NewLLMClient(log *logger.Logger) LLMClient {
	serviceLog := log.With("service", "LLMClient")

	baseURL := utils.GetEnv("LLM_BASE_URL", "http://localhost:8080", log)
	model := utils.GetEnv("LLM_MODEL", "local", log)
	maxTokens := utils.GetEnvAsInt("LLM_MAX_TOKENS", 1024, log)
	timeoutSec := utils.GetEnvAsInt("LLM_TIMEOUT_SECONDS", 300, log)

	return &llmClient{
		log:         serviceLog,
		baseURL:     baseURL,
		model:       model,
		temperature: 0.7,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

func (c *llmClient) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []types.ChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens"`
	Stream      bool                `json:"stream"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *llmClient) ChatStream(ctx context.Context, messages []types.ChatMessage, onToken func(string) error) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyErr("llm", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyErr("llm", &httpAPIError{StatusCode: resp.StatusCode, Body: resp.Status})
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.log.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			if onToken != nil {
				if err := onToken(delta); err != nil {
					return full.String(), err
				}
			}
		}
		if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), classifyErr("llm", fmt.Errorf("read stream: %w", err))
	}

	return full.String(), nil
}
