package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
)

func modelResponse(text string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
}

func newTestContentClient(t *testing.T, serverURL string) ContentClient {
	t.Helper()
	t.Setenv("CONTENT_API_KEY", "test-key")
	t.Setenv("CONTENT_BASE_URL", serverURL)
	t.Setenv("CONTENT_MAX_RETRIES", "2")
	t.Setenv("CONTENT_TIMEOUT_SECONDS", "5")

	prompts, err := LoadPromptConfig(logger.NewNop())
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	client, err := NewContentClient(logger.NewNop(), prompts)
	if err != nil {
		t.Fatalf("new content client: %v", err)
	}
	return client
}

func TestContentClientParsesFencedJSON(t *testing.T) {
	nodes := "```json\n[{\"type\":\"heading\",\"tag\":\"h1\",\"children\":[{\"type\":\"text\",\"text\":\"Title\"}]}]\n```"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, modelResponse(nodes))
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	got, err := client.GenerateLessonContent(context.Background(), "document text", "")
	if err != nil {
		t.Fatalf("GenerateLessonContent: %v", err)
	}
	if len(got) != 1 || got[0].Type != types.NodeHeading {
		t.Fatalf("parsed nodes %+v", got)
	}
}

func TestContentClientInvalidResponseNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, modelResponse("this is not json"))
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	_, err := client.GenerateLessonContent(context.Background(), "document text", "")

	var se *types.ServiceError
	if !errors.As(err, &se) || se.Kind != types.ErrKindInvalidResponse {
		t.Fatalf("error %v, want invalid_response ServiceError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server called %d times, want 1 (no retry on invalid response)", got)
	}
}

func TestContentClientBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	_, err := client.GenerateLessonContent(context.Background(), "document text", "")

	var se *types.ServiceError
	if !errors.As(err, &se) || se.Kind != types.ErrKindInvalidResponse {
		t.Fatalf("error %v, want invalid_response ServiceError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server called %d times, want 1", got)
	}
}

func TestContentClientRetriesServerErrors(t *testing.T) {
	nodes := `[{"type":"heading","tag":"h1","children":[{"type":"text","text":"Title"}]}]`
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, modelResponse(nodes))
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	got, err := client.GenerateLessonContent(context.Background(), "document text", "")
	if err != nil {
		t.Fatalf("GenerateLessonContent after retry: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("parsed nodes %+v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("server called %d times, want 2", calls.Load())
	}
}

func TestContentClientRateLimitClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	_, err := client.GenerateLessonContent(context.Background(), "document text", "")

	var se *types.ServiceError
	if !errors.As(err, &se) || se.Kind != types.ErrKindRateLimited {
		t.Fatalf("error %v, want rate_limited ServiceError", err)
	}
	if !se.Retryable() {
		t.Fatal("rate limited errors must be retryable")
	}
}

func TestContentClientRejectsUnknownNodeTypes(t *testing.T) {
	nodes := `[{"type":"carousel","children":[]}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, modelResponse(nodes))
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	_, err := client.GenerateLessonContent(context.Background(), "document text", "")

	var se *types.ServiceError
	if !errors.As(err, &se) || se.Kind != types.ErrKindInvalidResponse {
		t.Fatalf("error %v, want invalid_response for unknown node type", err)
	}
}

func TestContentClientKeywords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, modelResponse(`["grammar","clauses","syntax","morphology","phonology","extra"]`))
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	got, err := client.ExtractKeywords(context.Background(), testContent)
	if err != nil {
		t.Fatalf("ExtractKeywords: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d keywords, want capped at 5", len(got))
	}
}

func TestContentClientNarrationStripsAsterisks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, modelResponse("This is *very* important."))
	}))
	defer srv.Close()

	client := newTestContentClient(t, srv.URL)
	got, err := client.GenerateNarration(context.Background(), testContent)
	if err != nil {
		t.Fatalf("GenerateNarration: %v", err)
	}
	if got != "This is very important." {
		t.Fatalf("narration %q, want asterisks removed", got)
	}
}
