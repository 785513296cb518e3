package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/types"
	"github.com/yungbote/nous-backend/internal/utils"
)

// TTSClient synthesizes a narration script into audio and stores it,
// returning a media-store ref.
type TTSClient interface {
	Synthesize(ctx context.Context, narration string) (string, error)
}

type ttsClient struct {
	log   *logger.Logger
	api   *httpAPI
	voice string
	store MediaStore
}

func NewTTSClient(log *logger.Logger, store MediaStore) (TTSClient, error) {
	serviceLog := log.With("service", "TTSClient")

	baseURL := utils.GetEnv("TTS_BASE_URL", "http://localhost:8880", log)
	voice := utils.GetEnv("TTS_VOICE", "af_sky", log)
	timeoutSec := utils.GetEnvAsInt("TTS_TIMEOUT_SECONDS", 60, log)

	return &ttsClient{
		log: serviceLog,
		api: &httpAPI{
			log:        serviceLog,
			service:    "tts",
			baseURL:    baseURL,
			httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
			// The generation stage owns the retry budget for speech
			// synthesis; one attempt per call here.
			maxRetries: 0,
		},
		voice: voice,
		store: store,
	}, nil
}

type synthesizeRequest struct {
	Input string `json:"input"`
	Voice string `json:"voice"`
}

type synthesizeResponse struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

func (c *ttsClient) Synthesize(ctx context.Context, narration string) (string, error) {
	if narration == "" {
		return "", types.NewValidationError("narration is empty")
	}

	var resp synthesizeResponse
	if err := c.api.do(ctx, "POST", "/v1/audio/speech", synthesizeRequest{
		Input: narration,
		Voice: c.voice,
	}, &resp); err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return "", types.NewServiceError("tts", types.ErrKindInvalidResponse,
			fmt.Errorf("decode audio payload: %w", err))
	}
	if len(data) == 0 {
		return "", types.NewServiceError("tts", types.ErrKindInvalidResponse,
			fmt.Errorf("empty audio payload"))
	}

	format := resp.Format
	if format == "" {
		format = "mp3"
	}
	ref, err := c.store.WriteAudio(ctx, fmt.Sprintf("%s.%s", uuid.NewString(), format), data)
	if err != nil {
		return "", fmt.Errorf("store audio: %w", err)
	}
	return ref, nil
}
