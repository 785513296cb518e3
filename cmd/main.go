package main

import (
	"context"
	"fmt"
	"os"

	redisclient "github.com/yungbote/nous-backend/internal/clients/redis"
	"github.com/yungbote/nous-backend/internal/db"
	"github.com/yungbote/nous-backend/internal/handlers"
	"github.com/yungbote/nous-backend/internal/logger"
	"github.com/yungbote/nous-backend/internal/middleware"
	"github.com/yungbote/nous-backend/internal/repos"
	"github.com/yungbote/nous-backend/internal/server"
	"github.com/yungbote/nous-backend/internal/services"
	"github.com/yungbote/nous-backend/internal/sse"
	"github.com/yungbote/nous-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	lessonRepo := repos.NewLessonRepo(thePG, log)

	// Redis context cache; in-memory fallback keeps chat working without it
	var contextCache redisclient.ContextCache
	contextCache, err = redisclient.NewRedisCache(log)
	if err != nil {
		log.Warn("Redis init failed, using in-memory context cache", "error", err)
		contextCache = redisclient.NewMemoryCache()
	}

	// SSE
	log.Info("Setting up SSE hub from main...")
	sseHub := sse.NewHub(log)

	// Services
	log.Info("Setting up services from main...")
	prompts, err := services.LoadPromptConfig(log)
	if err != nil {
		log.Error("Could not load prompt config", "error", err)
		os.Exit(1)
	}
	mediaStore, err := services.NewLocalMediaStore(log)
	if err != nil {
		log.Error("Could not init LocalMediaStore", "error", err)
		os.Exit(1)
	}
	contentClient, err := services.NewContentClient(log, prompts)
	if err != nil {
		log.Error("Could not init ContentClient", "error", err)
		os.Exit(1)
	}
	ttsClient, err := services.NewTTSClient(log, mediaStore)
	if err != nil {
		log.Error("Could not init TTSClient", "error", err)
		os.Exit(1)
	}
	videoClient, err := services.NewVideoSearchClient(log)
	if err != nil {
		log.Error("Could not init VideoSearchClient", "error", err)
		os.Exit(1)
	}
	llmClient := services.NewLLMClient(log)

	generationService := services.NewGenerationService(
		log,
		contentClient,
		ttsClient,
		videoClient,
		mediaStore,
		lessonRepo,
		sseHub,
	)
	generationService.StartJanitor(context.Background())

	chatContextService, err := services.NewChatContextService(log, lessonRepo, contextCache, prompts)
	if err != nil {
		log.Error("Could not init ChatContextService", "error", err)
		os.Exit(1)
	}
	chatService := services.NewChatService(log, llmClient, chatContextService)
	chatService.StartJanitor(context.Background())

	// Handlers
	log.Info("Setting up handlers from main...")
	generationHandler := handlers.NewGenerationHandler(generationService, sseHub)
	chatHandler := handlers.NewChatHandler(chatService, chatContextService)
	videoHandler := handlers.NewVideoHandler(videoClient)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(log)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthMiddleware:    authMiddleware,
		GenerationHandler: generationHandler,
		ChatHandler:       chatHandler,
		VideoHandler:      videoHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
