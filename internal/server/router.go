package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/nous-backend/internal/handlers"
	"github.com/yungbote/nous-backend/internal/middleware"
)

type RouterConfig struct {
	AuthMiddleware    *middleware.AuthMiddleware
	GenerationHandler *handlers.GenerationHandler
	ChatHandler       *handlers.ChatHandler
	VideoHandler      *handlers.VideoHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// Public
	router.GET("/healthcheck", handlers.HealthCheck)

	// Protected
	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())

	// Generation
	api.POST("/generation", cfg.GenerationHandler.Start)
	api.GET("/generation/:id/progress", cfg.GenerationHandler.Progress)
	api.GET("/generation/:id", cfg.GenerationHandler.Get)
	api.GET("/generation/:id/result", cfg.GenerationHandler.Result)
	api.POST("/generation/:id/finalize", cfg.GenerationHandler.Finalize)
	api.POST("/generation/:id/cancel", cfg.GenerationHandler.Cancel)

	// Chat
	api.POST("/chat/:lessonId/messages", cfg.ChatHandler.SendMessage)
	api.GET("/chat/context/:lessonId", cfg.ChatHandler.LessonContext)
	api.GET("/chat/health", cfg.ChatHandler.Health)

	// Videos
	api.POST("/videos/search", cfg.VideoHandler.Search)
	api.POST("/videos/lookup", cfg.VideoHandler.Lookup)

	return router
}
