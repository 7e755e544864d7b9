// Package server is the bundled development backend: it exposes the
// identity, document-store, and blob contracts over HTTP and a websocket
// watch stream, so the sync layer can run end to end without a hosted
// backend.
package server

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chatter/blob"
	"chatter/config"
	"chatter/store"
)

type Server struct {
	cfg   *config.Config
	store store.Store
	blobs *blob.Local
	log   zerolog.Logger
}

func New(cfg *config.Config, st store.Store, blobs *blob.Local, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, store: st, blobs: blobs, log: log}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	auth := r.Group("/api/auth")
	{
		auth.POST("/register", s.register)
		auth.POST("/login", s.login)
	}

	records := r.Group("/api/store")
	records.Use(authMiddleware(s.cfg.JWTSecret))
	{
		records.POST("/:collection", s.createRecord)
		records.GET("/:collection/:id", s.getRecord)
		records.PATCH("/:collection/:id", s.updateRecord)
		records.POST("/:collection/:id/increment", s.incrementField)
		records.DELETE("/:collection/:id", s.deleteRecord)
	}

	files := r.Group("/api/files")
	files.Use(authMiddleware(s.cfg.JWTSecret))
	{
		files.POST("/upload", s.uploadFile)
	}
	r.GET("/files/:filename", s.serveFile)

	r.GET("/ws", s.handleWebSocket)

	return r
}

func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ServerAddr).Msg("server starting")
	return s.Router().Run(s.cfg.ServerAddr)
}
