// Package server exposes the HTTP API and the realtime WebSocket endpoint.
package server

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jhopark/pdf-reducer/config"
	"github.com/jhopark/pdf-reducer/hub"
	"github.com/jhopark/pdf-reducer/models"
	"github.com/jhopark/pdf-reducer/queue"
)

// Server wires the job store, processor and hub to HTTP handlers.
type Server struct {
	cfg       *config.Config
	store     *queue.Store
	processor *queue.Processor
	hub       *hub.Hub
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	uploadDir string
	outputDir string
}

// New creates the server and its upload/output directories.
func New(cfg *config.Config, store *queue.Store, processor *queue.Processor, h *hub.Hub, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	uploadDir := filepath.Join(cfg.DataDir, "uploads")
	outputDir := filepath.Join(cfg.DataDir, "output")
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	return &Server{
		cfg:       cfg,
		store:     store,
		processor: processor,
		hub:       h,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		uploadDir: uploadDir,
		outputDir: outputDir,
	}, nil
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	if s.cfg.CORSAllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(s.cfg.CORSAllowedOrigins, ",")
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)

	api := router.Group("/api")
	{
		api.POST("/upload", s.handleUpload)
		api.POST("/process", s.handleProcess)
		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/:id", s.handleGetJob)
		api.DELETE("/jobs/:id", s.handleDeleteJob)
		api.POST("/jobs/clear-completed", s.handleClearCompleted)
		api.GET("/download/:id", s.handleDownload)
		api.GET("/download-all", s.handleDownloadAll)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pdf-reducer",
	})
}

func (s *Server) handleProcess(c *gin.Context) {
	queued := s.store.PendingCount()
	s.processor.Trigger()
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.store.List()
	// Newest first for display.
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.store.Get(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Job not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	job, err := s.store.Delete(c.Param("id"))
	switch err {
	case nil:
	case queue.ErrConflict:
		respondError(c, http.StatusConflict, "JOB_PROCESSING", "Job is currently processing; retry once it finishes")
		return
	default:
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Job not found")
		return
	}

	s.releaseFiles(job)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleClearCompleted(c *gin.Context) {
	removed := s.store.ClearTerminal()
	for _, job := range removed {
		s.releaseFiles(job)
	}
	c.JSON(http.StatusOK, gin.H{"cleared": len(removed)})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := hub.NewClient(s.hub, conn)
	client.Start()
}

// releaseFiles removes a deleted job's stored bytes. Best effort: a missing
// file is not an error once the record is gone.
func (s *Server) releaseFiles(job *models.Job) {
	for _, path := range []string{job.InputPath, job.OutputPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove job file", zap.String("path", path), zap.Error(err))
		}
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}
