// Package server exposes mesh generation over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/chaos-io/img2mesh/config"
	"github.com/chaos-io/img2mesh/generate"
	"github.com/chaos-io/img2mesh/util"
)

const uploadDir = "uploads"

// Generator is the single-run entry point the server drives.
type Generator interface {
	Run(ctx context.Context, req generate.Request) (*generate.Result, error)
}

type Server struct {
	cfg     config.ServerConfig
	dataDir string
	gen     Generator
	logger  *zap.Logger

	// one pipeline, one inference at a time
	busy sync.Mutex

	registry *prometheus.Registry
	metrics  *metrics
	cron     *cron.Cron
	router   *gin.Engine
}

func New(cfg config.ServerConfig, dataDir string, gen Generator, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := util.EnsureDir(filepath.Join(dataDir, uploadDir)); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		dataDir:  dataDir,
		gen:      gen,
		logger:   logger.With(zap.String("component", "server")),
		registry: reg,
		metrics:  newMetrics(reg),
		cron:     cron.New(),
	}

	if cfg.PruneSchedule != "" && cfg.Retention > 0 {
		if _, err := s.cron.AddFunc(cfg.PruneSchedule, func() { s.Prune(time.Now()) }); err != nil {
			return nil, err
		}
	}

	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.cfg.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = s.cfg.MaxUploadBytes
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/meshes", s.createMesh)
	v1.GET("/meshes/:id", s.getMesh)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}

	s.cron.Start()
	defer s.cron.Stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type createResp struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	BackgroundRemoved bool   `json:"background_removed"`
	Candidates        int    `json:"candidates"`
	Vertices          int    `json:"vertices"`
	Faces             int    `json:"faces"`
	ElapsedMs         int64  `json:"elapsed_ms"`
}

func (s *Server) createMesh(c *gin.Context) {
	// 先占位再读上传内容，忙时不缓冲请求体
	if !s.busy.TryLock() {
		c.Header("Connection", "close")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "a generation is already running"})
		return
	}
	defer s.busy.Unlock()

	if s.cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	}
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image: " + err.Error()})
		return
	}

	id := ksuid.New().String()
	imagePath := filepath.Join(s.dataDir, uploadDir, id+filepath.Ext(file.Filename))
	if err := c.SaveUploadedFile(file, imagePath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer func() {
		_ = os.Remove(imagePath)
	}()

	name := c.PostForm("name")
	if name == "" {
		name = "default"
	}
	req := generate.Request{ImagePath: imagePath, ObjectName: name, OutputDir: filepath.Join(s.dataDir, id)}

	res, err := s.gen.Run(c.Request.Context(), req)
	if err != nil {
		s.fail(c, id, err)
		return
	}

	s.metrics.generations.WithLabelValues("ok").Inc()
	s.metrics.duration.Observe(res.Elapsed.Seconds())
	c.JSON(http.StatusCreated, createResp{
		ID:                id,
		Name:              filepath.Base(res.MeshPath),
		BackgroundRemoved: res.BackgroundRemoved,
		Candidates:        res.Candidates,
		Vertices:          res.Vertices,
		Faces:             res.Faces,
		ElapsedMs:         res.Elapsed.Milliseconds(),
	})
}

func (s *Server) fail(c *gin.Context, id string, err error) {
	_ = os.RemoveAll(filepath.Join(s.dataDir, id))

	status, result := http.StatusInternalServerError, "error"
	var se *generate.StageError
	if errors.As(err, &se) {
		result = string(se.Stage)
		if se.Stage == generate.StageDecode {
			status = http.StatusUnprocessableEntity
		}
	}
	s.metrics.generations.WithLabelValues(result).Inc()
	s.logger.Error("generation failed", zap.String("id", id), zap.Error(err))
	c.JSON(status, gin.H{"id": id, "error": err.Error()})
}

func (s *Server) getMesh(c *gin.Context) {
	id, err := ksuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	matches, _ := filepath.Glob(filepath.Join(s.dataDir, id.String(), "*.obj"))
	if len(matches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "mesh not found"})
		return
	}
	c.FileAttachment(matches[0], filepath.Base(matches[0]))
}

// Prune removes job directories whose ksuid timestamp is older than the retention.
func (s *Server) Prune(now time.Time) int {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		s.logger.Warn("prune: read data dir", zap.Error(err))
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := ksuid.Parse(e.Name())
		if err != nil || now.Sub(id.Time()) < s.cfg.Retention {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dataDir, e.Name())); err != nil {
			s.logger.Warn("prune: remove job", zap.String("id", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}

	s.metrics.pruned.Add(float64(removed))
	if removed > 0 {
		s.logger.Info("pruned jobs", zap.Int("count", removed))
	}
	return removed
}
