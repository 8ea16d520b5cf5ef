package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz"

	"pagevfs/internal/adapter/scheduler"
	"pagevfs/internal/image"
	"pagevfs/internal/platform/logger"
	"pagevfs/internal/platform/sqlite"
	"pagevfs/internal/shared"
	"pagevfs/internal/vfs"
	"pagevfs/pkg/retry"
)

// JobLister reports scheduler job statistics. *scheduler.Scheduler implements it.
type JobLister interface {
	Statuses() []scheduler.JobStatus
}

// Options configures the admin server.
type Options struct {
	Logger *slog.Logger
	// Retry bounds lock acquisition for image downloads and queries.
	Retry retry.Config
	// ImageRate is the minimum interval between image downloads per client IP.
	ImageRate time.Duration
	// QueryTimeout bounds a single POST /v1/query (default 30s).
	QueryTimeout time.Duration
	ACL          *ACL
	Jobs         JobLister
}

// Server serves the admin API over a VFS.
type Server struct {
	v      *vfs.VFS
	opts   Options
	log    *slog.Logger
	engine *gin.Engine
}

// New builds the router.
func New(v *vfs.VFS, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "httpapi"))
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}

	s := &Server{v: v, opts: opts, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.GET("/healthz", s.health)

	api := r.Group("/v1", opts.ACL.Middleware())
	api.GET("/stats", s.stats)
	api.GET("/image", NewRateLimiter(opts.ImageRate).Middleware(), s.downloadImage)
	api.POST("/query", s.query)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statsResponse struct {
	VFS  vfs.Stats             `json:"vfs"`
	Jobs []scheduler.JobStatus `json:"jobs"`
}

func (s *Server) stats(c *gin.Context) {
	resp := statsResponse{VFS: s.v.Stats(), Jobs: []scheduler.JobStatus{}}
	if s.opts.Jobs != nil {
		resp.Jobs = s.opts.Jobs.Statuses()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) downloadImage(c *gin.Context) {
	compress := c.Query("compress")
	if compress != "" && compress != "xz" {
		abort(c, http.StatusBadRequest, fmt.Sprintf("unsupported compression %q", compress))
		return
	}

	name := strings.TrimSuffix(s.v.FileName(), ".db") + "-" + uuid.NewString()[:8] + ".db"
	contentType := "application/vnd.sqlite3"
	if compress == "xz" {
		name += ".xz"
		contentType = "application/x-xz"
	}

	// Headers are committed on the first byte, after Export holds its lock.
	w := &attachment{c: c, name: name, contentType: contentType}
	var out io.Writer = w
	var zw *xz.Writer
	if compress == "xz" {
		out = writerFunc(func(p []byte) (int, error) {
			if zw == nil {
				var err error
				if zw, err = xz.NewWriter(w); err != nil {
					return 0, err
				}
			}
			return zw.Write(p)
		})
	}

	n, err := image.Export(c.Request.Context(), s.v, out, s.opts.Retry)
	if err == nil && compress == "xz" {
		if zw == nil {
			zw, err = xz.NewWriter(w)
		}
		if err == nil {
			err = zw.Close()
		}
	}

	if err != nil {
		if w.started {
			// Headers are gone, the only option is to cut the body short.
			_ = c.Error(err)
			s.log.Warn("image download interrupted", "bytes", n, "error", err)
			c.Abort()
			return
		}
		fail(c, err)
		return
	}
	w.start()
	s.log.Info("image downloaded", "client", c.ClientIP(), logger.Bytes("size", uint64(n)), "compress", compress)
}

// attachment sets download headers right before the first body byte.
type attachment struct {
	c           *gin.Context
	name        string
	contentType string
	started     bool
}

func (a *attachment) start() {
	if a.started {
		return
	}
	a.started = true
	a.c.Header("Content-Type", a.contentType)
	a.c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.name))
	a.c.Status(http.StatusOK)
	a.c.Writer.WriteHeaderNow()
}

func (a *attachment) Write(p []byte) (int, error) {
	a.start()
	return a.c.Writer.Write(p)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type queryRequest struct {
	SQL   string `json:"sql" binding:"required"`
	Args  []any  `json:"args"`
	Limit int    `json:"limit" binding:"gte=0,lte=100000"`
}

func (s *Server) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, shared.MarkKind(err, shared.KindValidation))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.QueryTimeout)
	defer cancel()

	db, err := sqlite.OpenImage(ctx, image.NewFS(ctx, s.v, s.opts.Retry), s.v.FileName())
	if err != nil {
		fail(c, err)
		return
	}
	defer func() {
		if err := db.Close(); err != nil {
			s.log.Warn("close image database", "error", err)
		}
	}()

	res, err := sqlite.Query(ctx, db, req.SQL, req.Limit, req.Args...)
	if err != nil {
		if shared.KindOf(err) == shared.KindUnknown {
			// SQL errors are the client's fault.
			err = shared.MarkKind(err, shared.KindValidation)
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
