// Package api serves detection over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/RocketWill/ByteWhisperer/engine"
	"github.com/RocketWill/ByteWhisperer/images"
	"github.com/RocketWill/ByteWhisperer/monitor"
	"github.com/RocketWill/ByteWhisperer/service"
	"github.com/RocketWill/ByteWhisperer/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxImageBytes = 20 << 20

type Options struct {
	Detector *service.Detector
	Engines  service.EngineLister
	// History is optional; the /api/runs routes answer 404 without it.
	History *store.RunRepository
	Monitor *monitor.Monitor
	Log     *zap.Logger
}

type handler struct {
	Options
}

type detectRequest struct {
	Name  string `json:"name"`
	Image string `json:"image" binding:"required"`
}

func NewRouter(o Options) *gin.Engine {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	h := &handler{Options: o}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(o.Log, o.Monitor))
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/api/detect", h.detect)
	r.GET("/api/engine", h.engineStatus)
	r.GET("/api/runs", h.listRuns)
	r.GET("/api/runs/:id", h.getRun)
	r.DELETE("/api/runs/:id", h.deleteRun)
	r.GET("/ws/detect", h.detectStream)
	if o.Monitor != nil {
		r.GET("/metrics", gin.WrapH(o.Monitor.Handler()))
	}
	return r
}

func requestLogger(log *zap.Logger, mon *monitor.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		mon.Request("http", route)
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// readImage accepts a multipart "file" field, a JSON body carrying base64
// or a raw encoded body.
func readImage(c *gin.Context) (string, []byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes)
	switch c.ContentType() {
	case "multipart/form-data":
		fh, err := c.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", service.ErrBadImage, err)
		}
		f, err := fh.Open()
		if err != nil {
			return "", nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		return fh.Filename, data, err
	case "application/json":
		var req detectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", nil, fmt.Errorf("%w: %v", service.ErrBadImage, err)
		}
		data, err := images.FromBase64(req.Image)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", service.ErrBadImage, err)
		}
		return req.Name, data, nil
	default:
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", service.ErrBadImage, err)
		}
		return c.Query("name"), data, nil
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrBadImage):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) detect(c *gin.Context) {
	name, data, err := readImage(c)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	if name == "" {
		name = "http"
	}
	res, err := h.Detector.Detect(c.Request.Context(), name, data)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (h *handler) engineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": service.Status(h.Engines)})
}

func (h *handler) history(c *gin.Context) bool {
	if h.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run history is disabled"})
		return false
	}
	return true
}

func (h *handler) listRuns(c *gin.Context) {
	if !h.history(c) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}
	runs, err := h.History.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func (h *handler) getRun(c *gin.Context) {
	if !h.history(c) {
		return
	}
	run, err := h.History.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"data": run})
	}
}

func (h *handler) deleteRun(c *gin.Context) {
	if !h.history(c) {
		return
	}
	err := h.History.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"data": "Run deleted"})
	}
}

// Serve runs handler on port until ctx is done.
func Serve(ctx context.Context, handler http.Handler, port int, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("HTTP server listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
