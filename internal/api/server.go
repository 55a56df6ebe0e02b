// Package api is the device's operator HTTP surface.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"edgeattend/internal/attendance"
	"edgeattend/internal/auth"
	"edgeattend/internal/breaker"
	"edgeattend/internal/capture"
	"edgeattend/internal/httpmiddleware"
	"edgeattend/internal/localstore"
	"edgeattend/internal/schedule"
	"edgeattend/internal/syncer"
)

// Scanner runs the capture pipeline.
type Scanner interface {
	Check(ctx context.Context, identity string, requested schedule.ScanType) (schedule.Decision, error)
	Scan(ctx context.Context, identity string, requested schedule.ScanType, src attendance.FrameSource, eval attendance.Evaluator) (attendance.Outcome, error)
	Cancel(identity string) bool
}

// Records lists locally committed records.
type Records interface {
	ListRecords(ctx context.Context, state localstore.SyncState, limit int) ([]localstore.Record, error)
}

// SyncControl is the orchestrator surface operators drive.
type SyncControl interface {
	Trigger()
	DrainAll(ctx context.Context) (syncer.Summary, error)
	ResyncAll(ctx context.Context) (int, syncer.Summary, error)
	ArchiveStale(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (localstore.Stats, error)
	Breakers() []breaker.Snapshot
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) bool

// Deps are the components the router serves.
type Deps struct {
	Scanner   Scanner
	Source    attendance.FrameSource
	Evaluator attendance.Evaluator
	Records   Records
	Sync      SyncControl
	Issuer    *auth.Issuer
	// OperatorKey is exchanged for operator tokens. Token issuance is
	// disabled when empty.
	OperatorKey string
	Limiter     *httpmiddleware.TokenBucket
	Metrics     http.Handler
	// Critical checks fail /healthz; the rest are informational.
	Critical map[string]HealthCheck
	Checks   map[string]HealthCheck
	Logger   *slog.Logger
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Limiter == nil {
		d.Limiter = httpmiddleware.NewTokenBucket(10, 10)
	}
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}
	r.GET("/healthz", h.health)
	r.POST("/v1/operators/token", d.Limiter.GinMiddleware(), h.token)

	v1 := r.Group("/v1", auth.Require(d.Issuer, auth.RoleOperator, auth.RoleDevice))
	v1.POST("/scans", h.scan)
	v1.POST("/scans/check", h.check)
	v1.DELETE("/scans/:identity", h.cancel)
	v1.GET("/records", h.records)

	ops := r.Group("/v1/sync", auth.Require(d.Issuer, auth.RoleOperator))
	ops.GET("/stats", h.stats)
	ops.POST("/drain", h.drain)
	ops.POST("/resync", h.resync)
	ops.POST("/archive", h.archive)
	r.GET("/v1/breakers", auth.Require(d.Issuer, auth.RoleOperator), h.breakers)

	return r
}

func (h *handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Critical {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	for name, check := range h.Checks {
		body[name] = check(ctx)
	}
	c.JSON(status, body)
}

func (h *handler) token(c *gin.Context) {
	var req struct {
		OperatorKey string `json:"operator_key" binding:"required"`
		Operator    string `json:"operator"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := h.Issuer.Exchange(req.OperatorKey, h.OperatorKey, req.Operator)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			h.Logger.Warn("operator token rejected", "client_ip", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tok)
}

type scanRequest struct {
	Identity string `json:"identity" binding:"required"`
	ScanType string `json:"scan_type" binding:"omitempty,oneof=entry exit"`
}

func (h *handler) check(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.Scanner.Check(c.Request.Context(), req.Identity, schedule.ScanType(req.ScanType))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handler) scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.Source == nil || h.Evaluator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture not available on this device"})
		return
	}
	out, err := h.Scanner.Scan(c.Request.Context(), req.Identity, schedule.ScanType(req.ScanType), h.Source, h.Evaluator)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *handler) cancel(c *gin.Context) {
	if !h.Scanner.Cancel(c.Param("identity")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no capture in progress"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) records(c *gin.Context) {
	state := localstore.SyncState(c.Query("state"))
	switch state {
	case "", localstore.Pending, localstore.Synced, localstore.Failed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be pending, synced or failed"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}
	recs, err := h.Records.ListRecords(c.Request.Context(), state, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h *handler) stats(c *gin.Context) {
	st, err := h.Sync.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.Sync.Breakers()})
}

func (h *handler) drain(c *gin.Context) {
	if c.Query("wait") != "true" {
		h.Sync.Trigger()
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
		return
	}
	sum, err := h.Sync.DrainAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) resync(c *gin.Context) {
	requeued, sum, err := h.Sync.ResyncAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": requeued, "summary": sum})
}

func (h *handler) archive(c *gin.Context) {
	var req struct {
		OlderThan string `json:"older_than" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil || olderThan <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "older_than must be a positive duration"})
		return
	}
	n, err := h.Sync.ArchiveStale(c.Request.Context(), olderThan)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": n})
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schedule.ErrOutOfWindow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schedule.ErrCooldown), errors.Is(err, capture.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrCaptureTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, capture.ErrNoSession), errors.Is(err, localstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// Serve runs h on addr until ctx is done, then gives in-flight requests
// 10 seconds to complete.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// scans hold the request open for the whole capture
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
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

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
