// Package handler exposes the attendance service over HTTP.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/directory"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/metrics"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

// Config carries the auth and timeout settings used by the handlers.
type Config struct {
	JWTIssuer      string
	JWTSigningKey  string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	RequestTimeout time.Duration
}

// Handler serves the /v1 API.
type Handler struct {
	svc     *attendance.Service
	dir     *directory.Directory
	kv      store.KV
	queue   queue.Queue
	limiter httpmiddleware.Limiter
	cfg     Config
}

// New creates a handler. q and limiter may be nil.
func New(svc *attendance.Service, dir *directory.Directory, kv store.KV, q queue.Queue, limiter httpmiddleware.Limiter, cfg Config) *Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Handler{svc: svc, dir: dir, kv: kv, queue: q, limiter: limiter, cfg: cfg}
}

// Register mounts all routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	public := v1.Group("/auth")
	if h.limiter != nil {
		public.Use(httpmiddleware.RateLimit(h.limiter))
	}
	public.POST("/login", h.login)
	public.POST("/refresh", h.refresh)

	authed := v1.Group("", auth.Bearer(h.cfg.JWTSigningKey, h.cfg.JWTIssuer))
	if h.limiter != nil {
		authed.Use(httpmiddleware.RateLimit(h.limiter))
	}

	faculty := authed.Group("", auth.RequireRole(string(directory.RoleFaculty)))
	faculty.POST("/sessions", h.createSession)
	faculty.POST("/sessions/:id/out-token", h.outToken)
	faculty.GET("/sessions/:id/attendance", h.sessionAttendance)

	student := authed.Group("", auth.RequireRole(string(directory.RoleStudent)))
	student.POST("/scans", h.submitScan)
	student.GET("/students/me/summary", h.studentSummary)
}

func (h *Handler) health(c *gin.Context) {
	healthy := h.kv.Healthy(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "store": healthy})
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		UserID   string `json:"user_id" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx, cancel := h.timeout(c)
	defer cancel()

	usr, err := h.dir.Authenticate(ctx, req.UserID, req.Password)
	if errors.Is(err, directory.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		log.Printf("login %s: %v", req.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	h.issue(c, http.StatusOK, usr)
}

// refresh rotates a refresh token. Each refresh token can be used once.
func (h *Handler) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, err := auth.ParseKind(req.RefreshToken, h.cfg.JWTSigningKey, h.cfg.JWTIssuer, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	ctx, cancel := h.timeout(c)
	defer cancel()

	err = h.kv.Create(ctx, "refresh:used:"+claims.ID, []byte(claims.Subject))
	if errors.Is(err, store.ErrExists) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token already used"})
		return
	}
	if err != nil {
		log.Printf("refresh %s: %v", claims.Subject, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}

	usr, err := h.dir.User(ctx, claims.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}
	h.issue(c, http.StatusOK, usr)
}

func (h *Handler) issue(c *gin.Context, status int, usr directory.User) {
	tokens, err := auth.Issue(usr.ID, string(usr.Role), h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(status, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"user_id":       usr.ID,
		"name":          usr.Name,
		"role":          usr.Role,
	})
}

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		SubjectID string `json:"subject_id" binding:"required"`
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Date == "" {
		req.Date = time.Now().Format(time.DateOnly)
	}
	claims, _ := auth.ClaimsFrom(c)
	ctx, cancel := h.timeout(c)
	defer cancel()

	sess, token, err := h.svc.CreateSession(ctx, attendance.CreateSessionInput{
		FacultyID: claims.Subject,
		SubjectID: req.SubjectID,
		Date:      req.Date,
		StartTime: req.StartTime,
	})
	if err != nil {
		fail(c, err)
		return
	}
	metrics.SessionsCreated.Inc()
	metrics.TokensIssued.WithLabelValues(string(attendance.In)).Inc()
	c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID, "in_token": token, "session": sess})
}

func (h *Handler) outToken(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	ctx, cancel := h.timeout(c)
	defer cancel()

	token, err := h.svc.GenerateOutToken(ctx, claims.Subject, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	metrics.TokensIssued.WithLabelValues(string(attendance.Out)).Inc()
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "out_token": token})
}

func (h *Handler) sessionAttendance(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	ctx, cancel := h.timeout(c)
	defer cancel()

	attendees, err := h.svc.SessionAttendance(ctx, claims.Subject, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "attendees": attendees})
}

func (h *Handler) submitScan(c *gin.Context) {
	var req struct {
		Token     string   `json:"token" binding:"required"`
		Latitude  *float64 `json:"latitude" binding:"required"`
		Longitude *float64 `json:"longitude" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.ScanOutcome(attendance.CodeValidation)
		badRequest(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	ctx, cancel := h.timeout(c)
	defer cancel()

	res, err := h.svc.SubmitScan(ctx, claims.Subject, req.Token, *req.Latitude, *req.Longitude)
	metrics.ScanOutcome(attendance.Code(err))
	if err != nil {
		fail(c, err)
		return
	}
	h.publish(res, *req.Latitude, *req.Longitude)
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "direction": res.Direction, "record": res.Record})
}

func (h *Handler) publish(res attendance.ScanResult, lat, lng float64) {
	if h.queue == nil {
		return
	}
	at := time.Now().UTC()
	if res.Direction == attendance.In && res.Record.InScanAt != nil {
		at = *res.Record.InScanAt
	} else if res.Direction == attendance.Out && res.Record.OutScanAt != nil {
		at = *res.Record.OutScanAt
	}
	msg, err := queue.NewScanMessage(queue.ScanEvent{
		ID:        uuid.NewString(),
		StudentID: res.Record.StudentID,
		SessionID: res.Record.SessionID,
		SubjectID: res.Record.SubjectID,
		Direction: string(res.Direction),
		Lat:       lat,
		Lng:       lng,
		At:        at,
	})
	if err != nil {
		log.Printf("encode scan event: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.queue.Publish(ctx, msg); err != nil {
		log.Printf("queue publish failed: %v", err)
	}
}

func (h *Handler) studentSummary(c *gin.Context) {
	claims, _ := auth.ClaimsFrom(c)
	ctx, cancel := h.timeout(c)
	defer cancel()

	sum, err := h.svc.StudentSummary(ctx, claims.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) timeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.cfg.RequestTimeout)
}
