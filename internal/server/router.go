package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/channels"
	"github.com/MarcoPoloResearchLab/courier/internal/media"
	"github.com/MarcoPoloResearchLab/courier/internal/reconcile"
	"github.com/MarcoPoloResearchLab/courier/internal/search"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "courier_subject"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
	defaultPresignExpiry     = 15 * time.Minute
)

var (
	errMissingEngine        = errors.New("engine dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Engine is the control surface of the reconciler served over HTTP.
type Engine interface {
	Register(ctx context.Context, req reconcile.RegisterRequest) (reconcile.ChannelState, error)
	Channels() []reconcile.ChannelState
	ChannelState(channelID string) (reconcile.ChannelState, error)
	RemoveChannel(ctx context.Context, channelID string) error
	StartListener(ctx context.Context, channelID string) (reconcile.ChannelState, error)
	StopListener(ctx context.Context, channelID string) (reconcile.ChannelState, error)
	Resync(ctx context.Context, channelID string) (reconcile.ChannelState, error)
	ListGaps(channelID string) ([]channels.SyncWindow, error)
	Search(ctx context.Context, query search.Query) ([]search.Document, error)
}

// TokenValidator resolves bearer tokens to subjects.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the handler. Media is optional; without it the media route is not served.
type Dependencies struct {
	Engine            Engine
	TokenManager      TokenValidator
	Realtime          *RealtimeDispatcher
	Media             media.BlobStore
	PresignExpiry     time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	presignExpiry := deps.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = defaultPresignExpiry
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		engine:    deps.Engine,
		tokens:    deps.TokenManager,
		realtime:  deps.Realtime,
		media:     deps.Media,
		presign:   presignExpiry,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/stream", handler.handleStream)
	protected.POST("/channels", handler.handleRegister)
	protected.GET("/channels", handler.handleListChannels)
	protected.GET("/channels/:id", handler.handleGetChannel)
	protected.DELETE("/channels/:id", handler.handleRemoveChannel)
	protected.GET("/channels/:id/gaps", handler.handleListGaps)
	protected.POST("/channels/:id/listener", handler.handleStartListener)
	protected.DELETE("/channels/:id/listener", handler.handleStopListener)
	protected.POST("/channels/:id/resync", handler.handleResync)
	protected.GET("/channels/:id/messages", handler.handleSearch)
	if deps.Media != nil {
		protected.GET("/media/*address", handler.handleMedia)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	engine    Engine
	tokens    TokenValidator
	realtime  *RealtimeDispatcher
	media     media.BlobStore
	presign   time.Duration
	heartbeat time.Duration
	logger    *zap.Logger
}

type registerRequestPayload struct {
	ChannelID   string `json:"channel_id"`
	Title       string `json:"title"`
	ResumeAfter *int64 `json:"resume_after"`
	Listen      bool   `json:"listen"`
}

type windowPayload struct {
	WindowID   string `json:"window_id"`
	Low        int64  `json:"low"`
	High       int64  `json:"high"`
	ResumeFrom int64  `json:"resume_from"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	LastError  string `json:"last_error,omitempty"`
}

type channelPayload struct {
	ChannelID      string             `json:"channel_id"`
	Title          string             `json:"title,omitempty"`
	SyncState      string             `json:"sync_state"`
	ListenerState  string             `json:"listener_state"`
	ListenerWanted bool               `json:"listener_wanted"`
	Cursor         int64              `json:"cursor"`
	HighWater      int64              `json:"high_water"`
	DegradedReason string             `json:"degraded_reason,omitempty"`
	OpenWindow     *windowPayload     `json:"open_window,omitempty"`
	Counters       reconcile.Counters `json:"counters"`
	Removed        bool               `json:"removed,omitempty"`
	UpdatedAt      int64              `json:"updated_at_s"`
}

type messagePayload struct {
	MessageID    string `json:"message_id"`
	Sequence     int64  `json:"sequence"`
	Revision     int64  `json:"revision"`
	SenderName   string `json:"sender_name,omitempty"`
	Text         string `json:"text"`
	SentAt       int64  `json:"sent_at_s"`
	MediaRef     string `json:"media_ref,omitempty"`
	MediaPending bool   `json:"media_pending"`
	Deleted      bool   `json:"deleted"`
	ReceivedVia  string `json:"received_via"`
}

type streamEventPayload struct {
	Source  string         `json:"source"`
	Channel channelPayload `json:"channel"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "channels": len(h.engine.Channels())})
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ChannelID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, err := h.engine.Register(c.Request.Context(), reconcile.RegisterRequest{
		ChannelID:   request.ChannelID,
		Title:       request.Title,
		ResumeAfter: request.ResumeAfter,
		Listen:      request.Listen,
	})
	if err != nil {
		h.respondError(c, "register", err)
		return
	}
	c.JSON(http.StatusCreated, newChannelPayload(state))
}

func (h *httpHandler) handleListChannels(c *gin.Context) {
	states := h.engine.Channels()
	payload := make([]channelPayload, 0, len(states))
	for _, state := range states {
		payload = append(payload, newChannelPayload(state))
	}
	c.JSON(http.StatusOK, gin.H{"channels": payload})
}

func (h *httpHandler) handleGetChannel(c *gin.Context) {
	state, err := h.engine.ChannelState(c.Param("id"))
	if err != nil {
		h.respondError(c, "channel_state", err)
		return
	}
	c.JSON(http.StatusOK, newChannelPayload(state))
}

func (h *httpHandler) handleRemoveChannel(c *gin.Context) {
	if err := h.engine.RemoveChannel(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "remove_channel", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListGaps(c *gin.Context) {
	gaps, err := h.engine.ListGaps(c.Param("id"))
	if err != nil {
		h.respondError(c, "list_gaps", err)
		return
	}
	payload := make([]windowPayload, 0, len(gaps))
	for _, gap := range gaps {
		payload = append(payload, newWindowPayload(gap))
	}
	c.JSON(http.StatusOK, gin.H{"gaps": payload})
}

func (h *httpHandler) handleStartListener(c *gin.Context) {
	h.respondState(c, "start_listener", h.engine.StartListener)
}

func (h *httpHandler) handleStopListener(c *gin.Context) {
	h.respondState(c, "stop_listener", h.engine.StopListener)
}

func (h *httpHandler) handleResync(c *gin.Context) {
	h.respondState(c, "resync", h.engine.Resync)
}

func (h *httpHandler) respondState(c *gin.Context, operation string, fn func(context.Context, string) (reconcile.ChannelState, error)) {
	state, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, newChannelPayload(state))
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query := search.Query{
		ChannelID:      c.Param("id"),
		Text:           c.Query("q"),
		IncludeDeleted: c.Query("include_deleted") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		query.Limit = limit
	}
	documents, err := h.engine.Search(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, "search", err)
		return
	}
	payload := make([]messagePayload, 0, len(documents))
	for _, document := range documents {
		payload = append(payload, messagePayload{
			MessageID:    document.SourceMessageID,
			Sequence:     document.Sequence,
			Revision:     document.Revision,
			SenderName:   document.SenderName,
			Text:         document.Text,
			SentAt:       document.SentAtSeconds,
			MediaRef:     document.MediaRef,
			MediaPending: document.MediaPending,
			Deleted:      document.Deleted,
			ReceivedVia:  document.ReceivedVia,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

// handleStream serves channel state changes as server-sent events. The current state of the
// requested channels is sent first.
func (h *httpHandler) handleStream(c *gin.Context) {
	channelID := strings.TrimSpace(c.Query("channel_id"))
	key := channelID
	var initial []reconcile.ChannelState
	if channelID == "" {
		key = AllChannels
		initial = h.engine.Channels()
	} else {
		state, err := h.engine.ChannelState(channelID)
		if err != nil {
			h.respondError(c, "stream", err)
			return
		}
		initial = []reconcile.ChannelState{state}
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, key)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	for _, state := range initial {
		c.SSEvent(RealtimeEventChannelState, streamEventPayload{Source: realtimeSourceBackend, Channel: newChannelPayload(state)})
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, streamEventPayload{Source: realtimeSourceBackend, Channel: newChannelPayload(message.State)})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

type presignedMediaPayload struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// handleMedia serves an offloaded blob by content address. With ?presign=true and a store that
// can sign URLs it answers with a time-limited direct link instead of the bytes.
func (h *httpHandler) handleMedia(c *gin.Context) {
	address := strings.TrimPrefix(c.Param("address"), "/")
	if media.IsPlaceholder(address) {
		c.JSON(http.StatusNotFound, gin.H{"error": "media_pending"})
		return
	}
	if err := media.ValidateAddress(address); err != nil {
		h.respondError(c, "media", err)
		return
	}

	ctx := c.Request.Context()
	if signer, ok := h.media.(media.URLSigner); ok && c.Query("presign") == "true" {
		signed, err := signer.SignedURL(ctx, address, h.presign)
		if err != nil {
			h.respondError(c, "media", err)
			return
		}
		c.JSON(http.StatusOK, presignedMediaPayload{URL: signed.String(), ExpiresAt: time.Now().Add(h.presign).UTC().Unix()})
		return
	}

	blob, err := h.media.Get(ctx, address)
	if err != nil {
		h.respondError(c, "media", err)
		return
	}
	defer blob.Body.Close()
	c.DataFromReader(http.StatusOK, blob.Size, blob.ContentType, blob.Body, map[string]string{
		"Cache-Control": "public, max-age=31536000, immutable",
		"ETag":          strconv.Quote(address),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQueryParam))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("reason", code),
			zap.String("channel_id", c.Param("id")),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, reconcile.ErrChannelNotFound):
		return http.StatusNotFound, "channel_not_found"
	case errors.Is(err, reconcile.ErrChannelExists):
		return http.StatusConflict, "channel_exists"
	case errors.Is(err, reconcile.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, reconcile.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, reconcile.ErrNotStarted):
		return http.StatusServiceUnavailable, "not_running"
	case errors.Is(err, media.ErrBlobNotFound):
		return http.StatusNotFound, "media_not_found"
	case errors.Is(err, media.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_media_address"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	var serviceErr *reconcile.ServiceError
	if errors.As(err, &serviceErr) {
		return http.StatusInternalServerError, serviceErr.Code()
	}
	return http.StatusInternalServerError, "internal_error"
}

func newChannelPayload(state reconcile.ChannelState) channelPayload {
	payload := channelPayload{
		ChannelID:      state.ChannelID,
		Title:          state.Title,
		SyncState:      string(state.SyncState),
		ListenerState:  string(state.ListenerState),
		ListenerWanted: state.ListenerWanted,
		Cursor:         state.Cursor,
		HighWater:      state.HighWater,
		DegradedReason: state.DegradedReason,
		Counters:       state.Counters,
		Removed:        state.Removed,
	}
	if !state.UpdatedAt.IsZero() {
		payload.UpdatedAt = state.UpdatedAt.Unix()
	}
	if state.OpenWindow != nil {
		window := newWindowPayload(*state.OpenWindow)
		payload.OpenWindow = &window
	}
	return payload
}

func newWindowPayload(window channels.SyncWindow) windowPayload {
	return windowPayload{
		WindowID:   window.WindowID,
		Low:        window.Low,
		High:       window.High,
		ResumeFrom: window.ResumeFrom,
		Status:     string(window.Status),
		Reason:     string(window.Reason),
		LastError:  window.LastError,
	}
}
