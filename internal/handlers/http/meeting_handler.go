package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/services"
	"voicebridge/internal/infrastructure/middleware"
	"voicebridge/internal/infrastructure/monitoring"
	"voicebridge/pkg/errors"
	"voicebridge/pkg/utils"
	"voicebridge/pkg/validation"
)

// ConnectionRegistry exposes live signaling connection state. A registered
// participant whose socket dropped shows up here as disconnected.
type ConnectionRegistry interface {
	ConnectedUsers(meetingID domain.MeetingID) []domain.UserID
	IsUserConnected(meetingID domain.MeetingID, userID domain.UserID) bool
}

type MeetingHandler struct {
	directory      *services.DirectoryService
	quality        *services.QualityAggregator
	engine         *services.TierEngine
	authService    services.AuthService
	connections    ConnectionRegistry
	health         *monitoring.HealthChecker
	metricsEnabled bool
}

func NewMeetingHandler(
	directory *services.DirectoryService,
	quality *services.QualityAggregator,
	engine *services.TierEngine,
	authService services.AuthService,
	connections ConnectionRegistry,
	health *monitoring.HealthChecker,
	metricsEnabled bool,
) *MeetingHandler {
	return &MeetingHandler{
		directory:      directory,
		quality:        quality,
		engine:         engine,
		authService:    authService,
		connections:    connections,
		health:         health,
		metricsEnabled: metricsEnabled,
	}
}

func (h *MeetingHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/tokens", h.CreateToken)

	meetings := api.Group("/meetings")
	meetings.Use(middleware.AuthMiddleware(h.authService))
	{
		meetings.GET("", h.ListMeetings)
		meetings.GET("/:id", h.GetMeeting)
		meetings.GET("/:id/quality", h.GetMeetingQuality)
	}

	router.GET("/health", h.Health)
	if h.metricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

type CreateTokenRequest struct {
	MeetingID   string `json:"meeting_id" binding:"required,max=64"`
	UserID      string `json:"user_id" binding:"max=64"`
	DisplayName string `json:"display_name" binding:"max=128"`
}

// CreateToken mints a join token binding one user to one meeting.
func (h *MeetingHandler) CreateToken(c *gin.Context) {
	var req CreateTokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInput("invalid request format"))
		return
	}

	req.MeetingID = strings.TrimSpace(req.MeetingID)
	req.UserID = strings.TrimSpace(req.UserID)

	if err := validation.ValidateMeetingID(req.MeetingID); err != nil {
		c.Error(errors.NewInvalidInput(err.Error()))
		return
	}
	if req.UserID == "" {
		req.UserID = utils.GenerateUserID()
	}
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInput(err.Error()))
		return
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInput(err.Error()))
		return
	}

	token, err := h.authService.GenerateJoinToken(
		domain.MeetingID(req.MeetingID),
		domain.UserID(req.UserID),
		req.DisplayName,
	)
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"meeting_id": req.MeetingID,
		"user_id":    req.UserID,
	})
}

func (h *MeetingHandler) ListMeetings(c *gin.Context) {
	meetings, err := h.directory.ListMeetings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(meetings))
	for _, m := range meetings {
		out = append(out, gin.H{
			"meeting_id":   m.ID,
			"tier":         m.Tier.String(),
			"participants": len(m.Users),
			"created_at":   m.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"meetings": out})
}

func (h *MeetingHandler) GetMeeting(c *gin.Context) {
	meetingID := domain.MeetingID(c.Param("id"))

	meeting, err := h.directory.GetMeeting(c.Request.Context(), meetingID)
	if err != nil {
		if err == domain.ErrMeetingNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	users := make([]gin.H, 0, len(meeting.Users))
	for _, u := range meeting.Users {
		users = append(users, gin.H{
			"user_id":      u.UserID,
			"display_name": u.DisplayName,
			"state":        u.State,
			"is_sender":    u.IsSender,
			"joined_at":    u.JoinedAt,
			"connected":    h.connections.IsUserConnected(meeting.ID, u.UserID),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"meeting_id":      meeting.ID,
		"tier":            meeting.Tier.String(),
		"created_at":      meeting.CreatedAt,
		"users":           users,
		"connected_count": len(h.connections.ConnectedUsers(meeting.ID)),
	})
}

// GetMeetingQuality exposes the decision inputs for one meeting: the current
// tier state and the worst loss seen across receivers.
func (h *MeetingHandler) GetMeetingQuality(c *gin.Context) {
	meetingID := domain.MeetingID(c.Param("id"))

	if _, err := h.directory.GetMeeting(c.Request.Context(), meetingID); err != nil {
		if err == domain.ErrMeetingNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	worst, hasData := h.quality.WorstLoss(meetingID)

	resp := gin.H{
		"meeting_id": meetingID,
		"has_data":   hasData,
		"worst_loss": worst,
	}
	if state, ok := h.engine.State(meetingID); ok {
		resp["tier"] = state.Tier.String()
		resp["last_transition"] = state.LastTransition
	}

	c.JSON(http.StatusOK, resp)
}

func (h *MeetingHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
