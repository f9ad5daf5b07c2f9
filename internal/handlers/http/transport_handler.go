package http

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
	"voicebridge/internal/core/services"
	"voicebridge/internal/infrastructure/middleware"
)

// TransportHandler exposes the offer/answer exchange that attaches a
// participant's peer connections to the forwarding unit. A sender negotiates
// a publisher leg, a receiver a subscriber leg; the token's claims bind both
// to one meeting and one identity.
type TransportHandler struct {
	transport   ports.MediaTransport
	directory   *services.DirectoryService
	authService services.AuthService
}

func NewTransportHandler(
	transport ports.MediaTransport,
	directory *services.DirectoryService,
	authService services.AuthService,
) *TransportHandler {
	return &TransportHandler{
		transport:   transport,
		directory:   directory,
		authService: authService,
	}
}

func (h *TransportHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(h.authService))
	{
		api.POST("/meetings/:id/publisher/offer", h.CreatePublisherOffer)
		api.POST("/meetings/:id/publisher/answer", h.HandlePublisherAnswer)
		api.POST("/meetings/:id/subscriber/offer", h.CreateSubscriberOffer)
		api.POST("/meetings/:id/subscriber/answer", h.HandleSubscriberAnswer)
		api.DELETE("/meetings/:id/transport", h.RemoveTransport)
	}
}

// bindIdentity resolves the caller's identity from the token claims and
// refuses requests aimed at a meeting the token is not bound to.
func (h *TransportHandler) bindIdentity(c *gin.Context) (domain.MeetingID, domain.UserID, bool) {
	meetingID := domain.MeetingID(c.Param("id"))

	claimedMeeting := c.MustGet("meeting_id").(domain.MeetingID)
	userID := c.MustGet("user_id").(domain.UserID)

	if meetingID != claimedMeeting {
		c.JSON(http.StatusForbidden, gin.H{"error": "token is not valid for this meeting"})
		return "", "", false
	}
	return meetingID, userID, true
}

// requireMember checks that the caller has joined the meeting over signaling
// before any media leg is negotiated.
func (h *TransportHandler) requireMember(c *gin.Context, meetingID domain.MeetingID, userID domain.UserID) (*domain.MeetingSession, bool) {
	meeting, err := h.directory.GetMeeting(c.Request.Context(), meetingID)
	if err != nil {
		if err == domain.ErrMeetingNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if _, joined := meeting.Users[userID]; !joined {
		c.JSON(http.StatusForbidden, gin.H{"error": "join the meeting before negotiating media"})
		return nil, false
	}
	return meeting, true
}

func (h *TransportHandler) CreatePublisherOffer(c *gin.Context) {
	meetingID, userID, ok := h.bindIdentity(c)
	if !ok {
		return
	}
	if _, ok := h.requireMember(c, meetingID, userID); !ok {
		return
	}

	offer, err := h.transport.CreatePublisherOffer(c.Request.Context(), meetingID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"type": "offer",
		"sdp":  offer.SDP,
	})
}

func (h *TransportHandler) HandlePublisherAnswer(c *gin.Context) {
	meetingID, userID, ok := h.bindIdentity(c)
	if !ok {
		return
	}

	var req struct {
		Answer webrtc.SessionDescription `json:"answer" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.transport.HandlePublisherAnswer(c.Request.Context(), meetingID, userID, req.Answer); err != nil {
		if err == domain.ErrUserNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending publisher offer"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

// CreateSubscriberOffer attaches the caller to every other sender in the
// meeting at the meeting's current tier.
func (h *TransportHandler) CreateSubscriberOffer(c *gin.Context) {
	meetingID, userID, ok := h.bindIdentity(c)
	if !ok {
		return
	}
	meeting, ok := h.requireMember(c, meetingID, userID)
	if !ok {
		return
	}

	sources := make([]domain.UserID, 0, len(meeting.Users))
	for _, u := range meeting.Users {
		if u.IsSender && u.UserID != userID {
			sources = append(sources, u.UserID)
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	offer, err := h.transport.CreateSubscriberOffer(c.Request.Context(), meetingID, userID, sources, meeting.Tier)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"type":    "offer",
		"sdp":     offer.SDP,
		"sources": sources,
		"tier":    meeting.Tier.String(),
	})
}

func (h *TransportHandler) HandleSubscriberAnswer(c *gin.Context) {
	meetingID, userID, ok := h.bindIdentity(c)
	if !ok {
		return
	}

	var req struct {
		Answer webrtc.SessionDescription `json:"answer" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.transport.HandleSubscriberAnswer(c.Request.Context(), meetingID, userID, req.Answer); err != nil {
		if err == domain.ErrConsumerNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending subscriber offer"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

// RemoveTransport tears down the caller's peer connections without leaving
// the meeting, so a client can renegotiate from scratch.
func (h *TransportHandler) RemoveTransport(c *gin.Context) {
	meetingID, userID, ok := h.bindIdentity(c)
	if !ok {
		return
	}

	h.transport.RemoveParticipant(meetingID, userID)
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
