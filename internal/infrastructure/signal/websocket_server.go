package signal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
	"voicebridge/internal/core/services"
	"voicebridge/pkg/validation"
)

type SignalMessage struct {
	Type      string           `json:"type"`
	MeetingID domain.MeetingID `json:"meeting_id,omitempty"`
	UserID    domain.UserID    `json:"user_id,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

type JoinPayload struct {
	DisplayName string `json:"display_name"`
	IsSender    bool   `json:"is_sender"`
}

type QualityReportPayload struct {
	FractionLost float64 `json:"fraction_lost"`
	JitterMs     float64 `json:"jitter_ms"`
	RTTMs        float64 `json:"rtt_ms"`
	Timestamp    int64   `json:"timestamp,omitempty"` // unix milliseconds, defaults to receipt time
}

type FingerprintPayload struct {
	FrameID     domain.FrameID `json:"frame_id"`
	SenderID    domain.UserID  `json:"sender_id,omitempty"`
	Hash        string         `json:"hash"` // hex-encoded digest
	TransportTS int64          `json:"transport_ts"`
}

type connKey struct {
	meetingID domain.MeetingID
	userID    domain.UserID
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	joined  bool
}

func (c *client) writeJSON(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

// WebSocketServer is the signaling relay: it authenticates connections with
// join tokens, feeds inbound reports and fingerprints into the conference
// core, and pushes tier changes and delivery summaries back out to every
// participant of the affected meeting.
type WebSocketServer struct {
	conference ports.Conference
	auth       services.AuthService

	connections map[connKey]*client
	mu          sync.RWMutex

	pingInterval    time.Duration
	pongTimeout     time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	maxMessageBytes int64

	msgRate  rate.Limit
	msgBurst int

	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewWebSocketServer(conference ports.Conference, auth services.AuthService, allowedOrigins []string, msgsPerSecond float64, msgBurst int, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		conference:   conference,
		auth:         auth,
		connections:  make(map[connKey]*client),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		msgRate:      rate.Limit(msgsPerSecond),
		msgBurst:     msgBurst,
		logger:       logger,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	// Fan tier changes and delivery summaries back out over signaling.
	conference.OnTierChange(s.broadcastTierChange)
	conference.OnAckSummary(s.sendAckSummary)

	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
}

// SetWriteTimeout sets the per-write deadline for outbound messages
func (s *WebSocketServer) SetWriteTimeout(timeout time.Duration) {
	s.writeTimeout = timeout
}

// SetMaxMessageSize caps inbound message size; an oversized message closes
// the connection. Zero leaves the transport default in place.
func (s *WebSocketServer) SetMaxMessageSize(bytes int64) {
	s.maxMessageBytes = bytes
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		s.logger.Warnw("rejected websocket connection", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	meetingID := domain.MeetingID(claims.MeetingID)
	userID := domain.UserID(claims.UserID)
	key := connKey{meetingID: meetingID, userID: userID}

	cl := &client{
		conn:    conn,
		limiter: rate.NewLimiter(s.msgRate, s.msgBurst),
	}

	s.mu.Lock()
	existing, isReconnect := s.connections[key]
	if isReconnect && existing != nil {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting user",
			"meeting_id", meetingID, "user_id", userID)
	}
	s.connections[key] = cl
	s.mu.Unlock()

	s.logger.Infow("user connected", "meeting_id", meetingID, "user_id", userID, "reconnect", isReconnect)

	if s.maxMessageBytes > 0 {
		conn.SetReadLimit(s.maxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan SignalMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if !cl.limiter.Allow() {
				s.logger.Warnw("message rate exceeded", "meeting_id", meetingID, "user_id", userID)
				s.sendError(cl, "message rate exceeded")
				continue
			}
			if err := s.handleMessage(r.Context(), cl, claims, msg); err != nil {
				s.logger.Infow("error handling message",
					"meeting_id", meetingID, "user_id", userID, "type", msg.Type, "error", err)
				s.sendError(cl, err.Error())
			}

		case <-pingTicker.C:
			cl.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			cl.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "meeting_id", meetingID, "user_id", userID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "meeting_id", meetingID, "user_id", userID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	// A reconnect may already have replaced the entry; if it has, the
	// replacement owns the membership and this goroutine must not remove it.
	cur, ok := s.connections[key]
	isCurrent := ok && cur == cl
	if isCurrent {
		delete(s.connections, key)
	}
	s.mu.Unlock()

	if isCurrent && cl.joined {
		if err := s.conference.OnLeave(context.Background(), meetingID, userID); err != nil {
			s.logger.Infow("error removing user on disconnect",
				"meeting_id", meetingID, "user_id", userID, "error", err)
		}
		s.broadcastParticipantLeft(meetingID, userID)
	}

	s.logger.Infow("user disconnected", "meeting_id", meetingID, "user_id", userID)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, cl *client, claims *services.Claims, msg SignalMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	// The token binds the connection to one meeting and one identity.
	if msg.MeetingID != "" && msg.MeetingID != domain.MeetingID(claims.MeetingID) {
		return fmt.Errorf("meeting_id mismatch: expected %s, got %s", claims.MeetingID, msg.MeetingID)
	}
	if msg.UserID != "" && msg.UserID != domain.UserID(claims.UserID) {
		return fmt.Errorf("user_id mismatch: expected %s, got %s", claims.UserID, msg.UserID)
	}

	switch msg.Type {
	case "join_meeting":
		return s.handleJoin(ctx, cl, claims, msg)
	case "leave_meeting":
		return s.handleLeave(ctx, cl, claims)
	case "quality_report":
		return s.handleQualityReport(cl, claims, msg)
	case "sender_fingerprint":
		return s.handleSenderFingerprint(cl, claims, msg)
	case "receiver_fingerprint":
		return s.handleReceiverFingerprint(cl, claims, msg)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleJoin(ctx context.Context, cl *client, claims *services.Claims, msg SignalMessage) error {
	var payload JoinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid join_meeting payload: %w", err)
		}
	}

	if err := validation.ValidateMeetingID(string(claims.MeetingID)); err != nil {
		return err
	}
	if err := validation.ValidateUserID(string(claims.UserID)); err != nil {
		return err
	}

	displayName := payload.DisplayName
	if displayName == "" {
		displayName = claims.DisplayName
	}
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return err
	}

	meetingID := domain.MeetingID(claims.MeetingID)
	userID := domain.UserID(claims.UserID)

	user := &domain.UserSession{
		UserID:      userID,
		DisplayName: displayName,
		State:       domain.StateConnected,
		IsSender:    payload.IsSender,
		JoinedAt:    time.Now(),
	}

	if err := s.conference.OnJoin(ctx, meetingID, user); err != nil {
		return fmt.Errorf("failed to join meeting: %w", err)
	}
	cl.joined = true

	s.broadcast(meetingID, userID, map[string]interface{}{
		"type":         "participant_joined",
		"meeting_id":   meetingID,
		"user_id":      userID,
		"display_name": displayName,
		"is_sender":    payload.IsSender,
	})

	return cl.writeJSON(map[string]interface{}{
		"type":       "joined",
		"meeting_id": meetingID,
		"user_id":    userID,
	}, s.writeTimeout)
}

func (s *WebSocketServer) handleLeave(ctx context.Context, cl *client, claims *services.Claims) error {
	if !cl.joined {
		return fmt.Errorf("not joined")
	}
	cl.joined = false

	meetingID := domain.MeetingID(claims.MeetingID)
	userID := domain.UserID(claims.UserID)

	if err := s.conference.OnLeave(ctx, meetingID, userID); err != nil {
		return fmt.Errorf("failed to leave meeting: %w", err)
	}

	s.broadcastParticipantLeft(meetingID, userID)
	return nil
}

func (s *WebSocketServer) handleQualityReport(cl *client, claims *services.Claims, msg SignalMessage) error {
	if !cl.joined {
		return fmt.Errorf("not joined")
	}

	var payload QualityReportPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid quality_report payload: %w", err)
	}

	timestamp := time.Now()
	if payload.Timestamp > 0 {
		timestamp = time.UnixMilli(payload.Timestamp)
	}

	s.conference.IngestQualityReport(domain.QualityReport{
		UserID:       domain.UserID(claims.UserID),
		MeetingID:    domain.MeetingID(claims.MeetingID),
		FractionLost: payload.FractionLost,
		JitterMs:     payload.JitterMs,
		RTTMs:        payload.RTTMs,
		Timestamp:    timestamp,
	})
	return nil
}

func (s *WebSocketServer) handleSenderFingerprint(cl *client, claims *services.Claims, msg SignalMessage) error {
	if !cl.joined {
		return fmt.Errorf("not joined")
	}

	fp, err := s.parseFingerprint(claims, msg)
	if err != nil {
		return err
	}
	fp.SenderID = domain.UserID(claims.UserID)

	s.conference.IngestSenderFingerprint(fp)
	return nil
}

func (s *WebSocketServer) handleReceiverFingerprint(cl *client, claims *services.Claims, msg SignalMessage) error {
	if !cl.joined {
		return fmt.Errorf("not joined")
	}

	var payload FingerprintPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid fingerprint payload: %w", err)
	}
	if payload.SenderID == "" {
		return fmt.Errorf("sender_id is required on receiver fingerprints")
	}

	fp, err := s.parseFingerprint(claims, msg)
	if err != nil {
		return err
	}
	fp.SenderID = payload.SenderID
	fp.ReceiverID = domain.UserID(claims.UserID)

	s.conference.IngestReceiverFingerprint(fp)
	return nil
}

func (s *WebSocketServer) parseFingerprint(claims *services.Claims, msg SignalMessage) (domain.FrameFingerprint, error) {
	var payload FingerprintPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return domain.FrameFingerprint{}, fmt.Errorf("invalid fingerprint payload: %w", err)
	}
	if payload.FrameID == "" {
		return domain.FrameFingerprint{}, fmt.Errorf("frame_id is required")
	}
	if payload.Hash == "" {
		return domain.FrameFingerprint{}, fmt.Errorf("hash is required")
	}

	digest, err := hex.DecodeString(payload.Hash)
	if err != nil {
		return domain.FrameFingerprint{}, fmt.Errorf("hash must be hex-encoded: %w", err)
	}

	return domain.FrameFingerprint{
		FrameID:     payload.FrameID,
		MeetingID:   domain.MeetingID(claims.MeetingID),
		Hash:        digest,
		TransportTS: payload.TransportTS,
		ReceivedAt:  time.Now(),
	}, nil
}

func (s *WebSocketServer) broadcastTierChange(meetingID domain.MeetingID, from, to domain.Tier) {
	s.broadcast(meetingID, "", map[string]interface{}{
		"type":       "tier_change",
		"meeting_id": meetingID,
		"from":       from.String(),
		"to":         to.String(),
		"timestamp":  time.Now().UnixMilli(),
	})
}

func (s *WebSocketServer) sendAckSummary(summary domain.AckSummary) {
	key := connKey{meetingID: summary.MeetingID, userID: summary.ReceiverID}

	s.mu.RLock()
	cl, exists := s.connections[key]
	s.mu.RUnlock()

	if !exists {
		return
	}

	msg := map[string]interface{}{
		"type":           "ack_summary",
		"meeting_id":     summary.MeetingID,
		"success_count":  summary.SuccessCount,
		"total_count":    summary.TotalCount,
		"failed_senders": summary.FailedSenders,
		"emitted_at":     summary.EmittedAt.UnixMilli(),
	}
	if err := cl.writeJSON(msg, s.writeTimeout); err != nil {
		s.logger.Infow("failed to send ack summary",
			"meeting_id", summary.MeetingID, "user_id", summary.ReceiverID, "error", err)
	}
}

func (s *WebSocketServer) broadcastParticipantLeft(meetingID domain.MeetingID, userID domain.UserID) {
	s.broadcast(meetingID, userID, map[string]interface{}{
		"type":       "participant_left",
		"meeting_id": meetingID,
		"user_id":    userID,
	})
}

// broadcast sends a message to every connection in a meeting except the one
// identified by excludeUser (empty means send to all).
func (s *WebSocketServer) broadcast(meetingID domain.MeetingID, excludeUser domain.UserID, message interface{}) {
	s.mu.RLock()
	targets := make(map[domain.UserID]*client)
	for key, cl := range s.connections {
		if key.meetingID != meetingID {
			continue
		}
		if excludeUser != "" && key.userID == excludeUser {
			continue
		}
		targets[key.userID] = cl
	}
	s.mu.RUnlock()

	for userID, cl := range targets {
		if err := cl.writeJSON(message, s.writeTimeout); err != nil {
			s.logger.Infow("broadcast send failed",
				"meeting_id", meetingID, "user_id", userID, "error", err)
		}
	}
}

func (s *WebSocketServer) sendError(cl *client, message string) {
	cl.writeJSON(map[string]interface{}{
		"type":    "error",
		"message": message,
	}, s.writeTimeout)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectedUsers(meetingID domain.MeetingID) []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserID, 0)
	for key := range s.connections {
		if key.meetingID == meetingID {
			users = append(users, key.userID)
		}
	}
	return users
}

func (s *WebSocketServer) IsUserConnected(meetingID domain.MeetingID, userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[connKey{meetingID: meetingID, userID: userID}]
	return exists
}
