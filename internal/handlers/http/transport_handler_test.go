package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/services"
	"voicebridge/internal/infrastructure/repositories/memory"
)

type fakeTransport struct {
	mu sync.Mutex

	publisherOffers  []domain.UserID
	subscriberOffers []domain.UserID
	sources          []domain.UserID
	tier             domain.Tier
	removed          []domain.UserID

	answerErr error
}

func (f *fakeTransport) CreatePublisherOffer(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publisherOffers = append(f.publisherOffers, userID)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 publisher"}, nil
}

func (f *fakeTransport) HandlePublisherAnswer(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID, answer webrtc.SessionDescription) error {
	return f.answerErr
}

func (f *fakeTransport) CreateSubscriberOffer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, sources []domain.UserID, tier domain.Tier) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriberOffers = append(f.subscriberOffers, receiverID)
	f.sources = sources
	f.tier = tier
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 subscriber"}, nil
}

func (f *fakeTransport) HandleSubscriberAnswer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, answer webrtc.SessionDescription) error {
	return f.answerErr
}

func (f *fakeTransport) RemoveParticipant(meetingID domain.MeetingID, userID domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, userID)
}

type transportFixture struct {
	router    *gin.Engine
	transport *fakeTransport
	directory *services.DirectoryService
	auth      services.AuthService
}

func newTransportFixture(t *testing.T) *transportFixture {
	gin.SetMode(gin.TestMode)

	transport := &fakeTransport{}
	directory := services.NewDirectoryService(memory.NewMemoryMeetingRepository(), zaptest.NewLogger(t).Sugar())
	auth := services.NewAuthService("test-secret", time.Hour)

	router := gin.New()
	NewTransportHandler(transport, directory, auth).SetupRoutes(router)

	return &transportFixture{
		router:    router,
		transport: transport,
		directory: directory,
		auth:      auth,
	}
}

func (f *transportFixture) register(t *testing.T, meetingID domain.MeetingID, userID domain.UserID, isSender bool) {
	err := f.directory.RegisterUser(context.Background(), meetingID, &domain.UserSession{
		UserID:   userID,
		State:    domain.StateConnected,
		IsSender: isSender,
		JoinedAt: time.Now(),
	})
	require.NoError(t, err)
}

func (f *transportFixture) do(t *testing.T, method, path string, body interface{}, meetingID domain.MeetingID, userID domain.UserID) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := f.auth.GenerateJoinToken(meetingID, userID, "Test User")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestTransportHandler_RequiresAuth(t *testing.T) {
	f := newTransportFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/publisher/offer", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTransportHandler_PublisherOffer(t *testing.T) {
	f := newTransportFixture(t)
	f.register(t, "m1", "alice", true)

	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/publisher/offer", nil, "m1", "alice")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "offer", resp["type"])
	assert.NotEmpty(t, resp["sdp"])

	assert.Equal(t, []domain.UserID{"alice"}, f.transport.publisherOffers)
}

func TestTransportHandler_MeetingMismatchForbidden(t *testing.T) {
	f := newTransportFixture(t)
	f.register(t, "m1", "alice", true)

	// token bound to m1, request aimed at m2
	w := f.do(t, http.MethodPost, "/api/v1/meetings/m2/publisher/offer", nil, "m1", "alice")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.transport.publisherOffers)
}

func TestTransportHandler_OfferRequiresMembership(t *testing.T) {
	f := newTransportFixture(t)
	f.register(t, "m1", "alice", true)

	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/publisher/offer", nil, "m1", "intruder")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.transport.publisherOffers)
}

func TestTransportHandler_SubscriberOfferListsOtherSenders(t *testing.T) {
	f := newTransportFixture(t)
	f.register(t, "m1", "alice", true)
	f.register(t, "m1", "carol", true)
	f.register(t, "m1", "bob", false)

	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/subscriber/offer", nil, "m1", "bob")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []domain.UserID{"bob"}, f.transport.subscriberOffers)
	assert.Equal(t, []domain.UserID{"alice", "carol"}, f.transport.sources)
	assert.Equal(t, domain.TierHigh, f.transport.tier)
}

func TestTransportHandler_SenderExcludedFromOwnSources(t *testing.T) {
	f := newTransportFixture(t)
	f.register(t, "m1", "alice", true)
	f.register(t, "m1", "carol", true)

	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/subscriber/offer", nil, "m1", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.UserID{"carol"}, f.transport.sources)
}

func TestTransportHandler_PublisherAnswer(t *testing.T) {
	f := newTransportFixture(t)
	f.register(t, "m1", "alice", true)

	body := gin.H{"answer": gin.H{"type": "answer", "sdp": "v=0 answer"}}
	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/publisher/answer", body, "m1", "alice")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTransportHandler_AnswerWithoutPendingOffer(t *testing.T) {
	f := newTransportFixture(t)
	f.transport.answerErr = domain.ErrUserNotFound

	body := gin.H{"answer": gin.H{"type": "answer", "sdp": "v=0 answer"}}
	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/publisher/answer", body, "m1", "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransportHandler_SubscriberAnswerUnknownConsumer(t *testing.T) {
	f := newTransportFixture(t)
	f.transport.answerErr = domain.ErrConsumerNotFound

	body := gin.H{"answer": gin.H{"type": "answer", "sdp": "v=0 answer"}}
	w := f.do(t, http.MethodPost, "/api/v1/meetings/m1/subscriber/answer", body, "m1", "bob")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransportHandler_MalformedAnswerRejected(t *testing.T) {
	f := newTransportFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/meetings/m1/publisher/answer", bytes.NewBufferString("{"))
	token, err := f.auth.GenerateJoinToken("m1", "alice", "Test User")
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransportHandler_RemoveTransport(t *testing.T) {
	f := newTransportFixture(t)

	w := f.do(t, http.MethodDelete, "/api/v1/meetings/m1/transport", nil, "m1", "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.UserID{"alice"}, f.transport.removed)
}

func TestTransportHandler_UnknownMeetingIsNotFound(t *testing.T) {
	f := newTransportFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/meetings/m9/subscriber/offer", nil, "m9", "bob")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
