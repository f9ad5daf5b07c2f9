package signal

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
	"voicebridge/internal/core/services"
	"voicebridge/pkg/utils"
)

type fakeConference struct {
	mu          sync.Mutex
	joins       []*domain.UserSession
	leaves      []domain.UserID
	reports     []domain.QualityReport
	senderFps   []domain.FrameFingerprint
	receiverFps []domain.FrameFingerprint
	tierHandler ports.TierChangeHandler
	ackHandler  ports.AckSummaryHandler
}

func (f *fakeConference) OnJoin(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, user)
	return nil
}

func (f *fakeConference) OnLeave(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, userID)
	return nil
}

func (f *fakeConference) IngestQualityReport(report domain.QualityReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
}

func (f *fakeConference) IngestSenderFingerprint(fp domain.FrameFingerprint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.senderFps = append(f.senderFps, fp)
}

func (f *fakeConference) IngestReceiverFingerprint(fp domain.FrameFingerprint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiverFps = append(f.receiverFps, fp)
}

func (f *fakeConference) OnTierChange(handler ports.TierChangeHandler) { f.tierHandler = handler }
func (f *fakeConference) OnAckSummary(handler ports.AckSummaryHandler) { f.ackHandler = handler }

func (f *fakeConference) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leaves)
}

type signalFixture struct {
	conference *fakeConference
	auth       services.AuthService
	server     *httptest.Server
}

func newSignalFixture(t *testing.T) *signalFixture {
	conference := &fakeConference{}
	auth := services.NewAuthService("test-secret", time.Hour)
	ws := NewWebSocketServer(conference, auth, nil, 100, 200, zaptest.NewLogger(t).Sugar())

	server := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(server.Close)

	return &signalFixture{conference: conference, auth: auth, server: server}
}

func (f *signalFixture) wsURL(token string) string {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func (f *signalFixture) dial(t *testing.T, meetingID, userID string) *websocket.Conn {
	token, err := f.auth.GenerateJoinToken(domain.MeetingID(meetingID), domain.UserID(userID), "Test User")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func join(t *testing.T, conn *websocket.Conn) {
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: "join_meeting"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "joined", reply["type"])
}

func TestWebSocketServer_MissingTokenRejected(t *testing.T) {
	f := newSignalFixture(t)

	resp, err := http.Get(f.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketServer_InvalidTokenRejected(t *testing.T) {
	f := newSignalFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("not-a-token"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketServer_JoinFlow(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "m1", "alice")
	join(t, conn)

	f.conference.mu.Lock()
	defer f.conference.mu.Unlock()
	require.Len(t, f.conference.joins, 1)
	assert.Equal(t, domain.UserID("alice"), f.conference.joins[0].UserID)
	assert.Equal(t, "Test User", f.conference.joins[0].DisplayName)
}

func TestWebSocketServer_ClaimsBindMeetingAndUser(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "m1", "alice")
	join(t, conn)

	// A message claiming a different meeting is refused.
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: "quality_report", MeetingID: "m2"}))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "meeting_id mismatch")
}

func TestWebSocketServer_QualityReportBeforeJoinRejected(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "m1", "alice")
	require.NoError(t, conn.WriteJSON(SignalMessage{
		Type:    "quality_report",
		Payload: []byte(`{"fraction_lost":0.1}`),
	}))

	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
}

func TestWebSocketServer_QualityReportForwarded(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "m1", "alice")
	join(t, conn)

	require.NoError(t, conn.WriteJSON(SignalMessage{
		Type:    "quality_report",
		Payload: []byte(`{"fraction_lost":0.07,"jitter_ms":12,"rtt_ms":80}`),
	}))

	assert.Eventually(t, func() bool {
		f.conference.mu.Lock()
		defer f.conference.mu.Unlock()
		return len(f.conference.reports) == 1
	}, time.Second, 10*time.Millisecond)

	f.conference.mu.Lock()
	defer f.conference.mu.Unlock()
	report := f.conference.reports[0]
	assert.Equal(t, domain.MeetingID("m1"), report.MeetingID)
	assert.Equal(t, domain.UserID("alice"), report.UserID)
	assert.Equal(t, 0.07, report.FractionLost)
}

func TestWebSocketServer_ReceiverFingerprintNeedsSenderID(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "m1", "bob")
	join(t, conn)

	digest := hex.EncodeToString(utils.HashFrame([]byte("frame")))
	require.NoError(t, conn.WriteJSON(SignalMessage{
		Type:    "receiver_fingerprint",
		Payload: []byte(`{"frame_id":"f1","hash":"` + digest + `","transport_ts":1000}`),
	}))

	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "sender_id")
}

func TestWebSocketServer_FingerprintsForwardedWithIdentity(t *testing.T) {
	f := newSignalFixture(t)

	sender := f.dial(t, "m1", "alice")
	join(t, sender)
	receiver := f.dial(t, "m1", "bob")
	join(t, receiver)

	digest := hex.EncodeToString(utils.HashFrame([]byte("frame")))
	require.NoError(t, sender.WriteJSON(SignalMessage{
		Type:    "sender_fingerprint",
		Payload: []byte(`{"frame_id":"f1","hash":"` + digest + `","transport_ts":1000}`),
	}))
	require.NoError(t, receiver.WriteJSON(SignalMessage{
		Type:    "receiver_fingerprint",
		Payload: []byte(`{"frame_id":"f1","sender_id":"alice","hash":"` + digest + `","transport_ts":1030}`),
	}))

	assert.Eventually(t, func() bool {
		f.conference.mu.Lock()
		defer f.conference.mu.Unlock()
		return len(f.conference.senderFps) == 1 && len(f.conference.receiverFps) == 1
	}, time.Second, 10*time.Millisecond)

	f.conference.mu.Lock()
	defer f.conference.mu.Unlock()
	assert.Equal(t, domain.UserID("alice"), f.conference.senderFps[0].SenderID)
	assert.Equal(t, utils.HashFrame([]byte("frame")), f.conference.senderFps[0].Hash)
	assert.Equal(t, domain.UserID("alice"), f.conference.receiverFps[0].SenderID)
	assert.Equal(t, domain.UserID("bob"), f.conference.receiverFps[0].ReceiverID)
}

func TestWebSocketServer_UnknownTypeAnswersError(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "m1", "alice")
	require.NoError(t, conn.WriteJSON(SignalMessage{Type: "renegotiate"}))

	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "unknown message type")
}

func TestWebSocketServer_DisconnectLeavesMeeting(t *testing.T) {
	f := newSignalFixture(t)

	conn := f.dial(t, "m1", "alice")
	join(t, conn)
	conn.Close()

	assert.Eventually(t, func() bool {
		return f.conference.leaveCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_ReconnectKeepsMembership(t *testing.T) {
	f := newSignalFixture(t)

	first := f.dial(t, "m1", "alice")
	join(t, first)

	// Reconnecting displaces the first socket; its teardown must not remove
	// the membership the replacement now owns.
	second := f.dial(t, "m1", "alice")
	join(t, second)

	assert.Never(t, func() bool {
		return f.conference.leaveCount() > 0
	}, 200*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, second.WriteJSON(SignalMessage{
		Type:    "quality_report",
		Payload: []byte(`{"fraction_lost":0.01}`),
	}))
	assert.Eventually(t, func() bool {
		f.conference.mu.Lock()
		defer f.conference.mu.Unlock()
		return len(f.conference.reports) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_OversizedMessageClosesConnection(t *testing.T) {
	conference := &fakeConference{}
	auth := services.NewAuthService("test-secret", time.Hour)
	ws := NewWebSocketServer(conference, auth, nil, 100, 200, zaptest.NewLogger(t).Sugar())
	ws.SetMaxMessageSize(256)

	server := httptest.NewServer(http.HandlerFunc(ws.HandleWebSocket))
	t.Cleanup(server.Close)

	token, err := auth.GenerateJoinToken("m1", "alice", "Test User")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http")+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	big := strings.Repeat("x", 1024)
	require.NoError(t, conn.WriteJSON(SignalMessage{
		Type:    "quality_report",
		Payload: []byte(`{"padding":"` + big + `"}`),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketServer_ConfigurableTimeouts(t *testing.T) {
	ws := NewWebSocketServer(&fakeConference{},
		services.NewAuthService("test-secret", time.Hour), nil, 1, 1,
		zaptest.NewLogger(t).Sugar())

	ws.SetWriteTimeout(3 * time.Second)
	ws.SetMaxMessageSize(2048)

	assert.Equal(t, 3*time.Second, ws.writeTimeout)
	assert.Equal(t, int64(2048), ws.maxMessageBytes)
}

func TestWebSocketServer_PeersSeeParticipantJoined(t *testing.T) {
	f := newSignalFixture(t)

	alice := f.dial(t, "m1", "alice")
	join(t, alice)

	bob := f.dial(t, "m1", "bob")
	join(t, bob)

	var notice map[string]interface{}
	require.NoError(t, alice.ReadJSON(&notice))
	assert.Equal(t, "participant_joined", notice["type"])
	assert.Equal(t, "bob", notice["user_id"])
}
