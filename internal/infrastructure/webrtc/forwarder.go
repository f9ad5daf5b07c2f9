package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
	"voicebridge/pkg/utils"
)

// Config carries the transport settings of the forwarding unit.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	MaxBitrate int
}

// AudioForwarder is the pion-backed forwarding unit. Each sender publishes
// three tiered audio encodings (RID "low"/"medium"/"high"); the forwarder
// keeps a local track per tier and switches which one a receiver gets by
// replacing the track on the receiver's RTP sender. It also fingerprints
// forwarded frames and converts receiver reports into quality reports, both
// fed back into the conference core.
type AudioForwarder struct {
	config     Config
	conference ports.Conference

	publishers  map[participantKey]*publisher
	subscribers map[participantKey]*subscriber
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

// BindConference attaches the conference surface after construction. The
// forwarder and the conference core reference each other, so one side has to
// bind late; fingerprints and reports are dropped until this is called.
func (f *AudioForwarder) BindConference(conference ports.Conference) {
	f.mu.Lock()
	f.conference = conference
	f.mu.Unlock()
}

func (f *AudioForwarder) conferenceRef() ports.Conference {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.conference
}

type participantKey struct {
	meetingID domain.MeetingID
	userID    domain.UserID
}

type publisher struct {
	meetingID  domain.MeetingID
	userID     domain.UserID
	pc         *webrtc.PeerConnection
	tierTracks map[domain.Tier]*webrtc.TrackLocalStaticRTP
	createdAt  time.Time
}

type subscriber struct {
	meetingID domain.MeetingID
	userID    domain.UserID
	pc        *webrtc.PeerConnection

	// one RTP sender per source the receiver is subscribed to
	senders map[domain.UserID]*webrtc.RTPSender
	tier    domain.Tier

	createdAt time.Time
}

func NewAudioForwarder(config Config, logger *zap.SugaredLogger) *AudioForwarder {
	return &AudioForwarder{
		config:      config,
		publishers:  make(map[participantKey]*publisher),
		subscribers: make(map[participantKey]*subscriber),
		logger:      logger,
	}
}

// SelectLayer switches the tier forwarded to one receiver. Every source the
// receiver is subscribed to is moved to the source's track of the requested
// tier in one pass.
func (f *AudioForwarder) SelectLayer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, tier domain.Tier) error {
	f.mu.RLock()
	sub, exists := f.subscribers[participantKey{meetingID: meetingID, userID: receiverID}]
	f.mu.RUnlock()

	if !exists {
		return domain.ErrConsumerNotFound
	}

	var firstErr error
	for sourceID, sender := range sub.senders {
		track := f.tierTrack(meetingID, sourceID, tier)
		if track == nil {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			f.logger.Warnw("failed to switch tier track",
				"meeting_id", meetingID,
				"receiver_id", receiverID,
				"source_id", sourceID,
				"tier", tier,
				"error", err,
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("replace track for source %s: %w", sourceID, err)
			}
		}
	}

	if firstErr != nil {
		return firstErr
	}

	f.mu.Lock()
	sub.tier = tier
	f.mu.Unlock()

	return nil
}

// CreatePublisherOffer sets up the sender-side peer connection. The sender is
// expected to publish three simulcast encodings whose RIDs name the tiers.
func (f *AudioForwarder) CreatePublisherOffer(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) (webrtc.SessionDescription, error) {
	pc, err := f.createPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	tierTracks := make(map[domain.Tier]*webrtc.TrackLocalStaticRTP)
	for _, tier := range []domain.Tier{domain.TierLow, domain.TierMedium, domain.TierHigh} {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			fmt.Sprintf("audio-%s", tier),
			fmt.Sprintf("%s-%s", meetingID, userID),
		)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		tierTracks[tier] = track
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return webrtc.SessionDescription{}, err
	}

	pub := &publisher{
		meetingID:  meetingID,
		userID:     userID,
		pc:         pc,
		tierTracks: tierTracks,
		createdAt:  time.Now(),
	}

	pc.OnTrack(f.handlePublisherTrack(pub))
	pc.OnConnectionStateChange(f.handleConnectionState(meetingID, userID))

	f.mu.Lock()
	f.publishers[participantKey{meetingID: meetingID, userID: userID}] = pub
	f.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	return offer, nil
}

// HandlePublisherAnswer completes the sender-side negotiation.
func (f *AudioForwarder) HandlePublisherAnswer(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID, answer webrtc.SessionDescription) error {
	f.mu.RLock()
	pub, exists := f.publishers[participantKey{meetingID: meetingID, userID: userID}]
	f.mu.RUnlock()

	if !exists {
		return domain.ErrUserNotFound
	}
	return pub.pc.SetRemoteDescription(answer)
}

// CreateSubscriberOffer sets up the receiver-side peer connection, attaching
// one track per source at the given starting tier.
func (f *AudioForwarder) CreateSubscriberOffer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, sources []domain.UserID, tier domain.Tier) (webrtc.SessionDescription, error) {
	pc, err := f.createPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	sub := &subscriber{
		meetingID: meetingID,
		userID:    receiverID,
		pc:        pc,
		senders:   make(map[domain.UserID]*webrtc.RTPSender),
		tier:      tier,
		createdAt: time.Now(),
	}

	for _, sourceID := range sources {
		track := f.tierTrack(meetingID, sourceID, tier)
		if track == nil {
			f.logger.Warnw("source has no published track yet",
				"meeting_id", meetingID, "source_id", sourceID, "tier", tier)
			continue
		}

		sender, err := pc.AddTrack(track)
		if err != nil {
			f.logger.Warnw("failed to add track to subscriber",
				"meeting_id", meetingID,
				"receiver_id", receiverID,
				"source_id", sourceID,
				"error", err,
			)
			continue
		}
		sub.senders[sourceID] = sender

		go f.processRTCP(meetingID, receiverID, sender)
	}

	pc.OnConnectionStateChange(f.handleConnectionState(meetingID, receiverID))

	f.mu.Lock()
	f.subscribers[participantKey{meetingID: meetingID, userID: receiverID}] = sub
	f.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	return offer, nil
}

// HandleSubscriberAnswer completes the receiver-side negotiation.
func (f *AudioForwarder) HandleSubscriberAnswer(ctx context.Context, meetingID domain.MeetingID, receiverID domain.UserID, answer webrtc.SessionDescription) error {
	f.mu.RLock()
	sub, exists := f.subscribers[participantKey{meetingID: meetingID, userID: receiverID}]
	f.mu.RUnlock()

	if !exists {
		return domain.ErrConsumerNotFound
	}
	return sub.pc.SetRemoteDescription(answer)
}

// DropConsumer tears down media state for one leaving user.
func (f *AudioForwarder) DropConsumer(meetingID domain.MeetingID, userID domain.UserID) {
	f.RemoveParticipant(meetingID, userID)
}

// DropMeeting closes every peer connection belonging to a meeting.
func (f *AudioForwarder) DropMeeting(meetingID domain.MeetingID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, pub := range f.publishers {
		if key.meetingID != meetingID {
			continue
		}
		if pub.pc != nil {
			pub.pc.Close()
		}
		delete(f.publishers, key)
	}
	for key, sub := range f.subscribers {
		if key.meetingID != meetingID {
			continue
		}
		if sub.pc != nil {
			sub.pc.Close()
		}
		delete(f.subscribers, key)
	}
}

// RemoveParticipant tears down a user's publisher and subscriber state.
func (f *AudioForwarder) RemoveParticipant(meetingID domain.MeetingID, userID domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := participantKey{meetingID: meetingID, userID: userID}

	if pub, exists := f.publishers[key]; exists {
		if pub.pc != nil {
			pub.pc.Close()
		}
		delete(f.publishers, key)
	}

	if sub, exists := f.subscribers[key]; exists {
		if sub.pc != nil {
			sub.pc.Close()
		}
		delete(f.subscribers, key)
	}
}

func (f *AudioForwarder) createPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}

	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// handlePublisherTrack forwards one simulcast encoding. The RID names the
// tier the encoding belongs to.
func (f *AudioForwarder) handlePublisherTrack(pub *publisher) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		tier := domain.ParseTier(track.RID())

		f.logger.Infow("sender started publishing encoding",
			"meeting_id", pub.meetingID,
			"user_id", pub.userID,
			"rid", track.RID(),
			"tier", tier,
			"codec", track.Codec().MimeType,
		)

		go f.forwardTrack(pub, tier, track)
	}
}

// forwardTrack copies RTP from one publisher encoding onto the matching tier
// track. Each forwarded packet is an audio frame; its payload digest is
// recorded as the sender-side fingerprint.
func (f *AudioForwarder) forwardTrack(pub *publisher, tier domain.Tier, track *webrtc.TrackRemote) {
	local := pub.tierTracks[tier]
	packetBuffer := make([]byte, 1500) // MTU size
	rtpPacket := &rtp.Packet{}

	for {
		n, _, err := track.Read(packetBuffer)
		if err != nil {
			f.logger.Warnw("error reading track",
				"meeting_id", pub.meetingID,
				"user_id", pub.userID,
				"tier", tier,
				"error", err,
			)
			break
		}

		if err := rtpPacket.Unmarshal(packetBuffer[:n]); err != nil {
			f.logger.Warnw("error unmarshaling RTP packet",
				"meeting_id", pub.meetingID,
				"tier", tier,
				"error", err,
			)
			continue
		}

		if err := local.WriteRTP(rtpPacket); err != nil {
			f.logger.Warnw("error writing RTP packet to tier track",
				"meeting_id", pub.meetingID,
				"tier", tier,
				"error", err,
			)
			// keep forwarding even if one write fails
		}

		conference := f.conferenceRef()
		if conference == nil {
			continue
		}
		conference.IngestSenderFingerprint(domain.FrameFingerprint{
			FrameID:     domain.FrameID(fmt.Sprintf("%d-%d", rtpPacket.SSRC, rtpPacket.SequenceNumber)),
			MeetingID:   pub.meetingID,
			SenderID:    pub.userID,
			Hash:        utils.HashFrame(rtpPacket.Payload),
			TransportTS: time.Now().UnixMilli(),
			ReceivedAt:  time.Now(),
		})
	}
}

// processRTCP turns receiver reports on one outgoing track into quality
// reports attributed to the receiving user.
func (f *AudioForwarder) processRTCP(meetingID domain.MeetingID, receiverID domain.UserID, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			f.logger.Debugw("rtcp reader stopped",
				"meeting_id", meetingID, "receiver_id", receiverID, "error", err)
			return
		}

		conference := f.conferenceRef()
		if conference == nil {
			continue
		}

		for _, packet := range packets {
			rr, ok := packet.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				var rttMs float64
				if report.LastSenderReport != 0 && report.Delay != 0 {
					rttMs = float64(report.Delay) * 1000.0 / 65536.0
				}
				conference.IngestQualityReport(domain.QualityReport{
					UserID:       receiverID,
					MeetingID:    meetingID,
					FractionLost: float64(report.FractionLost) / 255.0,
					JitterMs:     float64(report.Jitter),
					RTTMs:        rttMs,
					Timestamp:    time.Now(),
				})
			}
		}
	}
}

func (f *AudioForwarder) handleConnectionState(meetingID domain.MeetingID, userID domain.UserID) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		f.logger.Infow("peer connection state changed",
			"meeting_id", meetingID,
			"user_id", userID,
			"connection_state", state,
		)

		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			f.RemoveParticipant(meetingID, userID)
		}
	}
}

func (f *AudioForwarder) tierTrack(meetingID domain.MeetingID, sourceID domain.UserID, tier domain.Tier) *webrtc.TrackLocalStaticRTP {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pub, exists := f.publishers[participantKey{meetingID: meetingID, userID: sourceID}]
	if !exists {
		return nil
	}
	return pub.tierTracks[tier]
}
