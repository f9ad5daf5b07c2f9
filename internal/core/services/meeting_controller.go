package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
)

// StatsRecorder receives controller-level events for export. Implementations
// must be safe for concurrent use.
type StatsRecorder interface {
	RecordMeetingOpened(meetingID domain.MeetingID)
	RecordMeetingClosed(meetingID domain.MeetingID)
	RecordUserJoined()
	RecordUserLeft()
	RecordQualityReport(meetingID domain.MeetingID)
	RecordWorstLoss(meetingID domain.MeetingID, loss float64)
	RecordTierTransition(from, to domain.Tier)
	RecordMatchOutcome(outcome domain.MatchOutcome)
	RecordAckSummary(summary domain.AckSummary)
}

type nopStats struct{}

func (nopStats) RecordMeetingOpened(domain.MeetingID)          {}
func (nopStats) RecordMeetingClosed(domain.MeetingID)          {}
func (nopStats) RecordUserJoined()                             {}
func (nopStats) RecordUserLeft()                               {}
func (nopStats) RecordQualityReport(domain.MeetingID)          {}
func (nopStats) RecordWorstLoss(domain.MeetingID, float64)     {}
func (nopStats) RecordTierTransition(domain.Tier, domain.Tier) {}
func (nopStats) RecordMatchOutcome(domain.MatchOutcome)        {}
func (nopStats) RecordAckSummary(domain.AckSummary)            {}

// ControllerConfig carries the two control-loop periods and the
// timestamp tolerance used when correlating receiver fingerprints.
type ControllerConfig struct {
	EvaluationInterval time.Duration
	SummaryInterval    time.Duration
	ToleranceMs        int64
}

type meetingLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// MeetingController runs one control goroutine per live meeting. The goroutine
// owns the quality-evaluation ticker and the delivery-summary ticker, so tier
// changes and summaries for a given meeting are emitted in order. Loops start
// when the directory reports a meeting created and stop, releasing every piece
// of per-meeting state, when it reports the meeting closed.
type MeetingController struct {
	cfg       ControllerConfig
	directory *DirectoryService
	quality   *QualityAggregator
	engine    *TierEngine
	matcher   *FingerprintMatcher
	delivery  *DeliveryAggregator
	forwarder *ForwardAdapter
	stats     StatsRecorder
	logger    *zap.SugaredLogger

	mu           sync.Mutex
	loops        map[domain.MeetingID]*meetingLoop
	tierHandlers []ports.TierChangeHandler
	ackHandlers  []ports.AckSummaryHandler
}

func NewMeetingController(
	cfg ControllerConfig,
	directory *DirectoryService,
	quality *QualityAggregator,
	engine *TierEngine,
	matcher *FingerprintMatcher,
	delivery *DeliveryAggregator,
	forwarder *ForwardAdapter,
	stats StatsRecorder,
	logger *zap.SugaredLogger,
) *MeetingController {
	if stats == nil {
		stats = nopStats{}
	}

	c := &MeetingController{
		cfg:       cfg,
		directory: directory,
		quality:   quality,
		engine:    engine,
		matcher:   matcher,
		delivery:  delivery,
		forwarder: forwarder,
		stats:     stats,
		logger:    logger,
		loops:     make(map[domain.MeetingID]*meetingLoop),
	}

	directory.OnMeetingCreated(c.startLoop)
	directory.OnMeetingClosed(c.stopLoop)

	return c
}

// OnJoin admits a user into a meeting, creating the meeting and its control
// loop on the first join, and refreshes forwarding membership.
func (c *MeetingController) OnJoin(ctx context.Context, meetingID domain.MeetingID, user *domain.UserSession) error {
	if err := c.directory.RegisterUser(ctx, meetingID, user); err != nil {
		return err
	}
	c.forwarder.RefreshMembership(meetingID)
	c.stats.RecordUserJoined()
	return nil
}

// OnLeave removes a user and their per-meeting state. Removing the last user
// closes the meeting, which stops the control loop.
func (c *MeetingController) OnLeave(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) error {
	c.quality.RemoveUser(meetingID, userID)
	c.delivery.RemoveUser(meetingID, userID)
	c.forwarder.DropConsumer(meetingID, userID)

	if err := c.directory.RemoveUser(ctx, meetingID, userID); err != nil {
		return err
	}
	c.stats.RecordUserLeft()

	// If the meeting survived the departure, remaining receivers may need
	// re-subscription.
	if c.hasLoop(meetingID) {
		c.forwarder.RefreshMembership(meetingID)
	}
	return nil
}

// IngestQualityReport feeds one receiver report into the bounded quality
// window. Reports for meetings without a running loop are dropped.
func (c *MeetingController) IngestQualityReport(report domain.QualityReport) {
	if !c.hasLoop(report.MeetingID) {
		c.logger.Debugw("dropping quality report for inactive meeting",
			"meeting_id", report.MeetingID, "user_id", report.UserID)
		return
	}
	c.quality.Ingest(report)
	if err := c.directory.TouchReport(context.Background(), report.MeetingID, report.UserID); err != nil {
		c.logger.Debugw("touch report failed", "meeting_id", report.MeetingID, "error", err)
	}
	c.stats.RecordQualityReport(report.MeetingID)
}

// IngestSenderFingerprint records a sender-side frame fingerprint for later
// correlation. Entries expire on their own if no receiver ever reports.
func (c *MeetingController) IngestSenderFingerprint(fp domain.FrameFingerprint) {
	if !c.hasLoop(fp.MeetingID) {
		return
	}
	c.matcher.RecordSenderFingerprint(fp)
}

// IngestReceiverFingerprint correlates a receiver-side fingerprint with the
// sender record, classifies the outcome and tallies it for the next summary.
func (c *MeetingController) IngestReceiverFingerprint(fp domain.FrameFingerprint) {
	if !c.hasLoop(fp.MeetingID) {
		return
	}
	outcome, _ := c.matcher.MatchAndVerify(fp, c.cfg.ToleranceMs)
	c.delivery.Record(fp.MeetingID, fp.ReceiverID, fp.SenderID, outcome)
	c.stats.RecordMatchOutcome(outcome)
}

// OnTierChange registers a handler for committed tier transitions. Handlers
// run on the meeting's control goroutine, so calls for one meeting are
// ordered; they must not block.
func (c *MeetingController) OnTierChange(handler ports.TierChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tierHandlers = append(c.tierHandlers, handler)
}

// OnAckSummary registers a handler for periodic delivery summaries.
func (c *MeetingController) OnAckSummary(handler ports.AckSummaryHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackHandlers = append(c.ackHandlers, handler)
}

// Stop cancels every control loop and waits for them to exit.
func (c *MeetingController) Stop() {
	c.mu.Lock()
	loops := make([]*meetingLoop, 0, len(c.loops))
	for id, loop := range c.loops {
		loop.cancel()
		loops = append(loops, loop)
		delete(c.loops, id)
	}
	c.mu.Unlock()

	for _, loop := range loops {
		<-loop.done
	}
}

func (c *MeetingController) startLoop(meetingID domain.MeetingID) {
	c.mu.Lock()
	if _, exists := c.loops[meetingID]; exists {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &meetingLoop{cancel: cancel, done: make(chan struct{})}
	c.loops[meetingID] = loop
	c.mu.Unlock()

	c.quality.TrackMeeting(meetingID)
	c.engine.TrackMeeting(meetingID)
	c.delivery.TrackMeeting(meetingID)
	c.stats.RecordMeetingOpened(meetingID)

	c.logger.Infow("meeting control loop started", "meeting_id", meetingID)

	go c.run(ctx, meetingID, loop)
}

func (c *MeetingController) stopLoop(meetingID domain.MeetingID) {
	c.mu.Lock()
	loop, exists := c.loops[meetingID]
	if exists {
		delete(c.loops, meetingID)
	}
	c.mu.Unlock()

	if !exists {
		return
	}

	loop.cancel()
	<-loop.done

	c.quality.DropMeeting(meetingID)
	c.engine.DropMeeting(meetingID)
	c.delivery.DropMeeting(meetingID)
	c.matcher.DropMeeting(meetingID)
	c.forwarder.DropMeeting(meetingID)
	c.stats.RecordMeetingClosed(meetingID)

	c.logger.Infow("meeting control loop stopped", "meeting_id", meetingID)
}

func (c *MeetingController) run(ctx context.Context, meetingID domain.MeetingID, loop *meetingLoop) {
	defer close(loop.done)

	evalTicker := time.NewTicker(c.cfg.EvaluationInterval)
	defer evalTicker.Stop()
	summaryTicker := time.NewTicker(c.cfg.SummaryInterval)
	defer summaryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-evalTicker.C:
			c.evaluate(ctx, meetingID)
		case <-summaryTicker.C:
			c.summarize(meetingID)
		}
	}
}

func (c *MeetingController) evaluate(ctx context.Context, meetingID domain.MeetingID) {
	worst, hasData := c.quality.WorstLoss(meetingID)
	if hasData {
		c.stats.RecordWorstLoss(meetingID, worst)
	}

	from, to, changed := c.engine.Evaluate(meetingID, worst, hasData)
	if !changed {
		return
	}

	if err := c.directory.SetTier(ctx, meetingID, to); err != nil {
		c.logger.Warnw("failed to persist tier", "meeting_id", meetingID, "tier", to, "error", err)
	}
	c.forwarder.ApplyTier(meetingID, to)
	c.stats.RecordTierTransition(from, to)

	for _, handler := range c.tierChangeHandlers() {
		handler(meetingID, from, to)
	}
}

func (c *MeetingController) summarize(meetingID domain.MeetingID) {
	summaries := c.delivery.Flush(meetingID)
	if len(summaries) == 0 {
		return
	}

	handlers := c.ackSummaryHandlers()
	for _, summary := range summaries {
		c.stats.RecordAckSummary(summary)
		for _, handler := range handlers {
			handler(summary)
		}
	}
}

func (c *MeetingController) hasLoop(meetingID domain.MeetingID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loops[meetingID]
	return ok
}

func (c *MeetingController) tierChangeHandlers() []ports.TierChangeHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.TierChangeHandler(nil), c.tierHandlers...)
}

func (c *MeetingController) ackSummaryHandlers() []ports.AckSummaryHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.AckSummaryHandler(nil), c.ackHandlers...)
}
