package services

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"

	"voicebridge/internal/core/domain"
	"voicebridge/internal/core/ports"
)

const (
	forwardWorkers     = 8
	forwardTimeout     = 3 * time.Second
	membershipDebounce = 500 * time.Millisecond
)

// ForwardAdapter translates a tier decision into the forwarding unit's
// per-receiver layer-selection calls. Fan-out runs on a worker pool so the
// decision tick never waits on the media plane, and a failed consumer never
// aborts the rest: it self-heals the next time the tier is applied.
type ForwardAdapter struct {
	unit      ports.ForwardingUnit
	directory ports.Directory
	logger    *zap.SugaredLogger
	pool      *workerpool.WorkerPool

	mu         sync.Mutex
	refreshers map[domain.MeetingID]func(func())
}

func NewForwardAdapter(unit ports.ForwardingUnit, directory ports.Directory, logger *zap.SugaredLogger) *ForwardAdapter {
	return &ForwardAdapter{
		unit:       unit,
		directory:  directory,
		logger:     logger,
		pool:       workerpool.New(forwardWorkers),
		refreshers: make(map[domain.MeetingID]func(func())),
	}
}

// ApplyTier asynchronously issues a layer-selection command for every
// active receiver in the meeting. Calling it again with the same tier
// issues the same commands; it never produces client notifications.
func (f *ForwardAdapter) ApplyTier(meetingID domain.MeetingID, tier domain.Tier) {
	f.pool.Submit(func() {
		f.fanOut(meetingID, tier)
	})
}

// RefreshMembership re-applies the meeting's current tier after a join or a
// consumer failure, debounced so a burst of joins produces one fan-out.
func (f *ForwardAdapter) RefreshMembership(meetingID domain.MeetingID) {
	f.mu.Lock()
	d, exists := f.refreshers[meetingID]
	if !exists {
		d = debounce.New(membershipDebounce)
		f.refreshers[meetingID] = d
	}
	f.mu.Unlock()

	d(func() {
		f.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
			defer cancel()

			meeting, err := f.directory.GetMeeting(ctx, meetingID)
			if err != nil {
				// meeting already gone, nothing to refresh
				return
			}
			f.fanOut(meetingID, meeting.Tier)
		})
	})
}

// DropConsumer releases any per-consumer state the forwarding unit keeps
// for a departed receiver.
func (f *ForwardAdapter) DropConsumer(meetingID domain.MeetingID, receiverID domain.UserID) {
	if u, ok := f.unit.(interface {
		DropConsumer(domain.MeetingID, domain.UserID)
	}); ok {
		u.DropConsumer(meetingID, receiverID)
	}
}

// DropMeeting forgets the meeting's debouncer and any per-meeting state
// the forwarding unit keeps.
func (f *ForwardAdapter) DropMeeting(meetingID domain.MeetingID) {
	f.mu.Lock()
	delete(f.refreshers, meetingID)
	f.mu.Unlock()

	if u, ok := f.unit.(interface{ DropMeeting(domain.MeetingID) }); ok {
		u.DropMeeting(meetingID)
	}
}

// Stop drains queued fan-outs and stops the pool.
func (f *ForwardAdapter) Stop() {
	f.pool.StopWait()
}

func (f *ForwardAdapter) fanOut(meetingID domain.MeetingID, tier domain.Tier) {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	receivers, err := f.directory.ListReceivers(ctx, meetingID, "")
	if err != nil {
		f.logger.Warnw("cannot list receivers for tier fan-out",
			"meeting_id", meetingID,
			"tier", tier.String(),
			"error", err,
		)
		return
	}

	failures := 0
	for _, receiver := range receivers {
		if err := f.unit.SelectLayer(ctx, meetingID, receiver.UserID, tier); err != nil {
			failures++
			f.logger.Warnw("layer selection failed for consumer",
				"meeting_id", meetingID,
				"user_id", receiver.UserID,
				"tier", tier.String(),
				"error", err,
			)
		}
	}

	f.logger.Debugw("tier applied",
		"meeting_id", meetingID,
		"tier", tier.String(),
		"receivers", len(receivers),
		"failures", failures,
	)
}
