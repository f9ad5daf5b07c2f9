package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"voicebridge/internal/core/domain"
)

// PrometheusCollector implements the controller's StatsRecorder on top of
// prometheus metrics.
type PrometheusCollector struct {
	meetingsActive    prometheus.Gauge
	participantsTotal prometheus.Gauge
	reportsTotal      prometheus.Counter
	summariesTotal    prometheus.Counter

	tierTransitions *prometheus.CounterVec
	matchOutcomes   *prometheus.CounterVec
	worstLoss       *prometheus.GaugeVec

	deliverySuccessRatio prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		meetingsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_meetings_active",
			Help: "Number of live meetings",
		}),

		participantsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_participants_total",
			Help: "Number of connected participants across all meetings",
		}),

		reportsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_quality_reports_total",
			Help: "Total number of receiver quality reports ingested",
		}),

		summariesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_ack_summaries_total",
			Help: "Total number of delivery summaries emitted",
		}),

		tierTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_tier_transitions_total",
			Help: "Tier transitions by direction",
		}, []string{"from", "to"}),

		matchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_fingerprint_outcomes_total",
			Help: "Receiver fingerprint correlation outcomes",
		}, []string{"outcome"}),

		worstLoss: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicebridge_meeting_worst_loss_fraction",
			Help: "Worst-case fraction lost observed across a meeting's receivers",
		}, []string{"meeting_id"}),

		deliverySuccessRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_delivery_success_ratio",
			Help:    "Per-summary ratio of verified frames to reported frames",
			Buckets: []float64{0.5, 0.75, 0.9, 0.95, 0.99, 1},
		}),
	}
}

func (p *PrometheusCollector) RecordMeetingOpened(meetingID domain.MeetingID) {
	p.meetingsActive.Inc()
}

func (p *PrometheusCollector) RecordMeetingClosed(meetingID domain.MeetingID) {
	p.meetingsActive.Dec()
	p.ClearMeeting(meetingID)
}

func (p *PrometheusCollector) RecordUserJoined() {
	p.participantsTotal.Inc()
}

func (p *PrometheusCollector) RecordUserLeft() {
	p.participantsTotal.Dec()
}

func (p *PrometheusCollector) RecordQualityReport(meetingID domain.MeetingID) {
	p.reportsTotal.Inc()
}

func (p *PrometheusCollector) RecordWorstLoss(meetingID domain.MeetingID, loss float64) {
	p.worstLoss.WithLabelValues(string(meetingID)).Set(loss)
}

func (p *PrometheusCollector) RecordTierTransition(from, to domain.Tier) {
	p.tierTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (p *PrometheusCollector) RecordMatchOutcome(outcome domain.MatchOutcome) {
	p.matchOutcomes.WithLabelValues(outcome.String()).Inc()
}

func (p *PrometheusCollector) RecordAckSummary(summary domain.AckSummary) {
	p.summariesTotal.Inc()
	if summary.TotalCount > 0 {
		p.deliverySuccessRatio.Observe(float64(summary.SuccessCount) / float64(summary.TotalCount))
	}
}

// ClearMeeting removes labeled series for a closed meeting so the registry
// does not grow without bound.
func (p *PrometheusCollector) ClearMeeting(meetingID domain.MeetingID) {
	p.worstLoss.DeleteLabelValues(string(meetingID))
}
