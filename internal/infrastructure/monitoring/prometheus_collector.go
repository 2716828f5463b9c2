package monitoring

import (
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector turns bus events into metrics.
type PrometheusCollector struct {
	// Counters
	transitionsTotal        *prometheus.CounterVec
	invalidTransitionsTotal *prometheus.CounterVec
	qualityAlertsTotal      *prometheus.CounterVec
	adaptationsTotal        *prometheus.CounterVec
	sfuFallbacksTotal       *prometheus.CounterVec
	sessionErrorsTotal      *prometheus.CounterVec

	// Gauges
	callsActive          prometheus.Gauge
	callQualityLevel     *prometheus.GaugeVec
	roomParticipants     *prometheus.GaugeVec
	roomTransportBitrate *prometheus.GaugeVec

	// Histograms
	callRTT        prometheus.Histogram
	callPacketLoss *prometheus.HistogramVec
	httpDuration   *prometheus.HistogramVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_call_transitions_total",
			Help: "Call state transitions",
		}, []string{"from", "to"}),

		invalidTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_call_invalid_transitions_total",
			Help: "Rejected call state transitions",
		}, []string{"from", "to"}),

		qualityAlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_quality_alerts_total",
			Help: "Quality alerts raised by the monitor",
		}, []string{"type", "metric"}),

		adaptationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_bandwidth_adaptations_total",
			Help: "Video tier changes decided by the bandwidth manager",
		}, []string{"direction"}),

		sfuFallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_sfu_fallbacks_total",
			Help: "Local fallbacks taken because the SFU was unreachable",
		}, []string{"operation"}),

		sessionErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callengine_session_errors_total",
			Help: "Group session operation failures",
		}, []string{"operation", "code"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callengine_calls_active",
			Help: "Calls currently registered",
		}),

		callQualityLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callengine_call_quality_level",
			Help: "Overall quality per call (0 excellent .. 4 critical)",
		}, []string{"call_id"}),

		roomParticipants: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callengine_room_participants",
			Help: "Remote participants per room",
		}, []string{"room_id"}),

		roomTransportBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callengine_room_available_bitrate_kbps",
			Help: "Available outgoing bitrate of the room's transports",
		}, []string{"room_id"}),

		callRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callengine_call_rtt_seconds",
			Help:    "Round-trip time of sampled calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.3, 0.5, 1},
		}),

		callPacketLoss: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callengine_call_packet_loss_percent",
			Help:    "Packet loss of sampled calls per media kind",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20},
		}, []string{"kind"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callengine_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Attach subscribes the collector to bus and returns the unsubscribe func.
func (p *PrometheusCollector) Attach(bus ports.EventSubscriber) func() {
	return bus.Subscribe(p.Handle)
}

func (p *PrometheusCollector) Handle(event domain.Event) {
	switch payload := event.Payload.(type) {
	case domain.StateChangePayload:
		p.transitionsTotal.WithLabelValues(string(payload.From), string(payload.To)).Inc()
	case domain.InvalidTransitionPayload:
		p.invalidTransitionsTotal.WithLabelValues(string(payload.From), string(payload.To)).Inc()
	case domain.QualityChangePayload:
		p.callQualityLevel.WithLabelValues(string(event.CallID)).Set(float64(payload.Current.Severity()))
	case domain.QualityAlert:
		p.qualityAlertsTotal.WithLabelValues(string(payload.Type), payload.Metric).Inc()
	case domain.QualitySample:
		if payload.RTT > 0 {
			p.callRTT.Observe(payload.RTT / 1000)
		}
		if payload.Audio.Measured {
			p.callPacketLoss.WithLabelValues(string(domain.MediaKindAudio)).Observe(payload.Audio.PacketLoss)
		}
		if payload.Video.Measured {
			p.callPacketLoss.WithLabelValues(string(domain.MediaKindVideo)).Observe(payload.Video.PacketLoss)
		}
	case domain.AdaptationPayload:
		switch {
		case payload.Decision.ShouldReduce:
			p.adaptationsTotal.WithLabelValues("reduce").Inc()
		case payload.Decision.ShouldIncrease:
			p.adaptationsTotal.WithLabelValues("increase").Inc()
		}
	case domain.FallbackPayload:
		p.sfuFallbacksTotal.WithLabelValues(payload.Operation).Inc()
	case domain.SessionErrorPayload:
		p.sessionErrorsTotal.WithLabelValues(payload.Operation, payload.Code).Inc()
	case domain.SessionStatePayload:
		if payload.To == domain.SessionClosed {
			p.roomParticipants.DeleteLabelValues(string(event.RoomID))
			p.roomTransportBitrate.DeleteLabelValues(string(event.RoomID))
		}
	case domain.SessionStats:
		if payload.Transport != nil {
			p.roomTransportBitrate.WithLabelValues(string(payload.RoomID)).Set(payload.Transport.AvailableBitrate)
		}
	}

	switch event.Type {
	case domain.EventCallCreated:
		p.callsActive.Inc()
	case domain.EventCallRemoved:
		p.callsActive.Dec()
		p.callQualityLevel.DeleteLabelValues(string(event.CallID))
	case domain.EventParticipantJoined:
		p.roomParticipants.WithLabelValues(string(event.RoomID)).Inc()
	case domain.EventParticipantLeft:
		p.roomParticipants.WithLabelValues(string(event.RoomID)).Dec()
	}
}

// ObserveHTTPRequest records one API request.
func (p *PrometheusCollector) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpDuration.WithLabelValues(method, route, statusClass(status)).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
