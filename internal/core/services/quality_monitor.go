package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"
	"callengine/pkg/periodic"
	"callengine/pkg/ring"

	"go.uber.org/zap"
)

type QualityMonitorConfig struct {
	Interval      time.Duration
	HistorySize   int
	AlertCooldown time.Duration
	AlertsEnabled bool
	Thresholds    domain.QualityThresholds
}

func DefaultQualityMonitorConfig() QualityMonitorConfig {
	return QualityMonitorConfig{
		Interval:      2 * time.Second,
		HistorySize:   150,
		AlertCooldown: 10 * time.Second,
		AlertsEnabled: true,
		Thresholds:    domain.DefaultQualityThresholds(),
	}
}

type QualityChangeObserver func(previous, current domain.QualityLevel, sample domain.QualitySample)

// QualityMonitor samples a stats provider on an interval and turns counter
// deltas into quality levels and alerts.
type QualityMonitor struct {
	cfg    QualityMonitorConfig
	callID domain.CallID
	clock  clock.Clock
	bus    ports.EventPublisher
	logger *zap.SugaredLogger
	task   *periodic.Task

	mu           sync.Mutex
	provider     ports.StatsProvider
	samples      *ring.Buffer[domain.QualitySample]
	prevInbound  map[string]domain.InboundRTPStats
	prevOutbound map[string]domain.OutboundRTPStats
	prevTime     time.Time
	lastLevel    domain.QualityLevel
	lastAlert    map[string]time.Time

	onSample []func(domain.QualitySample)
	onChange []QualityChangeObserver
	onAlert  []func(domain.QualityAlert)
}

func NewQualityMonitor(callID domain.CallID, cfg QualityMonitorConfig, bus ports.EventPublisher, logger *zap.SugaredLogger) *QualityMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 150
	}

	q := &QualityMonitor{
		cfg:          cfg,
		callID:       callID,
		clock:        clock.Real{},
		bus:          publisherOrNop(bus),
		logger:       logger,
		samples:      ring.New[domain.QualitySample](cfg.HistorySize),
		prevInbound:  make(map[string]domain.InboundRTPStats),
		prevOutbound: make(map[string]domain.OutboundRTPStats),
		lastAlert:    make(map[string]time.Time),
	}
	q.task = periodic.New(cfg.Interval, q.collect, periodic.WithImmediate())
	return q
}

// SetClock replaces the time source. Intended for tests.
func (q *QualityMonitor) SetClock(c clock.Clock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = c
}

// Start begins sampling provider. The first cycle only records a baseline.
// Calling Start while running restarts with a fresh baseline.
func (q *QualityMonitor) Start(ctx context.Context, provider ports.StatsProvider) error {
	if provider == nil {
		return domain.ErrNoStatsProvider
	}
	q.Stop()

	q.mu.Lock()
	q.provider = provider
	q.mu.Unlock()

	q.task.Start(ctx)
	q.logger.Debugw("quality monitor started", "call_id", q.callID, "interval", q.cfg.Interval)
	return nil
}

// Stop halts sampling and clears the diff baseline. Safe to call repeatedly.
func (q *QualityMonitor) Stop() {
	q.task.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetBaselineLocked()
}

func (q *QualityMonitor) Running() bool {
	return q.task.Running()
}

func (q *QualityMonitor) resetBaselineLocked() {
	q.prevInbound = make(map[string]domain.InboundRTPStats)
	q.prevOutbound = make(map[string]domain.OutboundRTPStats)
	q.prevTime = time.Time{}
	q.lastLevel = ""
}

func (q *QualityMonitor) OnSample(fn func(domain.QualitySample)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSample = append(q.onSample, fn)
}

func (q *QualityMonitor) OnQualityChange(fn QualityChangeObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = append(q.onChange, fn)
}

func (q *QualityMonitor) OnAlert(fn func(domain.QualityAlert)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onAlert = append(q.onAlert, fn)
}

func (q *QualityMonitor) collect(ctx context.Context) {
	q.mu.Lock()
	provider := q.provider
	q.mu.Unlock()
	if provider == nil {
		return
	}

	report, err := provider.GetStats(ctx)
	if err != nil {
		q.logger.Warnw("stats collection failed, skipping cycle",
			"call_id", q.callID,
			"error", err,
		)
		return
	}
	q.process(report)
}

type qualityNotifications struct {
	sample   domain.QualitySample
	changed  bool
	previous domain.QualityLevel
	alerts   []domain.QualityAlert

	onSample []func(domain.QualitySample)
	onChange []QualityChangeObserver
	onAlert  []func(domain.QualityAlert)
}

// process folds one raw report into the monitor. Baseline cycles only seed
// the diff state and produce no sample.
func (q *QualityMonitor) process(report domain.StatsReport) {
	q.mu.Lock()
	now := q.clock.Now()
	baseline := q.prevTime.IsZero()
	elapsed := now.Sub(q.prevTime).Seconds()

	sample := domain.QualitySample{Timestamp: now}
	if !baseline && elapsed > 0 {
		var audio, video mediaCounters
		sample.Audio, audio = q.deriveMediaLocked(report, domain.MediaKindAudio, elapsed)
		sample.Video, video = q.deriveMediaLocked(report, domain.MediaKindVideo, elapsed)
		if pair, ok := report.ActiveCandidatePair(); ok {
			sample.RTT = pair.CurrentRoundTripTime * 1000
			sample.AvailableBitrate = pair.AvailableOutgoingBitrate / 1000
		}
		sample.Network = domain.NetworkStat{
			RTT:              sample.RTT,
			Jitter:           maxFloat(sample.Audio.Jitter, sample.Video.Jitter),
			PacketsLost:      audio.lost + video.lost,
			PacketsReceived:  audio.recvPackets + video.recvPackets,
			BytesReceived:    audio.recvBytes + video.recvBytes,
			BytesSent:        audio.sentBytes + video.sentBytes,
			AvailableBitrate: sample.AvailableBitrate,
			Timestamp:        now,
		}
	}

	q.prevInbound = make(map[string]domain.InboundRTPStats, len(report.Inbound))
	for _, s := range report.Inbound {
		q.prevInbound[s.ID] = s
	}
	q.prevOutbound = make(map[string]domain.OutboundRTPStats, len(report.Outbound))
	for _, s := range report.Outbound {
		q.prevOutbound[s.ID] = s
	}
	q.prevTime = now

	if baseline || elapsed <= 0 {
		q.mu.Unlock()
		return
	}

	sample.AudioLevel = classifyMedia(sample.Audio, q.cfg.Thresholds.Audio, false)
	sample.VideoLevel = classifyMedia(sample.Video, q.cfg.Thresholds.Video, true)
	sample.NetworkLevel = classifyNetwork(sample.RTT, q.cfg.Thresholds.Network)
	sample.Overall = domain.WorstQuality(sample.AudioLevel, sample.VideoLevel, sample.NetworkLevel)
	q.samples.Push(sample)

	n := qualityNotifications{
		sample:   sample,
		previous: q.lastLevel,
		changed:  sample.Overall != q.lastLevel,
		onSample: slices.Clone(q.onSample),
		onChange: slices.Clone(q.onChange),
		onAlert:  slices.Clone(q.onAlert),
	}
	if q.cfg.AlertsEnabled {
		if n.changed && n.previous != "" {
			n.alerts = append(n.alerts, overallAlert(n.previous, sample, now))
		}
		n.alerts = append(n.alerts, q.metricAlertsLocked(sample, now)...)
	}
	q.lastLevel = sample.Overall
	q.mu.Unlock()

	q.notify(n)
}

func (q *QualityMonitor) notify(n qualityNotifications) {
	for _, fn := range n.onSample {
		fn(n.sample)
	}
	q.bus.Publish(domain.Event{
		Type:    domain.EventQualitySample,
		CallID:  q.callID,
		Payload: n.sample,
	})

	if n.changed {
		q.logger.Infow("call quality changed",
			"call_id", q.callID,
			"from", n.previous,
			"to", n.sample.Overall,
			"rtt_ms", n.sample.RTT,
			"audio_loss_pct", n.sample.Audio.PacketLoss,
			"video_loss_pct", n.sample.Video.PacketLoss,
		)
		for _, fn := range n.onChange {
			fn(n.previous, n.sample.Overall, n.sample)
		}
		q.bus.Publish(domain.Event{
			Type:   domain.EventQualityChanged,
			CallID: q.callID,
			Payload: domain.QualityChangePayload{
				Previous: n.previous,
				Current:  n.sample.Overall,
				Sample:   n.sample,
			},
		})
	}

	for _, alert := range n.alerts {
		for _, fn := range n.onAlert {
			fn(alert)
		}
		q.bus.Publish(domain.Event{
			Type:    domain.EventQualityAlert,
			CallID:  q.callID,
			Payload: alert,
		})
	}
}

// mediaCounters are the summed counter deltas behind one MediaMetrics.
type mediaCounters struct {
	recvBytes, sentBytes uint64
	recvPackets, lost    uint64
}

func (q *QualityMonitor) deriveMediaLocked(report domain.StatsReport, kind domain.MediaKind, elapsed float64) (domain.MediaMetrics, mediaCounters) {
	var (
		m                        domain.MediaMetrics
		recvBytes, sentBytes     uint64
		recvPackets, lostPackets uint64
		framesDecoded            uint64
		framesEncoded            uint64
		inboundFPSMeasured       bool
	)

	for _, cur := range report.Inbound {
		if cur.Kind != kind {
			continue
		}
		m.Present = true
		m.Jitter = maxFloat(m.Jitter, cur.Jitter*1000)
		if cur.FrameWidth > 0 {
			m.Width, m.Height = int(cur.FrameWidth), int(cur.FrameHeight)
		}

		prev, ok := q.prevInbound[cur.ID]
		if !ok {
			continue
		}
		m.Measured = true
		recvBytes += counterDelta(cur.BytesReceived, prev.BytesReceived)
		recvPackets += counterDelta(cur.PacketsReceived, prev.PacketsReceived)
		if cur.PacketsLost > prev.PacketsLost {
			lostPackets += uint64(cur.PacketsLost - prev.PacketsLost)
		}
		if cur.FramesDecoded > 0 {
			framesDecoded += counterDelta(uint64(cur.FramesDecoded), uint64(prev.FramesDecoded))
			inboundFPSMeasured = true
		}
	}

	var outboundFPS float64
	for _, cur := range report.Outbound {
		if cur.Kind != kind {
			continue
		}
		m.Present = true
		if m.Width == 0 && cur.FrameWidth > 0 {
			m.Width, m.Height = int(cur.FrameWidth), int(cur.FrameHeight)
		}
		outboundFPS = maxFloat(outboundFPS, cur.FramesPerSecond)

		prev, ok := q.prevOutbound[cur.ID]
		if !ok {
			continue
		}
		m.Measured = true
		sentBytes += counterDelta(cur.BytesSent, prev.BytesSent)
		framesEncoded += counterDelta(uint64(cur.FramesEncoded), uint64(prev.FramesEncoded))
	}

	if !m.Measured {
		return m, mediaCounters{}
	}

	m.RecvBitrate = float64(recvBytes) * 8 / elapsed / 1000
	m.SendBitrate = float64(sentBytes) * 8 / elapsed / 1000
	if total := recvPackets + lostPackets; total > 0 {
		m.PacketLoss = float64(lostPackets) / float64(total) * 100
	}

	if kind == domain.MediaKindVideo {
		switch {
		case inboundFPSMeasured:
			m.FrameRate = float64(framesDecoded) / elapsed
		case outboundFPS > 0:
			m.FrameRate = outboundFPS
		default:
			m.FrameRate = float64(framesEncoded) / elapsed
		}
	}
	return m, mediaCounters{recvBytes: recvBytes, sentBytes: sentBytes, recvPackets: recvPackets, lost: lostPackets}
}

// counterDelta treats a counter that went backwards as reset.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func maxFloat(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}

// classifyMedia walks the ladder best to worst. A kind with no streams is
// excellent. Bitrate and frame-rate floors apply once the kind is measured,
// so a stream that stops delivering falls to critical.
func classifyMedia(m domain.MediaMetrics, ladder domain.QualityLadder, video bool) domain.QualityLevel {
	if !m.Present {
		return domain.QualityExcellent
	}
	for _, level := range domain.QualityLevels[:4] {
		if meetsRung(m, ladder.Rung(level), video) {
			return level
		}
	}
	return domain.QualityCritical
}

func meetsRung(m domain.MediaMetrics, rung domain.QualityThreshold, video bool) bool {
	if m.PacketLoss > rung.MaxPacketLoss || m.Jitter > rung.MaxJitter {
		return false
	}
	if !m.Measured {
		return true
	}
	if m.Bitrate() < rung.MinBitrate {
		return false
	}
	if video && m.FrameRate < rung.MinFrameRate {
		return false
	}
	return true
}

func classifyNetwork(rtt float64, ladder domain.QualityLadder) domain.QualityLevel {
	for _, level := range domain.QualityLevels[:4] {
		if rtt <= ladder.Rung(level).MaxRTT {
			return level
		}
	}
	return domain.QualityCritical
}

func overallAlert(previous domain.QualityLevel, sample domain.QualitySample, now time.Time) domain.QualityAlert {
	alert := domain.QualityAlert{
		Level:     sample.Overall,
		Metric:    domain.MetricOverall,
		Value:     float64(sample.Overall.Severity()),
		Threshold: float64(previous.Severity()),
		Timestamp: now,
	}

	switch {
	case sample.Overall == domain.QualityCritical:
		alert.Type = domain.AlertCritical
		alert.Message = fmt.Sprintf("call quality critical (was %s)", previous)
	case sample.Overall.WorseThan(previous):
		alert.Type = domain.AlertDegradation
		alert.Message = fmt.Sprintf("call quality degraded from %s to %s", previous, sample.Overall)
	default:
		alert.Type = domain.AlertImprovement
		alert.Message = fmt.Sprintf("call quality improved from %s to %s", previous, sample.Overall)
		return alert
	}

	if sample.NetworkLevel == sample.Overall {
		alert.Suggestions = append(alert.Suggestions, domain.SuggestCheckConnection, domain.SuggestMoveCloserToWiFi)
	}
	if sample.Video.Present && sample.VideoLevel == sample.Overall {
		alert.Suggestions = append(alert.Suggestions, domain.SuggestReduceVideo)
		if sample.Overall == domain.QualityCritical {
			alert.Suggestions = append(alert.Suggestions, domain.SuggestDisableVideo)
		}
	}
	if sample.AudioLevel == sample.Overall {
		alert.Suggestions = append(alert.Suggestions, domain.SuggestCloseApplications)
	}
	if len(alert.Suggestions) == 0 {
		alert.Suggestions = []string{domain.SuggestCheckConnection}
	}
	return alert
}

type metricCheck struct {
	key         string
	value       float64
	fair, poor  float64
	lowerIsBad  bool
	suggestions []string
}

func (c metricCheck) breached() (bool, bool) {
	if c.lowerIsBad {
		return c.value < c.fair, c.value < c.poor
	}
	return c.value > c.fair, c.value > c.poor
}

// metricAlertsLocked raises one alert per breached metric, suppressed while
// that metric is inside its cooldown window.
func (q *QualityMonitor) metricAlertsLocked(sample domain.QualitySample, now time.Time) []domain.QualityAlert {
	var checks []metricCheck

	addMedia := func(kind domain.MediaKind, m domain.MediaMetrics, ladder domain.QualityLadder) {
		if !m.Present {
			return
		}
		prefix := string(kind) + "."
		checks = append(checks,
			metricCheck{
				key: prefix + domain.MetricPacketLoss, value: m.PacketLoss,
				fair: ladder.Fair.MaxPacketLoss, poor: ladder.Poor.MaxPacketLoss,
				suggestions: []string{domain.SuggestCheckConnection, domain.SuggestSwitchNetwork},
			},
			metricCheck{
				key: prefix + domain.MetricJitter, value: m.Jitter,
				fair: ladder.Fair.MaxJitter, poor: ladder.Poor.MaxJitter,
				suggestions: []string{domain.SuggestUseWiredNetwork, domain.SuggestCloseApplications},
			},
		)
		if !m.Measured {
			return
		}
		checks = append(checks, metricCheck{
			key: prefix + domain.MetricBitrate, value: m.Bitrate(),
			fair: ladder.Fair.MinBitrate, poor: ladder.Poor.MinBitrate, lowerIsBad: true,
			suggestions: []string{domain.SuggestCheckConnection, domain.SuggestReduceVideo},
		})
		if kind == domain.MediaKindVideo {
			checks = append(checks, metricCheck{
				key: prefix + domain.MetricFrameRate, value: m.FrameRate,
				fair: ladder.Fair.MinFrameRate, poor: ladder.Poor.MinFrameRate, lowerIsBad: true,
				suggestions: []string{domain.SuggestCloseApplications, domain.SuggestReduceVideo},
			})
		}
	}

	addMedia(domain.MediaKindAudio, sample.Audio, q.cfg.Thresholds.Audio)
	addMedia(domain.MediaKindVideo, sample.Video, q.cfg.Thresholds.Video)
	if sample.RTT > 0 {
		checks = append(checks, metricCheck{
			key: "network." + domain.MetricRTT, value: sample.RTT,
			fair: q.cfg.Thresholds.Network.Fair.MaxRTT, poor: q.cfg.Thresholds.Network.Poor.MaxRTT,
			suggestions: []string{domain.SuggestCheckConnection, domain.SuggestMoveCloserToWiFi},
		})
	}

	var alerts []domain.QualityAlert
	for _, c := range checks {
		breached, critical := c.breached()
		if !breached {
			continue
		}
		if last, ok := q.lastAlert[c.key]; ok && now.Sub(last) < q.cfg.AlertCooldown {
			continue
		}
		q.lastAlert[c.key] = now

		alert := domain.QualityAlert{
			Type:        domain.AlertDegradation,
			Level:       domain.QualityPoor,
			Metric:      c.key,
			Value:       c.value,
			Threshold:   c.fair,
			Suggestions: c.suggestions,
			Timestamp:   now,
		}
		if critical {
			alert.Type = domain.AlertCritical
			alert.Level = domain.QualityCritical
			alert.Threshold = c.poor
		}
		alert.Message = fmt.Sprintf("%s at %.1f breaches threshold %.1f", c.key, c.value, alert.Threshold)
		alerts = append(alerts, alert)
	}
	return alerts
}

// AverageMetrics returns the mean of the newest n samples.
func (q *QualityMonitor) AverageMetrics(n int) domain.AverageMetrics {
	q.mu.Lock()
	samples := q.samples.Tail(n)
	q.mu.Unlock()

	avg := domain.AverageMetrics{Samples: len(samples)}
	if len(samples) == 0 {
		return avg
	}

	var audio, video []domain.MediaMetrics
	for _, s := range samples {
		audio = append(audio, s.Audio)
		video = append(video, s.Video)
		avg.RTT += s.RTT
		avg.AvailableBitrate += s.AvailableBitrate
	}
	count := float64(len(samples))
	avg.RTT /= count
	avg.AvailableBitrate /= count
	avg.Audio = averageMedia(audio)
	avg.Video = averageMedia(video)
	return avg
}

func averageMedia(metrics []domain.MediaMetrics) domain.MediaMetrics {
	var out domain.MediaMetrics
	var width, height int
	for _, m := range metrics {
		out.Present = out.Present || m.Present
		out.Measured = out.Measured || m.Measured
		out.SendBitrate += m.SendBitrate
		out.RecvBitrate += m.RecvBitrate
		out.PacketLoss += m.PacketLoss
		out.Jitter += m.Jitter
		out.FrameRate += m.FrameRate
		width += m.Width
		height += m.Height
	}
	n := float64(len(metrics))
	out.SendBitrate /= n
	out.RecvBitrate /= n
	out.PacketLoss /= n
	out.Jitter /= n
	out.FrameRate /= n
	out.Width = width / len(metrics)
	out.Height = height / len(metrics)
	return out
}

// History returns the retained samples, oldest first.
func (q *QualityMonitor) History() []domain.QualitySample {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.samples.Slice()
}

func (q *QualityMonitor) Latest() (domain.QualitySample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.samples.Last()
}

// Level is the overall level of the latest sample, empty before the first measurement.
func (q *QualityMonitor) Level() domain.QualityLevel {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastLevel
}
