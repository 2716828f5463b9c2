package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"callengine/internal/core/domain"
	"callengine/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStatsProvider struct {
	mu      sync.Mutex
	reports []domain.StatsReport
	err     error
	calls   int
}

func (f *fakeStatsProvider) GetStats(ctx context.Context) (domain.StatsReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.StatsReport{}, f.err
	}
	if len(f.reports) == 0 {
		return domain.StatsReport{}, nil
	}
	r := f.reports[0]
	if len(f.reports) > 1 {
		f.reports = f.reports[1:]
	}
	return r, nil
}

func (f *fakeStatsProvider) push(r domain.StatsReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
}

// statsAt builds a report with one audio inbound stream, one video inbound
// stream and a nominated candidate pair.
type streamCounters struct {
	audioBytes, audioPackets uint64
	audioLost                int64
	audioJitter              float64
	videoBytes, videoPackets uint64
	videoLost                int64
	videoFrames              uint32
	rttSeconds               float64
	availableBps             float64
}

func reportOf(c streamCounters) domain.StatsReport {
	return domain.StatsReport{
		Inbound: []domain.InboundRTPStats{
			{ID: "in-audio", Kind: domain.MediaKindAudio, BytesReceived: c.audioBytes, PacketsReceived: c.audioPackets, PacketsLost: c.audioLost, Jitter: c.audioJitter},
			{ID: "in-video", Kind: domain.MediaKindVideo, BytesReceived: c.videoBytes, PacketsReceived: c.videoPackets, PacketsLost: c.videoLost, FramesDecoded: c.videoFrames, FrameWidth: 1280, FrameHeight: 720},
		},
		CandidatePairs: []domain.CandidatePairStats{
			{ID: "pair", State: "succeeded", Nominated: true, CurrentRoundTripTime: c.rttSeconds, AvailableOutgoingBitrate: c.availableBps},
		},
	}
}

func newTestMonitor(t *testing.T, cfg QualityMonitorConfig) (*QualityMonitor, *clock.Mock, *recordingBus) {
	t.Helper()
	c := clock.NewMock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	bus := &recordingBus{}
	m := NewQualityMonitor("call-1", cfg, bus, zaptest.NewLogger(t).Sugar())
	m.SetClock(c)
	return m, c, bus
}

// healthy is two seconds of 64 kbps audio and 2 Mbps video at 30 fps with
// no loss and 40 ms RTT.
func healthy(prev streamCounters) streamCounters {
	return streamCounters{
		audioBytes:   prev.audioBytes + 16000,
		audioPackets: prev.audioPackets + 100,
		audioLost:    prev.audioLost,
		audioJitter:  0.005,
		videoBytes:   prev.videoBytes + 500000,
		videoPackets: prev.videoPackets + 400,
		videoLost:    prev.videoLost,
		videoFrames:  prev.videoFrames + 60,
		rttSeconds:   0.04,
		availableBps: 2500000,
	}
}

func TestQualityMonitor_BaselineProducesNoSample(t *testing.T) {
	m, _, bus := newTestMonitor(t, DefaultQualityMonitorConfig())

	var alerts []domain.QualityAlert
	m.OnAlert(func(a domain.QualityAlert) { alerts = append(alerts, a) })

	m.process(reportOf(streamCounters{audioLost: 500, rttSeconds: 2}))

	assert.Empty(t, m.History())
	assert.Empty(t, alerts)
	assert.Empty(t, bus.ofType(domain.EventQualitySample))
	assert.Equal(t, domain.QualityLevel(""), m.Level())
}

func TestQualityMonitor_IdenticalCountersYieldZeroRates(t *testing.T) {
	m, c, _ := newTestMonitor(t, DefaultQualityMonitorConfig())

	counters := streamCounters{audioBytes: 1000, audioPackets: 10, videoBytes: 9000, videoPackets: 20, rttSeconds: 0.05}
	m.process(reportOf(counters))
	c.Advance(2 * time.Second)
	m.process(reportOf(counters))

	sample, ok := m.Latest()
	require.True(t, ok)
	for _, v := range []float64{
		sample.Audio.RecvBitrate, sample.Audio.PacketLoss,
		sample.Video.RecvBitrate, sample.Video.PacketLoss, sample.Video.FrameRate,
	} {
		assert.False(t, math.IsNaN(v))
		assert.Zero(t, v)
	}
}

func TestQualityMonitor_CounterResetNeverGoesNegative(t *testing.T) {
	m, c, _ := newTestMonitor(t, DefaultQualityMonitorConfig())

	m.process(reportOf(streamCounters{audioBytes: 90000, audioPackets: 900, audioLost: 50}))
	c.Advance(2 * time.Second)
	m.process(reportOf(streamCounters{audioBytes: 100, audioPackets: 2, audioLost: 0}))

	sample, ok := m.Latest()
	require.True(t, ok)
	assert.GreaterOrEqual(t, sample.Audio.RecvBitrate, 0.0)
	assert.GreaterOrEqual(t, sample.Audio.PacketLoss, 0.0)
}

func TestQualityMonitor_DerivesRates(t *testing.T) {
	m, c, _ := newTestMonitor(t, DefaultQualityMonitorConfig())

	base := streamCounters{}
	m.process(reportOf(base))
	c.Advance(2 * time.Second)

	next := healthy(base)
	next.audioLost = 2
	next.audioPackets = 98
	m.process(reportOf(next))

	sample, ok := m.Latest()
	require.True(t, ok)
	assert.InDelta(t, 64.0, sample.Audio.RecvBitrate, 0.001)
	assert.InDelta(t, 2.0, sample.Audio.PacketLoss, 0.001)
	assert.InDelta(t, 5.0, sample.Audio.Jitter, 0.001)
	assert.InDelta(t, 2000.0, sample.Video.RecvBitrate, 0.001)
	assert.InDelta(t, 30.0, sample.Video.FrameRate, 0.001)
	assert.Equal(t, 1280, sample.Video.Width)
	assert.InDelta(t, 40.0, sample.RTT, 0.001)
	assert.InDelta(t, 2500.0, sample.AvailableBitrate, 0.001)

	assert.Equal(t, uint64(516000), sample.Network.BytesReceived)
	assert.Equal(t, uint64(498), sample.Network.PacketsReceived)
	assert.Equal(t, uint64(2), sample.Network.PacketsLost)
	assert.InDelta(t, 40.0, sample.Network.RTT, 0.001)

	assert.Equal(t, domain.QualityGood, sample.AudioLevel)
	assert.Equal(t, domain.QualityExcellent, sample.VideoLevel)
	assert.Equal(t, domain.QualityExcellent, sample.NetworkLevel)
	assert.Equal(t, domain.QualityGood, sample.Overall)
}

func TestQualityMonitor_FirstMeasuredSampleNotifiesWithoutOverallAlert(t *testing.T) {
	m, c, bus := newTestMonitor(t, DefaultQualityMonitorConfig())

	var changes []domain.QualityLevel
	m.OnQualityChange(func(prev, cur domain.QualityLevel, _ domain.QualitySample) {
		assert.Equal(t, domain.QualityLevel(""), prev)
		changes = append(changes, cur)
	})

	m.process(reportOf(streamCounters{}))
	c.Advance(2 * time.Second)
	m.process(reportOf(healthy(streamCounters{})))

	assert.Equal(t, []domain.QualityLevel{domain.QualityExcellent}, changes)
	assert.Len(t, bus.ofType(domain.EventQualityChanged), 1)
	assert.Empty(t, bus.ofType(domain.EventQualityAlert))
	assert.Len(t, bus.ofType(domain.EventQualitySample), 1)
}

func TestQualityMonitor_StalledMediaFallsToCritical(t *testing.T) {
	m, c, _ := newTestMonitor(t, DefaultQualityMonitorConfig())

	var alerts []domain.QualityAlert
	m.OnAlert(func(a domain.QualityAlert) { alerts = append(alerts, a) })

	cur := streamCounters{}
	m.process(reportOf(cur))
	c.Advance(2 * time.Second)
	cur = healthy(cur)
	m.process(reportOf(cur))
	require.Equal(t, domain.QualityExcellent, m.Level())

	// Counters stop moving while the streams are still reported.
	c.Advance(2 * time.Second)
	m.process(reportOf(cur))

	sample, ok := m.Latest()
	require.True(t, ok)
	assert.Zero(t, sample.Audio.RecvBitrate)
	assert.Zero(t, sample.Video.RecvBitrate)
	assert.Equal(t, domain.QualityCritical, sample.AudioLevel)
	assert.Equal(t, domain.QualityCritical, sample.VideoLevel)
	assert.Equal(t, domain.QualityCritical, sample.Overall)
	assert.Equal(t, domain.QualityCritical, m.Level())

	var metrics []string
	for _, a := range alerts {
		metrics = append(metrics, a.Metric)
	}
	assert.Contains(t, metrics, domain.MetricOverall)
	assert.Contains(t, metrics, "audio."+domain.MetricBitrate)
	assert.Contains(t, metrics, "video."+domain.MetricBitrate)
}

func TestQualityMonitor_DegradationRaisesAlertsWithCooldown(t *testing.T) {
	m, c, _ := newTestMonitor(t, DefaultQualityMonitorConfig())

	var alerts []domain.QualityAlert
	m.OnAlert(func(a domain.QualityAlert) { alerts = append(alerts, a) })

	cur := streamCounters{}
	m.process(reportOf(cur))
	c.Advance(2 * time.Second)
	cur = healthy(cur)
	m.process(reportOf(cur))
	require.Empty(t, alerts)

	// 20% audio loss and 400 ms RTT.
	lossy := func(prev streamCounters) streamCounters {
		next := healthy(prev)
		next.audioPackets = prev.audioPackets + 80
		next.audioLost = prev.audioLost + 20
		next.rttSeconds = 0.4
		return next
	}

	c.Advance(2 * time.Second)
	cur = lossy(cur)
	m.process(reportOf(cur))

	byMetric := map[string]domain.QualityAlert{}
	for _, a := range alerts {
		byMetric[a.Metric] = a
	}
	require.Contains(t, byMetric, domain.MetricOverall)
	assert.Equal(t, domain.AlertCritical, byMetric[domain.MetricOverall].Type)
	assert.NotEmpty(t, byMetric[domain.MetricOverall].Suggestions)

	require.Contains(t, byMetric, "audio.packet_loss")
	assert.Equal(t, domain.AlertCritical, byMetric["audio.packet_loss"].Type)
	require.Contains(t, byMetric, "network.rtt")
	assert.Equal(t, domain.AlertDegradation, byMetric["network.rtt"].Type)

	// Same problem 2s later: level unchanged and metrics inside cooldown.
	alerts = nil
	c.Advance(2 * time.Second)
	cur = lossy(cur)
	m.process(reportOf(cur))
	assert.Empty(t, alerts)

	// After the cooldown the metric alerts fire again.
	c.Advance(10 * time.Second)
	cur = lossy(cur)
	m.process(reportOf(cur))
	var metrics []string
	for _, a := range alerts {
		metrics = append(metrics, a.Metric)
	}
	assert.Contains(t, metrics, "audio.packet_loss")
	assert.Contains(t, metrics, "network.rtt")
	assert.NotContains(t, metrics, domain.MetricOverall)
}

func TestQualityMonitor_ImprovementAlert(t *testing.T) {
	m, c, _ := newTestMonitor(t, DefaultQualityMonitorConfig())

	var overall []domain.QualityAlert
	m.OnAlert(func(a domain.QualityAlert) {
		if a.Metric == domain.MetricOverall {
			overall = append(overall, a)
		}
	})

	cur := streamCounters{}
	m.process(reportOf(cur))
	c.Advance(2 * time.Second)
	cur = healthy(cur)
	cur.rttSeconds = 0.25
	m.process(reportOf(cur))
	require.Equal(t, domain.QualityFair, m.Level())

	c.Advance(2 * time.Second)
	cur = healthy(cur)
	m.process(reportOf(cur))

	require.Len(t, overall, 1)
	assert.Equal(t, domain.AlertImprovement, overall[0].Type)
	assert.Equal(t, domain.QualityExcellent, overall[0].Level)
}

func TestQualityMonitor_AlertsDisabled(t *testing.T) {
	cfg := DefaultQualityMonitorConfig()
	cfg.AlertsEnabled = false
	m, c, bus := newTestMonitor(t, cfg)

	cur := streamCounters{}
	m.process(reportOf(cur))
	for i := 0; i < 3; i++ {
		c.Advance(2 * time.Second)
		next := healthy(cur)
		next.rttSeconds = 0.1 * float64(i*3+1)
		cur = next
		m.process(reportOf(cur))
	}

	assert.NotEmpty(t, bus.ofType(domain.EventQualityChanged))
	assert.Empty(t, bus.ofType(domain.EventQualityAlert))
}

func TestClassify_OverallNeverBetterThanWorstDomain(t *testing.T) {
	thresholds := domain.DefaultQualityThresholds()

	var losses, jitters, rtts []float64
	for _, rung := range []domain.QualityThreshold{
		thresholds.Audio.Excellent, thresholds.Audio.Good, thresholds.Audio.Fair, thresholds.Audio.Poor,
	} {
		losses = append(losses, rung.MaxPacketLoss, rung.MaxPacketLoss+0.01)
		jitters = append(jitters, rung.MaxJitter, rung.MaxJitter+0.01)
	}
	for _, rung := range []domain.QualityThreshold{
		thresholds.Network.Excellent, thresholds.Network.Good, thresholds.Network.Fair, thresholds.Network.Poor,
	} {
		rtts = append(rtts, rung.MaxRTT, rung.MaxRTT+0.01)
	}

	for _, loss := range losses {
		for _, jitter := range jitters {
			for _, rtt := range rtts {
				audio := classifyMedia(domain.MediaMetrics{Present: true, Measured: true, RecvBitrate: 64, PacketLoss: loss, Jitter: jitter}, thresholds.Audio, false)
				video := classifyMedia(domain.MediaMetrics{Present: true, Measured: true, RecvBitrate: 300, FrameRate: 12, PacketLoss: loss / 2, Jitter: jitter}, thresholds.Video, true)
				network := classifyNetwork(rtt, thresholds.Network)
				overall := domain.WorstQuality(audio, video, network)

				for _, level := range []domain.QualityLevel{audio, video, network} {
					assert.False(t, level.WorseThan(overall), "loss=%v jitter=%v rtt=%v", loss, jitter, rtt)
				}
			}
		}
	}
}

func TestClassify_BoundariesAreInclusive(t *testing.T) {
	thresholds := domain.DefaultQualityThresholds()

	assert.Equal(t, domain.QualityExcellent, classifyNetwork(100, thresholds.Network))
	assert.Equal(t, domain.QualityGood, classifyNetwork(100.5, thresholds.Network))
	assert.Equal(t, domain.QualityPoor, classifyNetwork(500, thresholds.Network))
	assert.Equal(t, domain.QualityCritical, classifyNetwork(500.5, thresholds.Network))

	audio := domain.MediaMetrics{Present: true, Measured: true, RecvBitrate: 48, PacketLoss: 1, Jitter: 20}
	assert.Equal(t, domain.QualityExcellent, classifyMedia(audio, thresholds.Audio, false))
	audio.PacketLoss = 10.01
	assert.Equal(t, domain.QualityCritical, classifyMedia(audio, thresholds.Audio, false))

	assert.Equal(t, domain.QualityExcellent, classifyMedia(domain.MediaMetrics{}, thresholds.Video, true))

	stalled := domain.MediaMetrics{Present: true, Measured: true}
	assert.Equal(t, domain.QualityCritical, classifyMedia(stalled, thresholds.Video, true))
	assert.Equal(t, domain.QualityCritical, classifyMedia(stalled, thresholds.Audio, false))

	unmeasured := domain.MediaMetrics{Present: true}
	assert.Equal(t, domain.QualityExcellent, classifyMedia(unmeasured, thresholds.Video, true))

	slow := domain.MediaMetrics{Present: true, Measured: true, RecvBitrate: 2000, FrameRate: 9}
	assert.Equal(t, domain.QualityCritical, classifyMedia(slow, thresholds.Video, true))
}

func TestQualityMonitor_AverageMetrics(t *testing.T) {
	m, c, _ := newTestMonitor(t, DefaultQualityMonitorConfig())

	cur := streamCounters{}
	m.process(reportOf(cur))
	for _, rtt := range []float64{0.02, 0.04, 0.06} {
		c.Advance(2 * time.Second)
		cur = healthy(cur)
		cur.rttSeconds = rtt
		m.process(reportOf(cur))
	}

	avg := m.AverageMetrics(2)
	assert.Equal(t, 2, avg.Samples)
	assert.InDelta(t, 50.0, avg.RTT, 0.001)
	assert.InDelta(t, 64.0, avg.Audio.RecvBitrate, 0.001)

	assert.Equal(t, 3, m.AverageMetrics(10).Samples)
	assert.Zero(t, NewQualityMonitor("x", DefaultQualityMonitorConfig(), nil, zaptest.NewLogger(t).Sugar()).AverageMetrics(5).Samples)
}

func TestQualityMonitor_HistoryIsBounded(t *testing.T) {
	cfg := DefaultQualityMonitorConfig()
	cfg.HistorySize = 3
	m, c, _ := newTestMonitor(t, cfg)

	cur := streamCounters{}
	m.process(reportOf(cur))
	for i := 0; i < 5; i++ {
		c.Advance(2 * time.Second)
		cur = healthy(cur)
		m.process(reportOf(cur))
	}

	history := m.History()
	require.Len(t, history, 3)
	assert.True(t, history[0].Timestamp.Before(history[2].Timestamp))
}

func TestQualityMonitor_StatsErrorSkipsCycle(t *testing.T) {
	m, _, _ := newTestMonitor(t, DefaultQualityMonitorConfig())
	provider := &fakeStatsProvider{err: errors.New("peer connection closed")}

	m.mu.Lock()
	m.provider = provider
	m.mu.Unlock()

	m.collect(context.Background())
	m.collect(context.Background())

	assert.Equal(t, 2, provider.calls)
	assert.Empty(t, m.History())
}

func TestQualityMonitor_StartRequiresProvider(t *testing.T) {
	m, _, _ := newTestMonitor(t, DefaultQualityMonitorConfig())
	assert.ErrorIs(t, m.Start(context.Background(), nil), domain.ErrNoStatsProvider)
	assert.False(t, m.Running())
}

func TestQualityMonitor_StopClearsBaseline(t *testing.T) {
	cfg := DefaultQualityMonitorConfig()
	cfg.Interval = time.Hour
	m, c, _ := newTestMonitor(t, cfg)

	provider := &fakeStatsProvider{}
	provider.push(reportOf(streamCounters{}))

	require.NoError(t, m.Start(context.Background(), provider))
	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.calls == 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())

	// With the baseline gone the next report is a baseline again.
	c.Advance(2 * time.Second)
	m.process(reportOf(healthy(streamCounters{})))
	assert.Empty(t, m.History())
}
