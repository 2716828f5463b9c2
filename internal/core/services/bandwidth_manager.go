package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"
	"callengine/pkg/periodic"
	"callengine/pkg/ring"

	"go.uber.org/zap"
)

type BandwidthManagerConfig struct {
	WindowSize       int
	TrendWindow      int
	TrendThreshold   float64 // fraction, 0.1 = 10%
	MinSamples       int
	Cooldown         time.Duration
	IncreaseHeadroom float64 // multiple of the current tier bitrate
	// GuardNextTier also requires the available bitrate to cover the nominal
	// bitrate of the tier being moved to.
	GuardNextTier bool
	InitialTier   domain.VideoQualityTier
	Thresholds    domain.QualityLadder
}

func DefaultBandwidthManagerConfig() BandwidthManagerConfig {
	return BandwidthManagerConfig{
		WindowSize:       30,
		TrendWindow:      10,
		TrendThreshold:   0.1,
		MinSamples:       3,
		Cooldown:         5 * time.Second,
		IncreaseHeadroom: 1.5,
		GuardNextTier:    true,
		InitialTier:      domain.Tier720p,
		Thresholds:       DefaultBandwidthThresholds(),
	}
}

// DefaultBandwidthThresholds grades the aggregate stream on loss, RTT and jitter.
func DefaultBandwidthThresholds() domain.QualityLadder {
	return domain.QualityLadder{
		Excellent: domain.QualityThreshold{MaxPacketLoss: 1, MaxRTT: 100, MaxJitter: 20},
		Good:      domain.QualityThreshold{MaxPacketLoss: 3, MaxRTT: 200, MaxJitter: 30},
		Fair:      domain.QualityThreshold{MaxPacketLoss: 5, MaxRTT: 300, MaxJitter: 50},
		Poor:      domain.QualityThreshold{MaxPacketLoss: 10, MaxRTT: 500, MaxJitter: 100},
	}
}

type AdaptationRecord struct {
	From      domain.VideoQualityTier
	To        domain.VideoQualityTier
	Reason    string
	Timestamp time.Time
	Estimate  domain.BandwidthEstimate
}

// BandwidthManager estimates throughput from a rolling window of network
// samples and moves the video tier up or down the ladder. Reductions react to
// a single bad signal; increases need sustained headroom. Tier changes are
// separated by at least the cooldown.
type BandwidthManager struct {
	cfg    BandwidthManagerConfig
	callID domain.CallID
	clock  clock.Clock
	bus    ports.EventPublisher
	logger *zap.SugaredLogger
	task   *periodic.Task

	mu             sync.Mutex
	window         *ring.Buffer[domain.NetworkStat]
	current        domain.VideoQualityTier
	lastAdaptation time.Time
	history        []AdaptationRecord

	onAdapt []func(from domain.VideoQualityTier, decision domain.AdaptationDecision)
}

func NewBandwidthManager(callID domain.CallID, cfg BandwidthManagerConfig, bus ports.EventPublisher, logger *zap.SugaredLogger) *BandwidthManager {
	defaults := DefaultBandwidthManagerConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.TrendWindow <= 1 {
		cfg.TrendWindow = defaults.TrendWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaults.MinSamples
	}
	if cfg.IncreaseHeadroom <= 0 {
		cfg.IncreaseHeadroom = defaults.IncreaseHeadroom
	}
	if !cfg.InitialTier.Valid() {
		cfg.InitialTier = defaults.InitialTier
	}

	b := &BandwidthManager{
		cfg:     cfg,
		callID:  callID,
		clock:   clock.Real{},
		bus:     publisherOrNop(bus),
		logger:  logger,
		window:  ring.New[domain.NetworkStat](cfg.WindowSize),
		current: cfg.InitialTier,
	}
	b.task = periodic.New(time.Second, func(context.Context) { b.Adapt() })
	return b
}

// SetClock replaces the time source. Intended for tests.
func (b *BandwidthManager) SetClock(c clock.Clock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = c
}

// OnAdapt registers an observer called after every applied tier change.
func (b *BandwidthManager) OnAdapt(fn func(from domain.VideoQualityTier, decision domain.AdaptationDecision)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAdapt = append(b.onAdapt, fn)
}

// AddStats appends a sample, evicting the oldest once the window is full.
// A zero timestamp is stamped with the current time.
func (b *BandwidthManager) AddStats(stat domain.NetworkStat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stat.Timestamp.IsZero() {
		stat.Timestamp = b.clock.Now()
	}
	b.window.Push(stat)
}

func (b *BandwidthManager) SampleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.Len()
}

func (b *BandwidthManager) Quality() domain.VideoQualityTier {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// SetQuality forces the current tier, e.g. when the remote side caps it.
// It does not count as an adaptation for the cooldown.
func (b *BandwidthManager) SetQuality(tier domain.VideoQualityTier) error {
	if !tier.Valid() {
		return fmt.Errorf("unknown video tier %q", tier)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = tier
	return nil
}

func (b *BandwidthManager) EstimateBandwidth() domain.BandwidthEstimate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimateLocked()
}

func (b *BandwidthManager) estimateLocked() domain.BandwidthEstimate {
	samples := b.window.Slice()
	if len(samples) == 0 {
		return domain.BandwidthEstimate{Trend: domain.TrendStable, Quality: domain.QualityExcellent}
	}

	var est domain.BandwidthEstimate

	// The first sample's delta predates the window span.
	if span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds(); span > 0 {
		var bytes uint64
		for _, s := range samples[1:] {
			bytes += s.BytesReceived
		}
		est.Current = float64(bytes) * 8 / span / 1000
	}
	est.Available = samples[len(samples)-1].AvailableBitrate

	recent := samples
	if len(recent) > b.cfg.TrendWindow {
		recent = recent[len(recent)-b.cfg.TrendWindow:]
	}
	est.Trend = b.trendOf(recent)

	var lost, received uint64
	for _, s := range recent {
		lost += s.PacketsLost
		received += s.PacketsReceived
		est.RTT += s.RTT
		est.Jitter += s.Jitter
	}
	est.RTT /= float64(len(recent))
	est.Jitter /= float64(len(recent))
	if total := lost + received; total > 0 {
		est.LossRate = float64(lost) / float64(total) * 100
	}
	est.Quality = b.classifyLocked(est)
	return est
}

func (b *BandwidthManager) trendOf(recent []domain.NetworkStat) domain.BandwidthTrend {
	if len(recent) < 2 {
		return domain.TrendStable
	}
	oldest := recent[0].AvailableBitrate
	newest := recent[len(recent)-1].AvailableBitrate
	if oldest <= 0 {
		return domain.TrendStable
	}
	change := (newest - oldest) / oldest
	switch {
	case change > b.cfg.TrendThreshold:
		return domain.TrendIncreasing
	case change < -b.cfg.TrendThreshold:
		return domain.TrendDecreasing
	default:
		return domain.TrendStable
	}
}

func (b *BandwidthManager) classifyLocked(est domain.BandwidthEstimate) domain.QualityLevel {
	for _, level := range domain.QualityLevels[:4] {
		rung := b.cfg.Thresholds.Rung(level)
		if est.LossRate <= rung.MaxPacketLoss && est.RTT <= rung.MaxRTT && est.Jitter <= rung.MaxJitter {
			return level
		}
	}
	return domain.QualityCritical
}

// ShouldAdapt evaluates the adaptation policy without changing anything.
func (b *BandwidthManager) ShouldAdapt() domain.AdaptationDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	decision, _ := b.decideLocked()
	return decision
}

func (b *BandwidthManager) decideLocked() (domain.AdaptationDecision, domain.BandwidthEstimate) {
	hold := domain.AdaptationDecision{Quality: b.current}

	if n := b.window.Len(); n < b.cfg.MinSamples {
		hold.Reason = fmt.Sprintf("insufficient samples (%d/%d)", n, b.cfg.MinSamples)
		return hold, domain.BandwidthEstimate{}
	}
	now := b.clock.Now()
	if !b.lastAdaptation.IsZero() && now.Sub(b.lastAdaptation) < b.cfg.Cooldown {
		hold.Reason = "cooldown active"
		return hold, domain.BandwidthEstimate{}
	}

	est := b.estimateLocked()
	fair := b.cfg.Thresholds.Fair
	good := b.cfg.Thresholds.Good

	var reasons []string
	if est.Quality.WorseThan(domain.QualityFair) {
		reasons = append(reasons, "quality "+string(est.Quality))
	}
	if est.LossRate > fair.MaxPacketLoss {
		reasons = append(reasons, fmt.Sprintf("packet loss %.1f%%", est.LossRate))
	}
	if est.RTT > 2*fair.MaxRTT {
		reasons = append(reasons, fmt.Sprintf("rtt %.0fms", est.RTT))
	}
	if est.Trend == domain.TrendDecreasing {
		reasons = append(reasons, "bandwidth decreasing")
	}
	if len(reasons) > 0 {
		lower, ok := b.current.Lower()
		if !ok {
			hold.Reason = "degraded at lowest tier: " + strings.Join(reasons, ", ")
			return hold, est
		}
		return domain.AdaptationDecision{
			Quality:      lower,
			Reason:       "reduce: " + strings.Join(reasons, ", "),
			ShouldReduce: true,
		}, est
	}

	headroom := b.current.Profile().Bitrate * b.cfg.IncreaseHeadroom
	canIncrease := est.Quality == domain.QualityExcellent &&
		est.LossRate < good.MaxPacketLoss &&
		est.RTT < good.MaxRTT &&
		est.Trend != domain.TrendDecreasing &&
		est.Available > headroom
	if canIncrease {
		higher, ok := b.current.Higher()
		if !ok {
			hold.Reason = "stable at highest tier"
			return hold, est
		}
		if b.cfg.GuardNextTier && est.Available < higher.Profile().Bitrate {
			hold.Reason = fmt.Sprintf("available %.0fkbps below %s requirement", est.Available, higher)
			return hold, est
		}
		return domain.AdaptationDecision{
			Quality:        higher,
			Reason:         fmt.Sprintf("increase: available %.0fkbps", est.Available),
			ShouldIncrease: true,
		}, est
	}

	hold.Reason = "stable"
	return hold, est
}

// Adapt evaluates the policy and applies a reduce or increase decision. It is
// the only path that changes the tier and stamps the cooldown.
func (b *BandwidthManager) Adapt() domain.AdaptationDecision {
	b.mu.Lock()
	decision, est := b.decideLocked()
	if !decision.Changed() {
		b.mu.Unlock()
		return decision
	}

	from := b.current
	now := b.clock.Now()
	b.current = decision.Quality
	b.lastAdaptation = now
	b.history = append(b.history, AdaptationRecord{
		From:      from,
		To:        decision.Quality,
		Reason:    decision.Reason,
		Timestamp: now,
		Estimate:  est,
	})
	// Keep only last 100 snapshots
	if len(b.history) > 100 {
		b.history = b.history[len(b.history)-100:]
	}
	observers := slices.Clone(b.onAdapt)
	b.mu.Unlock()

	b.logger.Infow("video tier adapted",
		"call_id", b.callID,
		"from", from,
		"to", decision.Quality,
		"reason", decision.Reason,
		"available_kbps", est.Available,
		"loss_pct", est.LossRate,
		"rtt_ms", est.RTT,
	)

	for _, fn := range observers {
		fn(from, decision)
	}
	b.bus.Publish(domain.Event{
		Type:   domain.EventBandwidthAdapted,
		CallID: b.callID,
		Payload: domain.AdaptationPayload{
			From:     from,
			Decision: decision,
			Estimate: est,
		},
	})
	return decision
}

// StartMonitoring runs Adapt on interval until StopMonitoring. A running
// monitor is restarted with the new interval.
func (b *BandwidthManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	b.task.Stop()
	b.task.SetInterval(interval)
	b.task.Start(ctx)
}

// StopMonitoring is idempotent.
func (b *BandwidthManager) StopMonitoring() {
	b.task.Stop()
}

func (b *BandwidthManager) Monitoring() bool {
	return b.task.Running()
}

// AdaptationHistory returns applied tier changes, oldest first.
func (b *BandwidthManager) AdaptationHistory() []AdaptationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	history := make([]AdaptationRecord, len(b.history))
	copy(history, b.history)
	return history
}

// Reset drops the window and cooldown and restores the initial tier.
func (b *BandwidthManager) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.Clear()
	b.current = b.cfg.InitialTier
	b.lastAdaptation = time.Time{}
	b.history = nil
}
