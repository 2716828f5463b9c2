package domain

import "time"

// NetworkStat is one raw bandwidth sample. Counters are deltas since the
// previous sample, not running totals.
type NetworkStat struct {
	RTT              float64   `json:"rtt_ms"`
	Jitter           float64   `json:"jitter_ms"`
	PacketsLost      uint64    `json:"packets_lost"`
	PacketsReceived  uint64    `json:"packets_received"`
	BytesReceived    uint64    `json:"bytes_received"`
	BytesSent        uint64    `json:"bytes_sent"`
	AvailableBitrate float64   `json:"available_bitrate_kbps"`
	Timestamp        time.Time `json:"timestamp"`
}

type BandwidthTrend string

const (
	TrendIncreasing BandwidthTrend = "increasing"
	TrendDecreasing BandwidthTrend = "decreasing"
	TrendStable     BandwidthTrend = "stable"
)

type BandwidthEstimate struct {
	Current   float64        `json:"current_kbps"`
	Available float64        `json:"available_kbps"`
	Trend     BandwidthTrend `json:"trend"`
	Quality   QualityLevel   `json:"quality"`
	LossRate  float64        `json:"loss_rate_pct"`
	RTT       float64        `json:"rtt_ms"`
	Jitter    float64        `json:"jitter_ms"`
}

type VideoQualityTier string

const (
	Tier180p  VideoQualityTier = "180p"
	Tier360p  VideoQualityTier = "360p"
	Tier720p  VideoQualityTier = "720p"
	Tier1080p VideoQualityTier = "1080p"
)

type TierProfile struct {
	Tier      VideoQualityTier `json:"tier"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	FrameRate int              `json:"frame_rate"`
	Bitrate   float64          `json:"bitrate_kbps"`
}

// VideoTierLadder is ordered lowest to highest.
var VideoTierLadder = []TierProfile{
	{Tier: Tier180p, Width: 320, Height: 180, FrameRate: 15, Bitrate: 150},
	{Tier: Tier360p, Width: 640, Height: 360, FrameRate: 30, Bitrate: 500},
	{Tier: Tier720p, Width: 1280, Height: 720, FrameRate: 30, Bitrate: 1500},
	{Tier: Tier1080p, Width: 1920, Height: 1080, FrameRate: 30, Bitrate: 3000},
}

// TierIndex returns the ladder position of t, or -1.
func TierIndex(t VideoQualityTier) int {
	for i, p := range VideoTierLadder {
		if p.Tier == t {
			return i
		}
	}
	return -1
}

func (t VideoQualityTier) Valid() bool {
	return TierIndex(t) >= 0
}

func (t VideoQualityTier) Profile() TierProfile {
	if i := TierIndex(t); i >= 0 {
		return VideoTierLadder[i]
	}
	return TierProfile{}
}

// Lower returns the next tier down, false at the bottom of the ladder.
func (t VideoQualityTier) Lower() (VideoQualityTier, bool) {
	i := TierIndex(t)
	if i <= 0 {
		return t, false
	}
	return VideoTierLadder[i-1].Tier, true
}

// Higher returns the next tier up, false at the top of the ladder.
func (t VideoQualityTier) Higher() (VideoQualityTier, bool) {
	i := TierIndex(t)
	if i < 0 || i >= len(VideoTierLadder)-1 {
		return t, false
	}
	return VideoTierLadder[i+1].Tier, true
}

type AdaptationDecision struct {
	Quality        VideoQualityTier `json:"quality"`
	Reason         string           `json:"reason"`
	ShouldReduce   bool             `json:"should_reduce"`
	ShouldIncrease bool             `json:"should_increase"`
}

func (d AdaptationDecision) Changed() bool {
	return d.ShouldReduce || d.ShouldIncrease
}
