package domain

import "time"

type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
	QualityCritical  QualityLevel = "critical"
)

// QualityLevels is ordered best to worst.
var QualityLevels = []QualityLevel{QualityExcellent, QualityGood, QualityFair, QualityPoor, QualityCritical}

// Severity is the position on the best-to-worst scale. Unknown levels rank as critical.
func (q QualityLevel) Severity() int {
	for i, level := range QualityLevels {
		if level == q {
			return i
		}
	}
	return len(QualityLevels) - 1
}

func (q QualityLevel) WorseThan(other QualityLevel) bool {
	return q.Severity() > other.Severity()
}

// WorstQuality returns the most severe of the given levels.
func WorstQuality(levels ...QualityLevel) QualityLevel {
	worst := QualityExcellent
	for _, level := range levels {
		if level.WorseThan(worst) {
			worst = level
		}
	}
	return worst
}

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaMetrics are the derived values for one media kind in a sampling cycle.
// Rates are only meaningful when Measured is set, which requires a previous
// cycle to diff against.
type MediaMetrics struct {
	Present     bool    `json:"present"`
	Measured    bool    `json:"measured"`
	SendBitrate float64 `json:"send_bitrate_kbps"`
	RecvBitrate float64 `json:"recv_bitrate_kbps"`
	PacketLoss  float64 `json:"packet_loss_pct"`
	Jitter      float64 `json:"jitter_ms"`
	FrameRate   float64 `json:"frame_rate,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
}

// Bitrate is the inbound rate when media is being received, the outbound rate otherwise.
func (m MediaMetrics) Bitrate() float64 {
	if m.RecvBitrate > 0 {
		return m.RecvBitrate
	}
	return m.SendBitrate
}

type QualitySample struct {
	Timestamp        time.Time    `json:"timestamp"`
	Audio            MediaMetrics `json:"audio"`
	Video            MediaMetrics `json:"video"`
	RTT              float64      `json:"rtt_ms"`
	AvailableBitrate float64      `json:"available_bitrate_kbps"`
	AudioLevel       QualityLevel `json:"audio_level"`
	VideoLevel       QualityLevel `json:"video_level"`
	NetworkLevel     QualityLevel `json:"network_level"`
	Overall          QualityLevel `json:"overall"`

	// Network aggregates both media kinds for bandwidth estimation.
	Network NetworkStat `json:"network"`
}

// AverageMetrics is the arithmetic mean over the last N samples.
type AverageMetrics struct {
	Samples          int          `json:"samples"`
	Audio            MediaMetrics `json:"audio"`
	Video            MediaMetrics `json:"video"`
	RTT              float64      `json:"rtt_ms"`
	AvailableBitrate float64      `json:"available_bitrate_kbps"`
}

type AlertType string

const (
	AlertDegradation AlertType = "degradation"
	AlertImprovement AlertType = "improvement"
	AlertCritical    AlertType = "critical"
)

type QualityAlert struct {
	Type        AlertType    `json:"type"`
	Level       QualityLevel `json:"level"`
	Metric      string       `json:"metric"`
	Value       float64      `json:"value"`
	Threshold   float64      `json:"threshold"`
	Message     string       `json:"message"`
	Suggestions []string     `json:"suggestions,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Locale-free suggestion codes carried by alerts.
const (
	SuggestCheckConnection   = "check_connection"
	SuggestReduceVideo       = "reduce_video_quality"
	SuggestDisableVideo      = "disable_video"
	SuggestMoveCloserToWiFi  = "move_closer_to_router"
	SuggestCloseApplications = "close_other_applications"
	SuggestSwitchNetwork     = "switch_network"
	SuggestUseWiredNetwork   = "use_wired_connection"
)

// Metric names used for per-metric alerts.
const (
	MetricPacketLoss = "packet_loss"
	MetricJitter     = "jitter"
	MetricRTT        = "rtt"
	MetricBitrate    = "bitrate"
	MetricFrameRate  = "frame_rate"
	MetricOverall    = "overall"
)

// QualityThreshold bounds one rung of the ladder. Max values are inclusive.
// Audio and video rungs use loss, jitter and the floors; network rungs use RTT only.
type QualityThreshold struct {
	MaxPacketLoss float64 `yaml:"max_packet_loss"` // percent
	MaxJitter     float64 `yaml:"max_jitter"`      // ms
	MaxRTT        float64 `yaml:"max_rtt"`         // ms
	MinBitrate    float64 `yaml:"min_bitrate"`     // kbps
	MinFrameRate  float64 `yaml:"min_frame_rate"`
}

// QualityLadder holds the excellent, good, fair and poor rungs. Anything
// failing the poor rung is critical.
type QualityLadder struct {
	Excellent QualityThreshold `yaml:"excellent"`
	Good      QualityThreshold `yaml:"good"`
	Fair      QualityThreshold `yaml:"fair"`
	Poor      QualityThreshold `yaml:"poor"`
}

func (l QualityLadder) Rung(level QualityLevel) QualityThreshold {
	switch level {
	case QualityExcellent:
		return l.Excellent
	case QualityGood:
		return l.Good
	case QualityFair:
		return l.Fair
	default:
		return l.Poor
	}
}

type QualityThresholds struct {
	Audio   QualityLadder `yaml:"audio"`
	Video   QualityLadder `yaml:"video"`
	Network QualityLadder `yaml:"network"`
}

func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		Audio: QualityLadder{
			Excellent: QualityThreshold{MaxPacketLoss: 1, MaxJitter: 20, MinBitrate: 48},
			Good:      QualityThreshold{MaxPacketLoss: 3, MaxJitter: 30, MinBitrate: 32},
			Fair:      QualityThreshold{MaxPacketLoss: 5, MaxJitter: 50, MinBitrate: 24},
			Poor:      QualityThreshold{MaxPacketLoss: 10, MaxJitter: 100, MinBitrate: 16},
		},
		Video: QualityLadder{
			Excellent: QualityThreshold{MaxPacketLoss: 1, MaxJitter: 20, MinBitrate: 1500, MinFrameRate: 25},
			Good:      QualityThreshold{MaxPacketLoss: 3, MaxJitter: 30, MinBitrate: 800, MinFrameRate: 20},
			Fair:      QualityThreshold{MaxPacketLoss: 5, MaxJitter: 50, MinBitrate: 400, MinFrameRate: 15},
			Poor:      QualityThreshold{MaxPacketLoss: 10, MaxJitter: 100, MinBitrate: 150, MinFrameRate: 10},
		},
		Network: QualityLadder{
			Excellent: QualityThreshold{MaxRTT: 100},
			Good:      QualityThreshold{MaxRTT: 200},
			Fair:      QualityThreshold{MaxRTT: 300},
			Poor:      QualityThreshold{MaxRTT: 500},
		},
	}
}
