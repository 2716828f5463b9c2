package domain

import "time"

// InboundRTPStats are cumulative receive counters for one stream.
type InboundRTPStats struct {
	ID              string
	Kind            MediaKind
	SSRC            uint32
	PacketsReceived uint64
	PacketsLost     int64
	BytesReceived   uint64
	Jitter          float64 // seconds
	FramesDecoded   uint32
	FrameWidth      uint32
	FrameHeight     uint32
}

// OutboundRTPStats are cumulative send counters for one stream.
type OutboundRTPStats struct {
	ID              string
	Kind            MediaKind
	SSRC            uint32
	PacketsSent     uint64
	BytesSent       uint64
	FramesEncoded   uint32
	FrameWidth      uint32
	FrameHeight     uint32
	FramesPerSecond float64
}

type CandidatePairStats struct {
	ID                       string
	State                    string
	Nominated                bool
	CurrentRoundTripTime     float64 // seconds
	AvailableOutgoingBitrate float64 // bits per second
	AvailableIncomingBitrate float64 // bits per second
}

// StatsReport is one raw pull from a stats provider.
type StatsReport struct {
	Timestamp      time.Time
	Inbound        []InboundRTPStats
	Outbound       []OutboundRTPStats
	CandidatePairs []CandidatePairStats
}

// ActiveCandidatePair returns the nominated succeeded pair, falling back to
// any succeeded pair.
func (r StatsReport) ActiveCandidatePair() (CandidatePairStats, bool) {
	var fallback *CandidatePairStats
	for i := range r.CandidatePairs {
		pair := r.CandidatePairs[i]
		if pair.State != "succeeded" {
			continue
		}
		if pair.Nominated {
			return pair, true
		}
		if fallback == nil {
			fallback = &r.CandidatePairs[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return CandidatePairStats{}, false
}
