package webrtc

import (
	"context"
	"sort"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"

	"github.com/pion/webrtc/v4"
)

// ConvertStats keeps the inbound-rtp, outbound-rtp and candidate-pair
// entries of a pion report. Entries are ordered by id.
func ConvertStats(report webrtc.StatsReport, c clock.Clock) domain.StatsReport {
	out := domain.StatsReport{Timestamp: c.Now()}

	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		switch s := report[id].(type) {
		case webrtc.InboundRTPStreamStats:
			out.Inbound = append(out.Inbound, convertInbound(s))
		case *webrtc.InboundRTPStreamStats:
			out.Inbound = append(out.Inbound, convertInbound(*s))
		case webrtc.OutboundRTPStreamStats:
			out.Outbound = append(out.Outbound, convertOutbound(s))
		case *webrtc.OutboundRTPStreamStats:
			out.Outbound = append(out.Outbound, convertOutbound(*s))
		case webrtc.ICECandidatePairStats:
			out.CandidatePairs = append(out.CandidatePairs, convertCandidatePair(s))
		case *webrtc.ICECandidatePairStats:
			out.CandidatePairs = append(out.CandidatePairs, convertCandidatePair(*s))
		}
	}
	return out
}

func convertInbound(s webrtc.InboundRTPStreamStats) domain.InboundRTPStats {
	return domain.InboundRTPStats{
		ID:              s.ID,
		Kind:            domain.MediaKind(s.Kind),
		SSRC:            uint32(s.SSRC),
		PacketsReceived: uint64(s.PacketsReceived),
		PacketsLost:     int64(s.PacketsLost),
		BytesReceived:   s.BytesReceived,
		Jitter:          s.Jitter,
		FramesDecoded:   s.FramesDecoded,
		FrameWidth:      s.FrameWidth,
		FrameHeight:     s.FrameHeight,
	}
}

func convertOutbound(s webrtc.OutboundRTPStreamStats) domain.OutboundRTPStats {
	return domain.OutboundRTPStats{
		ID:              s.ID,
		Kind:            domain.MediaKind(s.Kind),
		SSRC:            uint32(s.SSRC),
		PacketsSent:     uint64(s.PacketsSent),
		BytesSent:       s.BytesSent,
		FramesEncoded:   s.FramesEncoded,
		FrameWidth:      s.FrameWidth,
		FrameHeight:     s.FrameHeight,
		FramesPerSecond: s.FramesPerSecond,
	}
}

func convertCandidatePair(s webrtc.ICECandidatePairStats) domain.CandidatePairStats {
	return domain.CandidatePairStats{
		ID:                       s.ID,
		State:                    string(s.State),
		Nominated:                s.Nominated,
		CurrentRoundTripTime:     s.CurrentRoundTripTime,
		AvailableOutgoingBitrate: s.AvailableOutgoingBitrate,
		AvailableIncomingBitrate: s.AvailableIncomingBitrate,
	}
}

// bitrateEstimator is the part of a congestion controller the stats need.
type bitrateEstimator interface {
	GetTargetBitrate() int
}

// applyEstimate fills the available outgoing bitrate of nominated pairs that
// pion left at zero.
func applyEstimate(report *domain.StatsReport, bps int) {
	if bps <= 0 {
		return
	}
	for i := range report.CandidatePairs {
		pair := &report.CandidatePairs[i]
		if pair.Nominated && pair.AvailableOutgoingBitrate == 0 {
			pair.AvailableOutgoingBitrate = float64(bps)
		}
	}
}

// PeerConnectionStats is a StatsProvider over a pion peer connection.
type PeerConnectionStats struct {
	pc    *webrtc.PeerConnection
	clock clock.Clock

	mu        sync.Mutex
	estimator bitrateEstimator
}

var _ ports.StatsProvider = (*PeerConnectionStats)(nil)

func NewPeerConnectionStats(pc *webrtc.PeerConnection) *PeerConnectionStats {
	return &PeerConnectionStats{pc: pc, clock: clock.Real{}}
}

func (p *PeerConnectionStats) GetStats(ctx context.Context) (domain.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatsReport{}, err
	}
	if p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return domain.StatsReport{}, domain.ErrSessionClosed
	}
	report := ConvertStats(p.pc.GetStats(), p.clock)

	p.mu.Lock()
	estimator := p.estimator
	p.mu.Unlock()
	if estimator != nil {
		applyEstimate(&report, estimator.GetTargetBitrate())
	}
	return report, nil
}

// setEstimator makes the congestion controller's target bitrate the
// connection's available outgoing bitrate.
func (p *PeerConnectionStats) setEstimator(e bitrateEstimator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimator = e
}
