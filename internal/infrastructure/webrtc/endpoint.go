package webrtc

import (
	"context"
	"fmt"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Endpoint terminates the client's peer connection of a one-to-one call.
// Its statistics feed the quality monitor, with the send-side estimate as the
// available bitrate, and adaptation decisions reach the remote encoder as
// REMB feedback.
type Endpoint struct {
	pc     *webrtc.PeerConnection
	stats  *PeerConnectionStats
	logger *zap.SugaredLogger

	mu         sync.Mutex
	videoSSRCs []uint32
}

var (
	_ ports.StatsProvider       = (*Endpoint)(nil)
	_ ports.VideoQualityApplier = (*Endpoint)(nil)
)

// NewEndpoint builds a peer connection on its own API so the congestion
// controller created for it can be tied to its stats.
func NewEndpoint(cfg Config, logger *zap.SugaredLogger) (*Endpoint, error) {
	var estimator cc.BandwidthEstimator
	api, err := newAPI(cfg, func(e cc.BandwidthEstimator) { estimator = e })
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	e := &Endpoint{
		pc:     pc,
		stats:  NewPeerConnectionStats(pc),
		logger: logger.With("component", "media_endpoint"),
	}
	if estimator != nil {
		e.stats.setEstimator(estimator)
	}
	pc.OnTrack(e.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Infow("peer connection state changed", "connection_state", state.String())
	})
	return e, nil
}

func (e *Endpoint) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		e.mu.Lock()
		e.videoSSRCs = append(e.videoSSRCs, uint32(track.SSRC()))
		e.mu.Unlock()
	}
	e.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
	)

	// Reading drives the interceptors that produce the inbound stats.
	go func() {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()
}

// Answer applies the client's SDP offer and returns the local answer once
// ICE gathering has finished.
func (e *Endpoint) Answer(ctx context.Context, offer string) (string, error) {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("invalid offer: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *Endpoint) GetStats(ctx context.Context) (domain.StatsReport, error) {
	return e.stats.GetStats(ctx)
}

// ApplyVideoTier caps the remote video sender at the tier bitrate.
func (e *Endpoint) ApplyVideoTier(ctx context.Context, profile domain.TierProfile) error {
	e.mu.Lock()
	ssrcs := append([]uint32(nil), e.videoSSRCs...)
	e.mu.Unlock()
	if len(ssrcs) == 0 {
		return nil
	}
	return e.pc.WriteRTCP([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: float32(profile.Bitrate * 1000),
		SSRCs:   ssrcs,
	}})
}

func (e *Endpoint) Close() error {
	return e.pc.Close()
}
