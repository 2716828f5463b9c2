package webrtc

import (
	"fmt"

	"callengine/internal/core/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/webrtc/v4"
)

// Send-side estimator bounds in bits per second.
const (
	bweInitialBitrate = 1_000_000
	bweMinBitrate     = 100_000
	bweMaxBitrate     = 4_000_000
)

// Config WebRTC configuration
type Config struct {
	ICEServers []string
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.ICEServers}}
}

// NewAPI builds a pion API with the default codecs, the RFC 6464 audio level
// extension and the default interceptor chain (NACK, RTCP reports, TWCC,
// stats).
func NewAPI(cfg Config) (*webrtc.API, error) {
	return newAPI(cfg, nil)
}

// newAPI additionally installs a send-side congestion controller when
// onEstimator is set. The callback runs inside NewPeerConnection with the
// estimator of the connection being built.
func newAPI(cfg Config, onEstimator func(cc.BandwidthEstimator)) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: domain.AudioLevelExtensionURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("failed to register audio level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	if onEstimator != nil {
		if err := configureCongestionControl(m, registry, onEstimator); err != nil {
			return nil, err
		}
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func configureCongestionControl(m *webrtc.MediaEngine, registry *interceptor.Registry, onEstimator func(cc.BandwidthEstimator)) error {
	controller, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(
			gcc.SendSideBWEInitialBitrate(bweInitialBitrate),
			gcc.SendSideBWEMinBitrate(bweMinBitrate),
			gcc.SendSideBWEMaxBitrate(bweMaxBitrate),
			gcc.SendSideBWEPacer(gcc.NewNoOpPacer()),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to init congestion controller: %w", err)
	}
	controller.OnNewPeerConnection(func(_ string, estimator cc.BandwidthEstimator) {
		onEstimator(estimator)
	})
	registry.Add(controller)

	if err := webrtc.ConfigureTWCCHeaderExtensionSender(m, registry); err != nil {
		return fmt.Errorf("failed to add TWCC extensions: %w", err)
	}
	return nil
}
