package webrtc

import (
	"context"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Device implements the media device on the pion ORTC API. Each SFU
// transport maps to an ICE gatherer, an ICE transport and a DTLS transport;
// producers are RTPSenders and consumers RTPReceivers on top of it.
type Device struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	clock      clock.Clock
	logger     *zap.SugaredLogger

	mu     sync.RWMutex
	loaded bool
	caps   domain.RTPCapabilities
}

var _ ports.MediaDevice = (*Device)(nil)

func NewDevice(api *webrtc.API, cfg Config, logger *zap.SugaredLogger) *Device {
	return &Device{
		api:        api,
		iceServers: cfg.iceServers(),
		clock:      clock.Real{},
		logger:     logger.With("component", "media_device"),
	}
}

// Load negotiates against the SFU capabilities. Codecs this endpoint cannot
// handle are dropped; at least one audio codec must remain.
func (d *Device) Load(ctx context.Context, caps domain.RTPCapabilities) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	negotiated, err := negotiateCapabilities(caps)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.caps = negotiated
	d.loaded = true
	d.mu.Unlock()

	d.logger.Debugw("device loaded", "codecs", len(negotiated.Codecs))
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Device) RecvRTPCapabilities() domain.RTPCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return domain.RTPCapabilities{
		Codecs:           append([]domain.RTPCodecCapability(nil), d.caps.Codecs...),
		HeaderExtensions: append([]domain.RTPHeaderExtension(nil), d.caps.HeaderExtensions...),
	}
}

func (d *Device) CreateSendTransport(params domain.TransportParams) (ports.SendTransport, error) {
	base, err := d.newTransport(domain.TransportSend, params)
	if err != nil {
		return nil, err
	}
	return &SendTransport{transport: base, producers: make(map[string]*Producer)}, nil
}

func (d *Device) CreateRecvTransport(params domain.TransportParams) (ports.RecvTransport, error) {
	base, err := d.newTransport(domain.TransportRecv, params)
	if err != nil {
		return nil, err
	}
	return &RecvTransport{transport: base, consumers: make(map[string]*Consumer)}, nil
}

func (d *Device) newTransport(direction domain.TransportDirection, params domain.TransportParams) (*transport, error) {
	if !d.Loaded() {
		return nil, domain.ErrDeviceNotLoaded
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	gatherer, err := d.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: d.iceServers})
	if err != nil {
		return nil, err
	}
	ice := d.api.NewICETransport(gatherer)
	dtls, err := d.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	return &transport{
		id:        params.ID,
		direction: direction,
		api:       d.api,
		remote:    params,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		clock:     d.clock,
		logger:    d.logger.With("transport_id", params.ID, "direction", direction),
	}, nil
}
