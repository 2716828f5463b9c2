package webrtc

import (
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Producer sends one local track. Pausing detaches the track from the
// sender so no RTP leaves the endpoint.
type Producer struct {
	id      string
	source  trackSource
	sender  *webrtc.RTPSender
	ssrc    uint32
	logger  *zap.SugaredLogger
	onClose func()

	mu           sync.Mutex
	paused       bool
	closed       bool
	fractionLost uint8
	totalLost    uint32
}

var _ ports.Producer = (*Producer)(nil)

func newProducer(id string, source trackSource, sender *webrtc.RTPSender, logger *zap.SugaredLogger) *Producer {
	var ssrc uint32
	if encodings := sender.GetParameters().Encodings; len(encodings) > 0 {
		ssrc = uint32(encodings[0].SSRC)
	}
	return &Producer{
		id:     id,
		source: source,
		sender: sender,
		ssrc:   ssrc,
		logger: logger.With("producer_id", id),
	}
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.source.Kind() }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrSessionClosed
	}
	if p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(nil); err != nil {
		return err
	}
	p.paused = true
	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrSessionClosed
	}
	if !p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(p.source.trackLocal()); err != nil {
		return err
	}
	p.paused = false
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	onClose := p.onClose
	p.mu.Unlock()

	err := p.sender.Stop()
	if onClose != nil {
		onClose()
	}
	return err
}

// readRTCP consumes SFU feedback until the sender stops. Receiver reports
// for our SSRC feed the outbound stats.
func (p *Producer) readRTCP() {
	for {
		packets, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		p.handleRTCP(packets)
	}
}

func (p *Producer) handleRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			if report.SSRC != p.ssrc {
				continue
			}
			p.mu.Lock()
			p.fractionLost = report.FractionLost
			p.totalLost = report.TotalLost
			p.mu.Unlock()
		}
	}
}

func (p *Producer) outboundStats() domain.OutboundRTPStats {
	samples, bytes := p.source.counters()
	return domain.OutboundRTPStats{
		ID:          p.id,
		Kind:        p.source.Kind(),
		SSRC:        p.ssrc,
		PacketsSent: samples,
		BytesSent:   bytes,
	}
}

// RemoteLoss returns the last loss fraction (0..1) and cumulative loss the
// SFU reported for this producer.
func (p *Producer) RemoteLoss() (fraction float64, total uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.fractionLost) / 256, p.totalLost
}
