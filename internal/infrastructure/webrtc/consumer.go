package webrtc

import (
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type consumerObservers struct {
	transportClose []func()
	pause          []func()
	resume         []func()
	audioLevel     []func(level float64)
}

// Consumer receives one remote producer through the SFU. It keeps its own
// receive counters and reports the RFC 6464 audio level of audio streams.
type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	mimeType   string
	ssrc       uint32
	levelExtID uint8
	receiver   *webrtc.RTPReceiver
	dtls       *webrtc.DTLSTransport
	counter    *rtpCounter
	clock      clock.Clock
	logger     *zap.SugaredLogger
	onClose    func()

	mu               sync.Mutex
	paused           bool
	closed           bool
	awaitingKeyframe bool
	resumedAt        time.Time
	observers        consumerObservers
}

var _ ports.Consumer = (*Consumer)(nil)

func newConsumer(
	params domain.ConsumeParams,
	receiver *webrtc.RTPReceiver,
	dtls *webrtc.DTLSTransport,
	clockRate uint32,
	c clock.Clock,
	logger *zap.SugaredLogger,
) *Consumer {
	var mimeType string
	if len(params.RTPParameters.Codecs) > 0 {
		mimeType = params.RTPParameters.Codecs[0].MimeType
	}
	return &Consumer{
		id:         params.ID,
		producerID: params.ProducerID,
		kind:       params.Kind,
		mimeType:   mimeType,
		ssrc:       params.RTPParameters.Encodings[0].SSRC,
		levelExtID: headerExtensionID(params.RTPParameters, domain.AudioLevelExtensionURI),
		receiver:   receiver,
		dtls:       dtls,
		counter:    newRTPCounter(clockRate),
		clock:      c,
		logger:     logger.With("consumer_id", params.ID, "producer_id", params.ProducerID),
		paused:     params.Paused,
	}
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.transportClose = append(c.observers.transportClose, fn)
}

func (c *Consumer) OnPause(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.pause = append(c.observers.pause, fn)
}

func (c *Consumer) OnResume(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.resume = append(c.observers.resume, fn)
}

func (c *Consumer) OnAudioLevel(fn func(level float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers.audioLevel = append(c.observers.audioLevel, fn)
}

func (c *Consumer) Pause() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = true
	handlers := append([]func(){}, c.observers.pause...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return nil
}

// Resume restarts delivery. Video consumers ask the sender for a keyframe so
// the decoder can recover without waiting for the next periodic one.
func (c *Consumer) Resume() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = false
	if c.kind == domain.MediaKindVideo {
		c.awaitingKeyframe = true
		c.resumedAt = c.clock.Now()
	}
	handlers := append([]func(){}, c.observers.resume...)
	c.mu.Unlock()

	if c.kind == domain.MediaKindVideo {
		if _, err := c.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: c.ssrc}}); err != nil {
			c.logger.Warnw("failed to request keyframe", "error", err)
		}
	}
	for _, fn := range handlers {
		fn()
	}
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	err := c.receiver.Stop()
	if onClose != nil {
		onClose()
	}
	return err
}

// transportClosed closes the consumer and notifies transport-close
// observers.
func (c *Consumer) transportClosed() {
	c.mu.Lock()
	handlers := append([]func(){}, c.observers.transportClose...)
	c.mu.Unlock()

	_ = c.Close()
	for _, fn := range handlers {
		fn()
	}
}

func (c *Consumer) readRTP() {
	track := c.receiver.Track()
	if track == nil {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.logger.Debugw("consumer read loop ended", "error", err)
			return
		}
		c.handlePacket(pkt)
	}
}

func (c *Consumer) handlePacket(pkt *rtp.Packet) {
	c.counter.update(pkt, c.clock.Now())
	if c.kind == domain.MediaKindVideo {
		c.checkKeyframe(pkt)
		return
	}
	level, ok := audioLevel(pkt, c.levelExtID)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.paused || c.closed {
		c.mu.Unlock()
		return
	}
	handlers := append([]func(float64){}, c.observers.audioLevel...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(level)
	}
}

func (c *Consumer) checkKeyframe(pkt *rtp.Packet) {
	c.mu.Lock()
	waiting := c.awaitingKeyframe
	c.mu.Unlock()
	if !waiting || !isKeyframe(c.mimeType, pkt.Payload) {
		return
	}

	c.mu.Lock()
	c.awaitingKeyframe = false
	wait := c.clock.Now().Sub(c.resumedAt)
	c.mu.Unlock()
	c.logger.Debugw("keyframe received after resume", "wait_ms", wait.Milliseconds())
}

// AwaitingKeyframe reports whether a resumed video consumer is still
// waiting for the requested keyframe.
func (c *Consumer) AwaitingKeyframe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingKeyframe
}

// drainRTCP keeps the receiver's RTCP buffer from filling up.
func (c *Consumer) drainRTCP() {
	for {
		if _, _, err := c.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (c *Consumer) inboundStats() domain.InboundRTPStats {
	packets, bytes := c.counter.totals()
	return domain.InboundRTPStats{
		ID:              c.id,
		Kind:            c.kind,
		SSRC:            c.ssrc,
		PacketsReceived: packets,
		PacketsLost:     c.counter.lost(),
		BytesReceived:   bytes,
		Jitter:          c.counter.jitterSeconds(),
	}
}
