package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var errNoConnectHandler = errors.New("transport has no connect handler")

// transport is the ICE + DTLS pair shared by both directions. It connects
// lazily on the first produce or consume.
type transport struct {
	id        string
	direction domain.TransportDirection
	api       *webrtc.API
	remote    domain.TransportParams
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	clock     clock.Clock
	logger    *zap.SugaredLogger

	connectMu sync.Mutex

	mu        sync.Mutex
	connected bool
	closed    bool
	onConnect ports.ConnectHandler
}

func (t *transport) ID() string                           { return t.id }
func (t *transport) Direction() domain.TransportDirection { return t.direction }

func (t *transport) OnConnect(handler ports.ConnectHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = handler
}

func (t *transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// connect gathers local candidates, hands the local DTLS parameters to the
// connect handler and then runs ICE and the DTLS handshake against the SFU.
func (t *transport) connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	closed, connected, handler := t.closed, t.connected, t.onConnect
	t.mu.Unlock()
	switch {
	case closed:
		return domain.ErrSessionClosed
	case connected:
		return nil
	case handler == nil:
		return errNoConnectHandler
	}

	if err := t.gather(ctx); err != nil {
		return fmt.Errorf("ice gathering failed: %w", err)
	}
	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	if err := handler(ctx, fromDTLSParameters(local)); err != nil {
		return err
	}

	candidates, err := toICECandidates(t.remote.ICECandidates)
	if err != nil {
		return err
	}
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("remote candidates: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = t.ice.Stop() })
	defer stop()

	role := webrtc.ICERoleControlling
	if err := t.ice.Start(nil, toICEParameters(t.remote.ICEParameters), &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(toDTLSParameters(t.remote.DTLSParameters)); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.logger.Infow("transport connected")
	return nil
}

func (t *transport) gather(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) candidatePair() []domain.CandidatePairStats {
	pair, ok := t.ice.GetSelectedCandidatePairStats()
	if !ok {
		return nil
	}
	return []domain.CandidatePairStats{convertCandidatePair(pair)}
}

// shutdown stops DTLS, ICE and the gatherer. It reports false when the
// transport was already closed.
func (t *transport) shutdown() bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		t.logger.Debugw("transport shutdown reported errors", "error", err)
	}
	t.logger.Infow("transport closed")
	return true
}

// SendTransport carries local producers to the SFU.
type SendTransport struct {
	*transport

	producerMu sync.Mutex
	onProduce  ports.ProduceHandler
	producers  map[string]*Producer
}

var _ ports.SendTransport = (*SendTransport)(nil)

func (t *SendTransport) OnProduce(handler ports.ProduceHandler) {
	t.producerMu.Lock()
	defer t.producerMu.Unlock()
	t.onProduce = handler
}

// Produce starts sending track. The produce handler is asked for the
// server-side producer id before any media flows.
func (t *SendTransport) Produce(ctx context.Context, track ports.LocalTrack, opts domain.CodecOptions) (ports.Producer, error) {
	source, ok := track.(trackSource)
	if !ok {
		return nil, fmt.Errorf("unsupported local track %T", track)
	}
	t.producerMu.Lock()
	handler := t.onProduce
	t.producerMu.Unlock()
	if handler == nil {
		return nil, errors.New("transport has no produce handler")
	}

	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(source.trackLocal(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	params := sender.GetParameters()
	id, err := handler(ctx, source.Kind(), sendParameters(source.Kind(), params, opts, source.ID()))
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	producer := newProducer(id, source, sender, t.logger)
	producer.onClose = func() {
		t.producerMu.Lock()
		delete(t.producers, id)
		t.producerMu.Unlock()
	}
	t.producerMu.Lock()
	t.producers[id] = producer
	t.producerMu.Unlock()
	go producer.readRTCP()

	t.logger.Infow("producer started", "producer_id", id, "kind", source.Kind())
	return producer, nil
}

func (t *SendTransport) GetStats(ctx context.Context) (domain.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatsReport{}, err
	}
	if t.isClosed() {
		return domain.StatsReport{}, domain.ErrSessionClosed
	}
	report := domain.StatsReport{Timestamp: t.clock.Now(), CandidatePairs: t.candidatePair()}

	t.producerMu.Lock()
	for _, p := range t.producers {
		report.Outbound = append(report.Outbound, p.outboundStats())
	}
	t.producerMu.Unlock()
	sort.Slice(report.Outbound, func(i, j int) bool { return report.Outbound[i].ID < report.Outbound[j].ID })
	return report, nil
}

func (t *SendTransport) Close() error {
	t.producerMu.Lock()
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.producerMu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	t.shutdown()
	return nil
}

// RecvTransport carries SFU consumers to this endpoint.
type RecvTransport struct {
	*transport

	consumerMu sync.Mutex
	consumers  map[string]*Consumer
}

var _ ports.RecvTransport = (*RecvTransport)(nil)

func (t *RecvTransport) Consume(ctx context.Context, params domain.ConsumeParams) (ports.Consumer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rtpParams, recvParams, err := receiveParameters(params.RTPParameters)
	if err != nil {
		return nil, err
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(codecKind(params.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	receiver.SetRTPParameters(rtpParams)
	if err := receiver.Receive(recvParams); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	var clockRate uint32
	if len(params.RTPParameters.Codecs) > 0 {
		clockRate = params.RTPParameters.Codecs[0].ClockRate
	}
	consumer := newConsumer(params, receiver, t.dtls, clockRate, t.clock, t.logger)
	consumer.onClose = func() {
		t.consumerMu.Lock()
		delete(t.consumers, params.ID)
		t.consumerMu.Unlock()
	}
	t.consumerMu.Lock()
	t.consumers[params.ID] = consumer
	t.consumerMu.Unlock()
	go consumer.readRTP()
	go consumer.drainRTCP()

	t.logger.Infow("consumer started",
		"consumer_id", params.ID,
		"producer_id", params.ProducerID,
		"kind", params.Kind,
	)
	return consumer, nil
}

func (t *RecvTransport) GetStats(ctx context.Context) (domain.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatsReport{}, err
	}
	if t.isClosed() {
		return domain.StatsReport{}, domain.ErrSessionClosed
	}
	report := domain.StatsReport{Timestamp: t.clock.Now(), CandidatePairs: t.candidatePair()}

	t.consumerMu.Lock()
	for _, c := range t.consumers {
		report.Inbound = append(report.Inbound, c.inboundStats())
	}
	t.consumerMu.Unlock()
	sort.Slice(report.Inbound, func(i, j int) bool { return report.Inbound[i].ID < report.Inbound[j].ID })
	return report, nil
}

// Close stops every consumer and reports the transport closure to them.
func (t *RecvTransport) Close() error {
	t.consumerMu.Lock()
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.consumerMu.Unlock()

	if !t.shutdown() {
		return nil
	}
	for _, c := range consumers {
		c.transportClosed()
	}
	return nil
}
