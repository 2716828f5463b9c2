package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"
	"callengine/pkg/errors"
	"callengine/pkg/periodic"
	"callengine/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type GroupSessionConfig struct {
	StatsInterval  time.Duration
	RequestTimeout time.Duration
	// AllowFallback substitutes default capabilities and synthesized
	// transport parameters when the SFU cannot be reached. Development only.
	AllowFallback     bool
	SpeakingThreshold float64
}

func DefaultGroupSessionConfig() GroupSessionConfig {
	return GroupSessionConfig{
		StatsInterval:     5 * time.Second,
		RequestTimeout:    10 * time.Second,
		AllowFallback:     false,
		SpeakingThreshold: 0.1,
	}
}

type participantEntry struct {
	info     domain.Participant
	consumer *consumerHandle
}

// consumerHandle makes Close safe to call from several paths.
type consumerHandle struct {
	ports.Consumer
	once sync.Once
	err  error
}

func (c *consumerHandle) Close() error {
	c.once.Do(func() {
		c.err = c.Consumer.Close()
	})
	return c.err
}

type SessionErrorHandler func(operation string, participantID domain.ParticipantID, err error)

type groupObservers struct {
	state    []func(from, to domain.SessionState)
	joined   []func(domain.Participant)
	left     []func(domain.Participant)
	updated  []func(domain.Participant)
	muted    []func(id domain.ParticipantID, muted bool)
	speaking []func(id domain.ParticipantID, speaking bool)
	stats    []func(domain.SessionStats)
	errors   []SessionErrorHandler
}

// GroupSession drives the media side of one room on an SFU: a send transport
// carrying the local audio producer and a receive transport carrying one
// consumer per remote participant.
type GroupSession struct {
	cfg     GroupSessionConfig
	roomID  domain.RoomID
	localID domain.ParticipantID
	sfu     ports.SFUSignaling
	device  ports.MediaDevice
	clock   clock.Clock
	bus     ports.EventPublisher
	logger  *zap.SugaredLogger
	call    *CallStateMachine
	task    *periodic.Task

	mu            sync.Mutex
	state         domain.SessionState
	generation    uint64
	localStream   ports.LocalStream
	sendTransport ports.SendTransport
	recvTransport ports.RecvTransport
	producer      ports.Producer
	participants  map[domain.ParticipantID]*participantEntry
	stats         domain.SessionStats
	observers     groupObservers
}

func NewGroupSession(
	roomID domain.RoomID,
	localID domain.ParticipantID,
	cfg GroupSessionConfig,
	sfu ports.SFUSignaling,
	device ports.MediaDevice,
	bus ports.EventPublisher,
	logger *zap.SugaredLogger,
) *GroupSession {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	s := &GroupSession{
		cfg:          cfg,
		roomID:       roomID,
		localID:      localID,
		sfu:          sfu,
		device:       device,
		clock:        clock.Real{},
		bus:          publisherOrNop(bus),
		logger:       logger.With("room_id", roomID),
		state:        domain.SessionUninitialized,
		participants: make(map[domain.ParticipantID]*participantEntry),
		stats:        domain.SessionStats{RoomID: roomID},
	}
	s.call = NewCallStateMachine(domain.CallID(roomID), bus, logger)
	s.task = periodic.New(cfg.StatsInterval, s.collectStats)
	return s
}

// SetClock replaces the time source. Intended for tests.
func (s *GroupSession) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

func (s *GroupSession) RoomID() domain.RoomID { return s.roomID }

// CallState is the local participant's lifecycle in the room.
func (s *GroupSession) CallState() *CallStateMachine { return s.call }

func (s *GroupSession) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *GroupSession) OnStateChange(fn func(from, to domain.SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.state = append(s.observers.state, fn)
}

func (s *GroupSession) OnParticipantJoined(fn func(domain.Participant)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.joined = append(s.observers.joined, fn)
}

func (s *GroupSession) OnParticipantLeft(fn func(domain.Participant)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.left = append(s.observers.left, fn)
}

func (s *GroupSession) OnParticipantUpdated(fn func(domain.Participant)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.updated = append(s.observers.updated, fn)
}

func (s *GroupSession) OnMuteChanged(fn func(id domain.ParticipantID, muted bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.muted = append(s.observers.muted, fn)
}

func (s *GroupSession) OnSpeakingChanged(fn func(id domain.ParticipantID, speaking bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.speaking = append(s.observers.speaking, fn)
}

func (s *GroupSession) OnStats(fn func(domain.SessionStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.stats = append(s.observers.stats, fn)
}

// OnError receives negotiation and consume failures. They are reported here
// even when a fallback kept the session running.
func (s *GroupSession) OnError(fn SessionErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers.errors = append(s.observers.errors, fn)
}

func (s *GroupSession) snapshotObservers() groupObservers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observers
}

func (s *GroupSession) notifyState(from, to domain.SessionState) {
	if from == to {
		return
	}
	observers := s.snapshotObservers().state
	s.logger.Infow("group session state changed", "from", from, "to", to)
	for _, fn := range observers {
		fn(from, to)
	}
	s.bus.Publish(domain.Event{
		Type:    domain.EventSessionStateChanged,
		CallID:  domain.CallID(s.roomID),
		RoomID:  s.roomID,
		Payload: domain.SessionStatePayload{From: from, To: to},
	})
}

func (s *GroupSession) reportError(operation string, participantID domain.ParticipantID, err error) {
	s.logger.Warnw("group session operation failed",
		"operation", operation,
		"participant_id", participantID,
		"error", err,
	)
	for _, fn := range s.snapshotObservers().errors {
		fn(operation, participantID, err)
	}

	message := err.Error()
	if appErr := errors.GetAppError(err); appErr != nil {
		message = appErr.Message
	}
	s.bus.Publish(domain.Event{
		Type:          domain.EventSessionError,
		CallID:        domain.CallID(s.roomID),
		RoomID:        s.roomID,
		ParticipantID: participantID,
		Payload: domain.SessionErrorPayload{
			Operation: operation,
			Code:      string(errors.CodeOf(err)),
			Message:   message,
		},
	})
}

func (s *GroupSession) reportFallback(operation string, cause error) {
	s.logger.Warnw("sfu unreachable, using fallback parameters; not for production use",
		"operation", operation,
		"error", cause,
	)
	s.bus.Publish(domain.Event{
		Type:    domain.EventSFUFallback,
		CallID:  domain.CallID(s.roomID),
		RoomID:  s.roomID,
		Payload: domain.FallbackPayload{Operation: operation, Reason: cause.Error()},
	})
}

// current reports whether gen is still the live session generation.
func (s *GroupSession) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen && s.state != domain.SessionClosed
}

func (s *GroupSession) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// Initialize negotiates with the SFU, builds both transports, starts
// producing the local audio track and starts the stats collector.
// Precondition failures are returned; a failure once negotiation has started
// also closes the session.
func (s *GroupSession) Initialize(ctx context.Context, localStream ports.LocalStream) error {
	if localStream == nil {
		return errors.NewPreconditionError("no local stream", domain.ErrNoLocalStream)
	}
	if len(localStream.AudioTracks()) == 0 {
		return errors.NewPreconditionError("local stream has no audio track", domain.ErrNoAudioTrack)
	}

	s.mu.Lock()
	switch s.state {
	case domain.SessionClosed:
		s.mu.Unlock()
		return errors.WrapError(domain.ErrSessionClosed, errors.ErrCodeSessionClosed, "session closed", http.StatusConflict)
	case domain.SessionInitializing, domain.SessionActive:
		s.mu.Unlock()
		return errors.WrapError(domain.ErrSessionActive, errors.ErrCodeConflict, "session already initialized", http.StatusConflict)
	}
	gen := s.generation
	from := s.state
	s.state = domain.SessionInitializing
	s.localStream = localStream
	s.mu.Unlock()

	s.notifyState(from, domain.SessionInitializing)
	s.call.Transition(domain.CallStateInitiating, WithReason("join room"))

	ctx, span := tracing.TraceGroupOperation(ctx, "initialize", string(s.roomID))
	defer span.End()

	if err := s.initialize(ctx, gen); err != nil {
		tracing.RecordError(ctx, err)
		if s.current(gen) {
			s.Cleanup()
		}
		return err
	}
	return nil
}

func (s *GroupSession) initialize(ctx context.Context, gen uint64) error {
	caps, err := s.loadCapabilities(ctx)
	if err != nil {
		return err
	}
	if !s.current(gen) {
		return domain.ErrSessionClosed
	}
	if err := s.device.Load(ctx, caps); err != nil {
		return errors.NewPreconditionError("media device failed to load", fmt.Errorf("%w: %v", domain.ErrDeviceNotLoaded, err))
	}

	s.call.Transition(domain.CallStateConnecting, WithReason("transports"))

	var sendParams, recvParams domain.TransportParams
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sendParams, err = s.createTransportParams(gctx, domain.TransportSend)
		return err
	})
	g.Go(func() error {
		var err error
		recvParams, err = s.createTransportParams(gctx, domain.TransportRecv)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !s.current(gen) {
		return domain.ErrSessionClosed
	}

	if !s.device.Loaded() {
		return errors.NewPreconditionError("media device not loaded", domain.ErrDeviceNotLoaded)
	}
	send, err := s.device.CreateSendTransport(sendParams)
	if err != nil {
		return errors.NewNegotiationError("send transport", err)
	}
	recv, err := s.device.CreateRecvTransport(recvParams)
	if err != nil {
		closeQuietly(s.logger, "send transport", send.Close)
		return errors.NewNegotiationError("recv transport", err)
	}

	s.wireConnect(send)
	s.wireConnect(recv)
	s.wireProduce(send)

	s.mu.Lock()
	if s.generation != gen || s.state == domain.SessionClosed {
		s.mu.Unlock()
		closeQuietly(s.logger, "send transport", send.Close)
		closeQuietly(s.logger, "recv transport", recv.Close)
		return domain.ErrSessionClosed
	}
	s.sendTransport = send
	s.recvTransport = recv
	s.mu.Unlock()

	if err := s.StartProducing(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.generation != gen || s.state == domain.SessionClosed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	var pending []domain.ParticipantID
	for id, entry := range s.participants {
		if entry.info.ProducerID != "" && entry.consumer == nil {
			pending = append(pending, id)
		}
	}
	s.state = domain.SessionActive
	s.mu.Unlock()

	s.task.Start(context.WithoutCancel(ctx))
	if !s.current(gen) {
		// Cleanup ran between activation and the timer start.
		s.task.Stop()
		return domain.ErrSessionClosed
	}
	s.notifyState(domain.SessionInitializing, domain.SessionActive)
	s.call.Transition(domain.CallStateConnected, WithReason("producing"))

	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	for _, id := range pending {
		_ = s.ConsumeParticipant(ctx, id)
	}
	return nil
}

func (s *GroupSession) loadCapabilities(ctx context.Context) (domain.RTPCapabilities, error) {
	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()

	caps, err := s.sfu.GetRTPCapabilities(reqCtx, s.roomID)
	if err == nil {
		err = caps.Validate()
	}
	if err == nil {
		return caps, nil
	}

	negErr := errors.NewNegotiationError("rtp capabilities", err)
	s.reportError("rtp_capabilities", "", negErr)
	if !s.cfg.AllowFallback {
		return domain.RTPCapabilities{}, negErr
	}
	s.reportFallback("rtp_capabilities", err)
	return domain.DefaultRTPCapabilities(), nil
}

func (s *GroupSession) createTransportParams(ctx context.Context, direction domain.TransportDirection) (domain.TransportParams, error) {
	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()

	params, err := s.sfu.CreateTransport(reqCtx, domain.CreateTransportRequest{
		RoomID:        s.roomID,
		ParticipantID: s.localID,
		Direction:     direction,
	})
	if err == nil {
		err = params.Validate()
	}
	if err == nil {
		return params, nil
	}

	operation := "create_" + string(direction) + "_transport"
	negErr := errors.NewNegotiationError(string(direction)+" transport", err)
	s.reportError(operation, "", negErr)
	if !s.cfg.AllowFallback {
		return domain.TransportParams{}, negErr
	}
	s.reportFallback(operation, err)
	return domain.FallbackTransportParams("fallback-" + string(direction) + "-" + uuid.NewString()), nil
}

func (s *GroupSession) wireConnect(t ports.Transport) {
	transportID := t.ID()
	t.OnConnect(func(ctx context.Context, dtls domain.DTLSParameters) error {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()

		err := s.sfu.ConnectTransport(reqCtx, domain.ConnectTransportRequest{
			TransportID:    transportID,
			DTLSParameters: dtls,
		})
		if err != nil {
			negErr := errors.NewNegotiationError("transport connect", err)
			s.reportError("connect_transport", "", negErr)
			return negErr
		}
		s.logger.Debugw("transport connected", "transport_id", transportID, "direction", t.Direction())
		return nil
	})
}

func (s *GroupSession) wireProduce(t ports.SendTransport) {
	transportID := t.ID()
	t.OnProduce(func(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (string, error) {
		reqCtx, cancel := s.requestContext(ctx)
		defer cancel()

		req := domain.ProduceRequest{
			TransportID:   transportID,
			Kind:          kind,
			RTPParameters: params,
			AppData:       map[string]string{"participantId": string(s.localID)},
		}
		if err := req.Validate(); err != nil {
			return "", errors.NewInvalidInputError(err.Error())
		}

		res, err := s.sfu.Produce(reqCtx, req)
		if err == nil {
			err = res.Validate()
		}
		if err == nil {
			return res.ID, nil
		}

		negErr := errors.NewNegotiationError("produce", err)
		s.reportError("produce", s.localID, negErr)
		if !s.cfg.AllowFallback {
			return "", negErr
		}
		s.reportFallback("produce", err)
		return "fallback-producer-" + uuid.NewString(), nil
	})
}

// StartProducing publishes the local audio track on the send transport.
func (s *GroupSession) StartProducing(ctx context.Context) error {
	s.mu.Lock()
	send, stream, existing := s.sendTransport, s.localStream, s.producer
	s.mu.Unlock()

	if existing != nil {
		return nil
	}
	if !s.device.Loaded() {
		return errors.NewPreconditionError("media device not loaded", domain.ErrDeviceNotLoaded)
	}
	if send == nil {
		return errors.NewPreconditionError("send transport not created", domain.ErrNoSendTransport)
	}
	if stream == nil {
		return errors.NewPreconditionError("no local stream", domain.ErrNoLocalStream)
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return errors.NewPreconditionError("local stream has no audio track", domain.ErrNoAudioTrack)
	}

	producer, err := send.Produce(ctx, tracks[0], domain.VoiceCodecOptions())
	if err != nil {
		return errors.NewNegotiationError("produce", err)
	}

	s.mu.Lock()
	if s.state == domain.SessionClosed || s.producer != nil {
		s.mu.Unlock()
		closeQuietly(s.logger, "producer", producer.Close)
		return nil
	}
	s.producer = producer
	s.stats.Producing = true
	s.mu.Unlock()

	s.logger.Infow("producing local audio", "producer_id", producer.ID(), "participant_id", s.localID)
	return nil
}

// SetLocalMuted pauses or resumes the local producer.
func (s *GroupSession) SetLocalMuted(muted bool) error {
	s.mu.Lock()
	producer := s.producer
	s.mu.Unlock()

	if producer == nil {
		return errors.NewPreconditionError("no local producer", domain.ErrNoProducer)
	}
	if muted {
		return producer.Pause()
	}
	return producer.Resume()
}

// LocalMuted reports whether the local producer is paused.
func (s *GroupSession) LocalMuted() bool {
	s.mu.Lock()
	producer := s.producer
	s.mu.Unlock()
	return producer != nil && producer.Paused()
}

// Info snapshots the room for API responses.
func (s *GroupSession) Info() domain.RoomInfo {
	return domain.RoomInfo{
		RoomID:       s.roomID,
		LocalID:      s.localID,
		State:        s.State(),
		LocalMuted:   s.LocalMuted(),
		Participants: s.Participants(),
		Stats:        s.Stats(),
	}
}

// AddParticipant registers a remote participant and starts consuming its
// producer when one is known. Consume failures are reported through OnError
// and never returned here.
func (s *GroupSession) AddParticipant(ctx context.Context, p domain.Participant) error {
	if p.ID == "" {
		return errors.NewInvalidInputError("participant id is required")
	}

	s.mu.Lock()
	if s.state == domain.SessionClosed {
		s.mu.Unlock()
		return errors.WrapError(domain.ErrSessionClosed, errors.ErrCodeSessionClosed, "session closed", http.StatusConflict)
	}
	if _, ok := s.participants[p.ID]; ok {
		s.mu.Unlock()
		return errors.WrapError(domain.ErrParticipantExists, errors.ErrCodeConflict, "participant already exists", http.StatusConflict).
			WithContext("participant_id", p.ID)
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = s.clock.Now()
	}
	p.ConsumerID = ""
	s.participants[p.ID] = &participantEntry{info: p}
	s.stats.ParticipantCount = len(s.participants)
	active := s.state == domain.SessionActive
	observers := s.observers.joined
	s.mu.Unlock()

	s.logger.Infow("participant joined", "participant_id", p.ID, "producer_id", p.ProducerID)
	for _, fn := range observers {
		fn(p)
	}
	s.bus.Publish(domain.Event{
		Type:          domain.EventParticipantJoined,
		CallID:        domain.CallID(s.roomID),
		RoomID:        s.roomID,
		ParticipantID: p.ID,
		Payload:       p,
	})

	if active && p.ProducerID != "" {
		_ = s.ConsumeParticipant(ctx, p.ID)
	}
	return nil
}

// RemoveParticipant closes the participant's consumer and drops the entry.
func (s *GroupSession) RemoveParticipant(id domain.ParticipantID) error {
	s.mu.Lock()
	entry, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return errors.WrapError(domain.ErrParticipantNotFound, errors.ErrCodeNotFound, "participant not found", http.StatusNotFound)
	}
	delete(s.participants, id)
	consumer := entry.consumer
	if consumer != nil {
		s.stats.ConsumerCount--
	}
	s.stats.ParticipantCount = len(s.participants)
	observers := s.observers.left
	s.mu.Unlock()

	if consumer != nil {
		closeQuietly(s.logger, "consumer", consumer.Close)
	}

	s.logger.Infow("participant left", "participant_id", id)
	for _, fn := range observers {
		fn(entry.info)
	}
	s.bus.Publish(domain.Event{
		Type:          domain.EventParticipantLeft,
		CallID:        domain.CallID(s.roomID),
		RoomID:        s.roomID,
		ParticipantID: id,
		Payload:       entry.info,
	})
	return nil
}

// UpdateParticipant applies patch and raises mute and speaking notifications
// only for fields that changed. A new producer id replaces the consumer.
func (s *GroupSession) UpdateParticipant(ctx context.Context, id domain.ParticipantID, patch domain.ParticipantPatch) (domain.Participant, error) {
	s.mu.Lock()
	entry, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return domain.Participant{}, errors.WrapError(domain.ErrParticipantNotFound, errors.ErrCodeNotFound, "participant not found", http.StatusNotFound)
	}
	next, changes := entry.info.Apply(patch)
	if !changes.Any {
		s.mu.Unlock()
		return next, nil
	}
	entry.info = next

	var stale *consumerHandle
	if changes.ProducerID && entry.consumer != nil {
		stale = entry.consumer
		entry.consumer = nil
		entry.info.ConsumerID = ""
		s.stats.ConsumerCount--
	}
	next = entry.info
	active := s.state == domain.SessionActive
	observers := s.observers
	s.mu.Unlock()

	if stale != nil {
		closeQuietly(s.logger, "consumer", stale.Close)
	}

	for _, fn := range observers.updated {
		fn(next)
	}
	s.publishParticipant(domain.EventParticipantUpdated, next)
	if changes.Muted {
		for _, fn := range observers.muted {
			fn(id, next.IsMuted)
		}
		s.publishParticipant(domain.EventParticipantMuted, next)
	}
	if changes.Speaking {
		for _, fn := range observers.speaking {
			fn(id, next.IsSpeaking)
		}
		s.publishParticipant(domain.EventParticipantSpeaking, next)
	}

	if changes.ProducerID && next.ProducerID != "" && active {
		_ = s.ConsumeParticipant(ctx, id)
	}
	return next, nil
}

func (s *GroupSession) publishParticipant(t domain.EventType, p domain.Participant) {
	s.bus.Publish(domain.Event{
		Type:          t,
		CallID:        domain.CallID(s.roomID),
		RoomID:        s.roomID,
		ParticipantID: p.ID,
		Payload:       p,
	})
}

// ConsumeParticipant requests consumer parameters for the participant's
// producer, creates the consumer on the receive transport and registers its
// lifecycle hooks. Failures are reported through OnError and only affect this
// participant.
func (s *GroupSession) ConsumeParticipant(ctx context.Context, id domain.ParticipantID) error {
	ctx, span := tracing.TraceGroupOperation(ctx, "consume", string(s.roomID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.ParticipantIDKey.String(string(id)))

	err := s.consume(ctx, id)
	if err != nil && err != errConsumeDiscarded {
		tracing.RecordError(ctx, err)
		s.reportError("consume", id, err)
	}
	if err == errConsumeDiscarded {
		return nil
	}
	return err
}

var errConsumeDiscarded = fmt.Errorf("consume result discarded")

func (s *GroupSession) consume(ctx context.Context, id domain.ParticipantID) error {
	s.mu.Lock()
	if s.state == domain.SessionClosed {
		s.mu.Unlock()
		return errors.WrapError(domain.ErrSessionClosed, errors.ErrCodeSessionClosed, "session closed", http.StatusConflict)
	}
	entry, ok := s.participants[id]
	if !ok {
		s.mu.Unlock()
		return errors.WrapError(domain.ErrParticipantNotFound, errors.ErrCodeNotFound, "participant not found", http.StatusNotFound)
	}
	producerID := entry.info.ProducerID
	recv := s.recvTransport
	gen := s.generation
	if producerID == "" {
		s.mu.Unlock()
		return errors.NewPreconditionError("participant has no producer", domain.ErrNoProducer)
	}
	if entry.consumer != nil && entry.consumer.ProducerID() == producerID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if recv == nil {
		return errors.NewPreconditionError("receive transport not created", domain.ErrNoRecvTransport)
	}
	if !s.device.Loaded() {
		return errors.NewPreconditionError("media device not loaded", domain.ErrDeviceNotLoaded)
	}

	reqCtx, cancel := s.requestContext(ctx)
	params, err := s.sfu.Consume(reqCtx, domain.ConsumeRequest{
		TransportID:     recv.ID(),
		ProducerID:      producerID,
		RTPCapabilities: s.device.RecvRTPCapabilities(),
	})
	cancel()
	if err == nil {
		err = params.Validate()
	}
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeConsumeFailed, "consume request failed", http.StatusBadGateway).
			WithContext("participant_id", id)
	}

	consumer, err := recv.Consume(ctx, params)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeConsumeFailed, "consumer creation failed", http.StatusBadGateway).
			WithContext("participant_id", id)
	}
	handle := &consumerHandle{Consumer: consumer}

	s.mu.Lock()
	entry, ok = s.participants[id]
	if s.generation != gen || s.state == domain.SessionClosed || !ok || entry.info.ProducerID != producerID || entry.consumer != nil {
		s.mu.Unlock()
		closeQuietly(s.logger, "consumer", handle.Close)
		return errConsumeDiscarded
	}
	entry.consumer = handle
	entry.info.ConsumerID = handle.ID()
	s.stats.ConsumerCount++
	s.mu.Unlock()

	s.hookConsumer(id, handle)
	s.logger.Infow("consuming participant",
		"participant_id", id,
		"producer_id", producerID,
		"consumer_id", handle.ID(),
		"kind", handle.Kind(),
	)
	return nil
}

func (s *GroupSession) hookConsumer(id domain.ParticipantID, handle *consumerHandle) {
	handle.OnTransportClose(func() {
		s.detachConsumer(id, handle)
	})
	handle.OnPause(func() {
		muted := true
		_, _ = s.UpdateParticipant(context.Background(), id, domain.ParticipantPatch{IsMuted: &muted})
	})
	handle.OnResume(func() {
		muted := false
		_, _ = s.UpdateParticipant(context.Background(), id, domain.ParticipantPatch{IsMuted: &muted})
	})
	handle.OnAudioLevel(func(level float64) {
		speaking := level >= s.cfg.SpeakingThreshold
		_, _ = s.UpdateParticipant(context.Background(), id, domain.ParticipantPatch{
			AudioLevel: &level,
			IsSpeaking: &speaking,
		})
	})
}

// detachConsumer drops the local consumer entry after its transport closed.
func (s *GroupSession) detachConsumer(id domain.ParticipantID, handle *consumerHandle) {
	s.mu.Lock()
	entry, ok := s.participants[id]
	if !ok || entry.consumer != handle {
		s.mu.Unlock()
		return
	}
	entry.consumer = nil
	entry.info.ConsumerID = ""
	s.stats.ConsumerCount--
	s.mu.Unlock()

	closeQuietly(s.logger, "consumer", handle.Close)
	s.logger.Debugw("consumer transport closed", "participant_id", id)
}

// Participants returns a snapshot ordered by join time.
func (s *GroupSession) Participants() []domain.Participant {
	s.mu.Lock()
	out := make([]domain.Participant, 0, len(s.participants))
	for _, entry := range s.participants {
		out = append(out, entry.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *GroupSession) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return entry.info, true
}

// HasConsumer reports whether the participant currently has a live consumer.
func (s *GroupSession) HasConsumer(id domain.ParticipantID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.participants[id]
	return ok && entry.consumer != nil
}

func (s *GroupSession) Stats() domain.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	if stats.Transport != nil {
		t := *stats.Transport
		stats.Transport = &t
	}
	return stats
}

func (s *GroupSession) collectStats(ctx context.Context) {
	s.mu.Lock()
	send, recv := s.sendTransport, s.recvTransport
	s.mu.Unlock()

	transport := &domain.TransportStats{}
	for _, t := range []ports.Transport{send, recv} {
		if t == nil {
			continue
		}
		report, err := t.GetStats(ctx)
		if err != nil {
			s.logger.Debugw("transport stats unavailable", "transport_id", t.ID(), "error", err)
			continue
		}
		for _, in := range report.Inbound {
			transport.BytesReceived += in.BytesReceived
			transport.PacketsReceived += in.PacketsReceived
			if in.PacketsLost > 0 {
				transport.PacketsLost += uint64(in.PacketsLost)
			}
		}
		for _, out := range report.Outbound {
			transport.BytesSent += out.BytesSent
			transport.PacketsSent += out.PacketsSent
		}
		if pair, ok := report.ActiveCandidatePair(); ok && t.Direction() == domain.TransportSend {
			transport.RTT = pair.CurrentRoundTripTime * 1000
			transport.AvailableBitrate = pair.AvailableOutgoingBitrate / 1000
		}
	}

	s.mu.Lock()
	if s.state == domain.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.stats.Transport = transport
	s.stats.Timestamp = s.clock.Now()
	stats := s.stats
	observers := s.observers.stats
	s.mu.Unlock()

	for _, fn := range observers {
		fn(stats)
	}
	s.bus.Publish(domain.Event{
		Type:    domain.EventSessionStats,
		CallID:  domain.CallID(s.roomID),
		RoomID:  s.roomID,
		Payload: stats,
	})
}

// Cleanup is the single exit path. It stops the stats timer, closes every
// consumer, the producer and both transports, then clears participants and
// stats. Each close runs even if an earlier one failed. Calling it again is a
// no-op.
func (s *GroupSession) Cleanup() {
	s.mu.Lock()
	if s.state == domain.SessionClosed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = domain.SessionClosed
	s.generation++
	s.mu.Unlock()

	s.task.Stop()

	s.mu.Lock()
	var consumers []*consumerHandle
	for _, entry := range s.participants {
		if entry.consumer != nil {
			consumers = append(consumers, entry.consumer)
		}
	}
	producer, send, recv := s.producer, s.sendTransport, s.recvTransport
	s.producer, s.sendTransport, s.recvTransport = nil, nil, nil
	s.mu.Unlock()

	s.notifyState(from, domain.SessionClosed)

	for _, c := range consumers {
		closeQuietly(s.logger, "consumer", c.Close)
	}
	if producer != nil {
		closeQuietly(s.logger, "producer", producer.Close)
	}
	if send != nil {
		closeQuietly(s.logger, "send transport", send.Close)
	}
	if recv != nil {
		closeQuietly(s.logger, "recv transport", recv.Close)
	}

	s.mu.Lock()
	s.participants = make(map[domain.ParticipantID]*participantEntry)
	s.stats = domain.SessionStats{RoomID: s.roomID}
	s.localStream = nil
	s.mu.Unlock()

	if s.call.IsActive() {
		if s.call.Current() != domain.CallStateEnding {
			s.call.Transition(domain.CallStateEnding, WithReason("cleanup"))
		}
		s.call.Transition(domain.CallStateEnded, WithReason("cleanup"))
	}
	s.logger.Infow("group session cleaned up", "consumers_closed", len(consumers))
}

// closeQuietly runs a close step, logging errors and recovering panics so
// the next step always runs.
func closeQuietly(logger *zap.SugaredLogger, what string, closeFn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("close panicked", "resource", what, "panic", r)
		}
	}()
	if err := closeFn(); err != nil {
		logger.Debugw("close failed", "resource", what, "error", err)
	}
}
