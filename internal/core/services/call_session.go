package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"
	"callengine/pkg/errors"

	"go.uber.org/zap"
)

type CallSessionConfig struct {
	Quality       QualityMonitorConfig
	Bandwidth     BandwidthManagerConfig
	AdaptInterval time.Duration
	// AutoReconnect moves a connected call to reconnecting while quality is
	// critical and back once it recovers.
	AutoReconnect bool
}

func DefaultCallSessionConfig() CallSessionConfig {
	return CallSessionConfig{
		Quality:       DefaultQualityMonitorConfig(),
		Bandwidth:     DefaultBandwidthManagerConfig(),
		AdaptInterval: time.Second,
		AutoReconnect: true,
	}
}

// CallSession binds a state machine, a quality monitor and a bandwidth
// manager for one call. Monitoring runs while the call is connected, held,
// transferring or reconnecting.
type CallSession struct {
	id          domain.CallID
	direction   domain.CallDirection
	callType    domain.CallType
	remoteParty string
	createdAt   time.Time

	cfg       CallSessionConfig
	machine   *CallStateMachine
	monitor   *QualityMonitor
	bandwidth *BandwidthManager
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	provider ports.StatsProvider
	applier  ports.VideoQualityApplier
}

type CallSessionOption func(*callSessionOptions)

type callSessionOptions struct {
	clock   clock.Clock
	applier ports.VideoQualityApplier
}

func WithCallClock(c clock.Clock) CallSessionOption {
	return func(o *callSessionOptions) { o.clock = c }
}

// WithVideoQualityApplier sends every applied tier change to the media session.
func WithVideoQualityApplier(a ports.VideoQualityApplier) CallSessionOption {
	return func(o *callSessionOptions) { o.applier = a }
}

func NewCallSession(
	id domain.CallID,
	req ports.CreateCallRequest,
	cfg CallSessionConfig,
	bus ports.EventPublisher,
	logger *zap.SugaredLogger,
	opts ...CallSessionOption,
) *CallSession {
	o := callSessionOptions{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		id:          id,
		direction:   req.Direction,
		callType:    req.Type,
		remoteParty: req.RemoteParty,
		createdAt:   o.clock.Now(),
		cfg:         cfg,
		machine:     NewCallStateMachine(id, bus, logger, WithStateMachineClock(o.clock)),
		monitor:     NewQualityMonitor(id, cfg.Quality, bus, logger),
		bandwidth:   NewBandwidthManager(id, cfg.Bandwidth, bus, logger),
		logger:      logger.With("call_id", id),
		ctx:         ctx,
		cancel:      cancel,
		applier:     o.applier,
	}
	s.monitor.SetClock(o.clock)
	s.bandwidth.SetClock(o.clock)
	if s.cfg.AdaptInterval <= 0 {
		s.cfg.AdaptInterval = time.Second
	}

	for _, state := range []domain.CallState{domain.CallStateConnected, domain.CallStateReconnecting} {
		s.machine.OnEnter(state, func(domain.TransitionRecord) { s.startMonitoring() })
	}
	for _, state := range []domain.CallState{domain.CallStateEnding, domain.CallStateEnded, domain.CallStateIdle} {
		s.machine.OnEnter(state, func(domain.TransitionRecord) { s.stopMonitoring() })
	}

	s.monitor.OnSample(func(sample domain.QualitySample) {
		s.bandwidth.AddStats(sample.Network)
	})
	s.monitor.OnQualityChange(s.reactToQuality)
	s.bandwidth.OnAdapt(s.applyTier)
	return s
}

func (s *CallSession) ID() domain.CallID { return s.id }

func (s *CallSession) Machine() *CallStateMachine { return s.machine }

func (s *CallSession) Monitor() *QualityMonitor { return s.monitor }

func (s *CallSession) Bandwidth() *BandwidthManager { return s.bandwidth }

// AttachStats sets the stats source. Monitoring starts right away when the
// call is already in progress.
func (s *CallSession) AttachStats(provider ports.StatsProvider) error {
	if provider == nil {
		return errors.NewInvalidInputError("stats provider is required")
	}
	s.mu.Lock()
	s.provider = provider
	s.mu.Unlock()

	switch s.machine.Current() {
	case domain.CallStateConnected, domain.CallStateReconnecting, domain.CallStateHeld, domain.CallStateTransferring:
		s.monitor.Stop()
		s.startMonitoring()
	}
	return nil
}

func (s *CallSession) SetVideoQualityApplier(a ports.VideoQualityApplier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applier = a
}

// startMonitoring never restarts a running monitor; it is reached from the
// monitor's own sampling goroutine when quality recovers.
func (s *CallSession) startMonitoring() {
	s.mu.Lock()
	ctx, provider := s.ctx, s.provider
	s.mu.Unlock()

	if provider != nil && !s.monitor.Running() {
		if err := s.monitor.Start(ctx, provider); err != nil {
			s.logger.Warnw("quality monitor not started", "error", err)
		}
	}
	if s.callType == domain.CallTypeVideo && !s.bandwidth.Monitoring() {
		s.bandwidth.StartMonitoring(ctx, s.cfg.AdaptInterval)
	}
}

func (s *CallSession) stopMonitoring() {
	s.monitor.Stop()
	s.bandwidth.StopMonitoring()
}

func (s *CallSession) reactToQuality(previous, current domain.QualityLevel, _ domain.QualitySample) {
	if !s.cfg.AutoReconnect {
		return
	}
	switch state := s.machine.Current(); {
	case current == domain.QualityCritical && state == domain.CallStateConnected:
		s.machine.Transition(domain.CallStateReconnecting,
			WithReason("quality critical"),
			WithMetadata(map[string]string{"previous_quality": string(previous)}),
		)
	case current != domain.QualityCritical && state == domain.CallStateReconnecting:
		s.machine.Transition(domain.CallStateConnected,
			WithReason("quality recovered"),
			WithMetadata(map[string]string{"quality": string(current)}),
		)
	}
}

func (s *CallSession) applyTier(from domain.VideoQualityTier, decision domain.AdaptationDecision) {
	s.mu.Lock()
	applier, ctx := s.applier, s.ctx
	s.mu.Unlock()
	if applier == nil {
		return
	}
	if err := applier.ApplyVideoTier(ctx, decision.Quality.Profile()); err != nil {
		s.logger.Warnw("failed to apply video tier",
			"from", from,
			"to", decision.Quality,
			"error", err,
		)
	}
}

// signalTargets maps a signaling event to the state it drives the call into.
var signalTargets = map[domain.CallSignal]domain.CallState{
	domain.SignalRinging:         domain.CallStateRinging,
	domain.SignalAnswer:          domain.CallStateConnecting,
	domain.SignalConnected:       domain.CallStateConnected,
	domain.SignalHold:            domain.CallStateHeld,
	domain.SignalResume:          domain.CallStateConnected,
	domain.SignalTransfer:        domain.CallStateTransferring,
	domain.SignalNetworkLost:     domain.CallStateReconnecting,
	domain.SignalNetworkRestored: domain.CallStateConnected,
	domain.SignalHangup:          domain.CallStateEnding,
}

// Signal applies a signaling event. Hangup runs the call through ending to
// ended. An illegal move returns an invalid-transition error and leaves the
// state unchanged.
func (s *CallSession) Signal(signal domain.CallSignal, reason string) error {
	target, ok := signalTargets[signal]
	if !ok {
		return errors.WrapError(domain.ErrUnknownSignal, errors.ErrCodeInvalidInput, "unknown call signal", http.StatusBadRequest).
			WithContext("signal", signal)
	}
	if reason == "" {
		reason = string(signal)
	}
	meta := WithMetadata(map[string]string{"signal": string(signal)})

	if signal == domain.SignalHangup {
		if s.machine.Current() != domain.CallStateEnding {
			if err := s.Transition(domain.CallStateEnding, WithReason(reason), meta); err != nil {
				return err
			}
		}
		return s.Transition(domain.CallStateEnded, WithReason(reason), meta)
	}
	return s.Transition(target, WithReason(reason), meta)
}

// Transition moves the call directly, returning an AppError when the move is
// not legal from the current state.
func (s *CallSession) Transition(target domain.CallState, opts ...TransitionOption) error {
	if !target.Valid() {
		return errors.NewInvalidInputError("unknown call state").WithContext("state", target)
	}
	from := s.machine.Current()
	if !s.machine.Transition(target, opts...) {
		return errors.NewInvalidTransitionError(string(from), string(target))
	}
	return nil
}

// Close stops background work and ends the call if it is still active.
func (s *CallSession) Close(reason string) {
	if s.machine.IsActive() {
		if err := s.Signal(domain.SignalHangup, reason); err != nil {
			s.logger.Debugw("hangup on close failed", "error", err)
		}
	}
	s.stopMonitoring()

	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
}

func (s *CallSession) Info() domain.CallInfo {
	return domain.CallInfo{
		ID:                s.id,
		Direction:         s.direction,
		Type:              s.callType,
		RemoteParty:       s.remoteParty,
		State:             s.machine.Current(),
		PreviousState:     s.machine.Previous(),
		CreatedAt:         s.createdAt,
		TotalDuration:     s.machine.TotalDuration(),
		ConnectedDuration: s.machine.ConnectedDuration(),
		Quality:           s.monitor.Level(),
		VideoTier:         s.videoTier(),
		History:           s.machine.History(),
	}
}

func (s *CallSession) videoTier() domain.VideoQualityTier {
	if s.callType != domain.CallTypeVideo {
		return ""
	}
	return s.bandwidth.Quality()
}
