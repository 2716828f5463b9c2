package services

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"
	"callengine/pkg/errors"
	"callengine/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallManager is the registry of live call sessions. Calls that reach ended
// are closed and dropped.
type CallManager struct {
	cfg    CallSessionConfig
	bus    ports.EventPublisher
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	calls map[domain.CallID]*CallSession
}

var _ ports.CallService = (*CallManager)(nil)

func NewCallManager(cfg CallSessionConfig, bus ports.EventPublisher, logger *zap.SugaredLogger) *CallManager {
	return &CallManager{
		cfg:    cfg,
		bus:    publisherOrNop(bus),
		clock:  clock.Real{},
		logger: logger,
		calls:  make(map[domain.CallID]*CallSession),
	}
}

// SetClock replaces the time source for calls created afterwards. Intended for tests.
func (m *CallManager) SetClock(c clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
}

// CreateCall registers a new call and moves it to initiating; an incoming
// call continues to ringing.
func (m *CallManager) CreateCall(ctx context.Context, req ports.CreateCallRequest) (domain.CallInfo, error) {
	if req.Direction == "" {
		req.Direction = domain.CallDirectionOutgoing
	}
	if req.Type == "" {
		req.Type = domain.CallTypeAudio
	}
	if req.Direction != domain.CallDirectionOutgoing && req.Direction != domain.CallDirectionIncoming {
		return domain.CallInfo{}, errors.NewInvalidInputError("direction must be outgoing or incoming")
	}
	if req.Type != domain.CallTypeAudio && req.Type != domain.CallTypeVideo {
		return domain.CallInfo{}, errors.NewInvalidInputError("type must be audio or video")
	}
	if err := validation.ValidateRemoteParty(req.RemoteParty); err != nil {
		return domain.CallInfo{}, errors.NewInvalidInputError(err.Error())
	}

	id := domain.CallID(uuid.NewString())

	m.mu.Lock()
	session := NewCallSession(id, req, m.cfg, m.bus, m.logger, WithCallClock(m.clock))
	m.calls[id] = session
	m.mu.Unlock()

	session.Machine().OnEnter(domain.CallStateEnded, func(domain.TransitionRecord) {
		m.remove(id)
	})

	m.logger.Infow("call created",
		"call_id", id,
		"direction", req.Direction,
		"type", req.Type,
	)
	m.bus.Publish(domain.Event{Type: domain.EventCallCreated, CallID: id, Payload: req})

	session.Machine().Transition(domain.CallStateInitiating, WithReason("created"))
	if req.Direction == domain.CallDirectionIncoming {
		session.Machine().Transition(domain.CallStateRinging, WithReason("incoming"))
	}
	return session.Info(), nil
}

func (m *CallManager) remove(id domain.CallID) {
	m.mu.Lock()
	_, ok := m.calls[id]
	delete(m.calls, id)
	m.mu.Unlock()

	if ok {
		m.logger.Infow("call removed", "call_id", id)
		m.bus.Publish(domain.Event{Type: domain.EventCallRemoved, CallID: id})
	}
}

func (m *CallManager) session(id domain.CallID) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.calls[id]
	if !ok {
		return nil, errors.WrapError(domain.ErrCallNotFound, errors.ErrCodeNotFound, "call not found", http.StatusNotFound).
			WithContext("call_id", id)
	}
	return s, nil
}

// Session exposes the live session for adapters that wire media into it.
func (m *CallManager) Session(id domain.CallID) (*CallSession, error) {
	return m.session(id)
}

func (m *CallManager) GetCall(ctx context.Context, id domain.CallID) (domain.CallInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return domain.CallInfo{}, err
	}
	return s.Info(), nil
}

// ListCalls returns live calls, oldest first.
func (m *CallManager) ListCalls(ctx context.Context) []domain.CallInfo {
	m.mu.RLock()
	sessions := make([]*CallSession, 0, len(m.calls))
	for _, s := range m.calls {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]domain.CallInfo, 0, len(sessions))
	for _, s := range sessions {
		info := s.Info()
		info.History = nil
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Signal applies a signaling event. The returned info reflects the call even
// when the event ended and removed it.
func (m *CallManager) Signal(ctx context.Context, id domain.CallID, signal domain.CallSignal, reason string) (domain.CallInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return domain.CallInfo{}, err
	}
	if err := s.Signal(signal, reason); err != nil {
		return s.Info(), err
	}
	if s.Machine().Current() == domain.CallStateEnded {
		s.Close(reason)
	}
	return s.Info(), nil
}

func (m *CallManager) Transition(ctx context.Context, id domain.CallID, target domain.CallState, reason string) (domain.CallInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return domain.CallInfo{}, err
	}
	if err := s.Transition(target, WithReason(reason)); err != nil {
		return s.Info(), err
	}
	if target == domain.CallStateEnded {
		s.Close(reason)
	}
	return s.Info(), nil
}

func (m *CallManager) AttachStats(ctx context.Context, id domain.CallID, provider ports.StatsProvider) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.AttachStats(provider)
}

// AttachMedia feeds the call's monitor from media and routes adaptation
// decisions back to it.
func (m *CallManager) AttachMedia(ctx context.Context, id domain.CallID, media ports.CallMedia) error {
	if media == nil {
		return errors.NewInvalidInputError("media is required")
	}
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.SetVideoQualityApplier(media)
	return s.AttachStats(media)
}

func (m *CallManager) QualityHistory(ctx context.Context, id domain.CallID) ([]domain.QualitySample, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.Monitor().History(), nil
}

// EndCall hangs up and removes the call.
func (m *CallManager) EndCall(ctx context.Context, id domain.CallID, reason string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "ended by api"
	}
	s.Close(reason)
	m.remove(id)
	return nil
}

func (m *CallManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// Shutdown ends every live call.
func (m *CallManager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]domain.CallID, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.EndCall(ctx, id, "shutdown"); err != nil {
			m.logger.Debugw("end call on shutdown failed", "call_id", id, "error", err)
		}
	}
}
