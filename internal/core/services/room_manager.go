package services

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/errors"
	"callengine/pkg/validation"

	"go.uber.org/zap"
)

// DeviceFactory builds a fresh media device for one room.
type DeviceFactory func() (ports.MediaDevice, error)

// LocalStreamFactory builds the local capture stream sent into a room.
type LocalStreamFactory func(roomID domain.RoomID, localID domain.ParticipantID) (ports.LocalStream, error)

// RoomManager owns the group sessions this instance has joined, one per room.
type RoomManager struct {
	cfg       GroupSessionConfig
	sfu       ports.SFUSignaling
	newDevice DeviceFactory
	newStream LocalStreamFactory
	bus       ports.EventPublisher
	logger    *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[domain.RoomID]*GroupSession
}

var _ ports.RoomService = (*RoomManager)(nil)

func NewRoomManager(
	cfg GroupSessionConfig,
	sfu ports.SFUSignaling,
	newDevice DeviceFactory,
	newStream LocalStreamFactory,
	bus ports.EventPublisher,
	logger *zap.SugaredLogger,
) *RoomManager {
	return &RoomManager{
		cfg:       cfg,
		sfu:       sfu,
		newDevice: newDevice,
		newStream: newStream,
		bus:       bus,
		logger:    logger.With("component", "room_manager"),
		rooms:     make(map[domain.RoomID]*GroupSession),
	}
}

// JoinRoom initializes a group session for the room and starts sending local
// audio. A failed join leaves nothing behind.
func (m *RoomManager) JoinRoom(ctx context.Context, req ports.JoinRoomRequest) (domain.RoomInfo, error) {
	if err := validation.ValidateID("room_id", string(req.RoomID)); err != nil {
		return domain.RoomInfo{}, errors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateID("local_id", string(req.LocalID)); err != nil {
		return domain.RoomInfo{}, errors.NewInvalidInputError(err.Error())
	}

	device, err := m.newDevice()
	if err != nil {
		return domain.RoomInfo{}, errors.WrapError(err, errors.ErrCodeInternal, "failed to create media device", http.StatusInternalServerError)
	}
	stream, err := m.newStream(req.RoomID, req.LocalID)
	if err != nil {
		return domain.RoomInfo{}, errors.WrapError(err, errors.ErrCodeInternal, "failed to create local stream", http.StatusInternalServerError)
	}

	m.mu.Lock()
	if _, exists := m.rooms[req.RoomID]; exists {
		m.mu.Unlock()
		return domain.RoomInfo{}, errors.WrapError(domain.ErrRoomExists, errors.ErrCodeConflict, "room already joined", http.StatusConflict).
			WithContext("room_id", req.RoomID)
	}
	session := NewGroupSession(req.RoomID, req.LocalID, m.cfg, m.sfu, device, m.bus, m.logger)
	m.rooms[req.RoomID] = session
	m.mu.Unlock()

	if err := session.Initialize(ctx, stream); err != nil {
		m.drop(req.RoomID, session)
		session.Cleanup()
		return domain.RoomInfo{}, err
	}

	m.logger.Infow("joined room", "room_id", req.RoomID, "participant_id", req.LocalID)
	return session.Info(), nil
}

func (m *RoomManager) drop(id domain.RoomID, session *GroupSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[id] == session {
		delete(m.rooms, id)
	}
}

func (m *RoomManager) session(id domain.RoomID) (*GroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rooms[id]
	if !ok {
		return nil, errors.WrapError(domain.ErrRoomNotFound, errors.ErrCodeNotFound, "room not found", http.StatusNotFound).
			WithContext("room_id", id)
	}
	return s, nil
}

// LeaveRoom cleans up the room's session and forgets it.
func (m *RoomManager) LeaveRoom(ctx context.Context, id domain.RoomID) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	m.drop(id, s)
	s.Cleanup()
	m.logger.Infow("left room", "room_id", id)
	return nil
}

func (m *RoomManager) GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return domain.RoomInfo{}, err
	}
	return s.Info(), nil
}

func (m *RoomManager) ListRooms(ctx context.Context) []domain.RoomInfo {
	m.mu.RLock()
	sessions := make([]*GroupSession, 0, len(m.rooms))
	for _, s := range m.rooms {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (m *RoomManager) AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (domain.Participant, error) {
	if err := validation.ValidateID("participant id", string(p.ID)); err != nil {
		return domain.Participant{}, errors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateDisplayName(p.DisplayName); err != nil {
		return domain.Participant{}, errors.NewInvalidInputError(err.Error())
	}
	s, err := m.session(id)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := s.AddParticipant(ctx, p); err != nil {
		return domain.Participant{}, err
	}
	added, _ := s.Participant(p.ID)
	return added, nil
}

func (m *RoomManager) RemoveParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.RemoveParticipant(participantID)
}

func (m *RoomManager) UpdateParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID, patch domain.ParticipantPatch) (domain.Participant, error) {
	s, err := m.session(id)
	if err != nil {
		return domain.Participant{}, err
	}
	return s.UpdateParticipant(ctx, participantID, patch)
}

func (m *RoomManager) ConsumeParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	return s.ConsumeParticipant(ctx, participantID)
}

func (m *RoomManager) SetLocalMuted(ctx context.Context, id domain.RoomID, muted bool) (domain.RoomInfo, error) {
	s, err := m.session(id)
	if err != nil {
		return domain.RoomInfo{}, err
	}
	if err := s.SetLocalMuted(muted); err != nil {
		return domain.RoomInfo{}, err
	}
	return s.Info(), nil
}

func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Shutdown leaves every room.
func (m *RoomManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := m.rooms
	m.rooms = make(map[domain.RoomID]*GroupSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cleanup()
	}
}
