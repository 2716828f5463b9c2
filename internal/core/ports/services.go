package ports

import (
	"context"

	"callengine/internal/core/domain"
)

type EventPublisher interface {
	Publish(event domain.Event)
}

type EventSubscriber interface {
	Subscribe(handler func(domain.Event)) (unsubscribe func())
}

// EventSink receives every event for out-of-process fan-out. Forward must
// not block the publisher.
type EventSink interface {
	Forward(event domain.Event)
}

type CreateCallRequest struct {
	Direction   domain.CallDirection `json:"direction"`
	Type        domain.CallType      `json:"type"`
	RemoteParty string               `json:"remote_party"`
}

type CallService interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (domain.CallInfo, error)
	GetCall(ctx context.Context, id domain.CallID) (domain.CallInfo, error)
	ListCalls(ctx context.Context) []domain.CallInfo
	Signal(ctx context.Context, id domain.CallID, signal domain.CallSignal, reason string) (domain.CallInfo, error)
	Transition(ctx context.Context, id domain.CallID, target domain.CallState, reason string) (domain.CallInfo, error)
	AttachStats(ctx context.Context, id domain.CallID, provider StatsProvider) error
	AttachMedia(ctx context.Context, id domain.CallID, media CallMedia) error
	QualityHistory(ctx context.Context, id domain.CallID) ([]domain.QualitySample, error)
	EndCall(ctx context.Context, id domain.CallID, reason string) error
}

// SignalHandler receives lifecycle events from the signaling channel.
type SignalHandler interface {
	Signal(ctx context.Context, id domain.CallID, signal domain.CallSignal, reason string) (domain.CallInfo, error)
}

// CallLocator finds calls owned by other instances.
type CallLocator interface {
	Locate(ctx context.Context, id domain.CallID) (instanceID string, info domain.CallInfo, err error)
}

type JoinRoomRequest struct {
	RoomID  domain.RoomID        `json:"room_id"`
	LocalID domain.ParticipantID `json:"local_id"`
}

type RoomService interface {
	JoinRoom(ctx context.Context, req JoinRoomRequest) (domain.RoomInfo, error)
	LeaveRoom(ctx context.Context, id domain.RoomID) error
	GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomInfo, error)
	ListRooms(ctx context.Context) []domain.RoomInfo
	AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (domain.Participant, error)
	RemoveParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID) error
	UpdateParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID, patch domain.ParticipantPatch) (domain.Participant, error)
	ConsumeParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID) error
	SetLocalMuted(ctx context.Context, id domain.RoomID, muted bool) (domain.RoomInfo, error)
}
