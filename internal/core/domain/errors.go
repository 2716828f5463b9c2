package domain

import "errors"

var (
	ErrCallNotFound        = errors.New("call not found")
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomExists          = errors.New("room already joined")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already exists")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrUnknownSignal       = errors.New("unknown call signal")
	ErrDeviceNotLoaded     = errors.New("media device not loaded")
	ErrNoLocalStream       = errors.New("no local stream")
	ErrNoAudioTrack        = errors.New("local stream has no audio track")
	ErrNoSendTransport     = errors.New("send transport not created")
	ErrNoRecvTransport     = errors.New("receive transport not created")
	ErrNoProducer          = errors.New("no local producer")
	ErrSessionClosed       = errors.New("session closed")
	ErrSessionActive       = errors.New("session already initialized")
	ErrNoStatsProvider     = errors.New("no stats provider attached")
	ErrSFUUnavailable      = errors.New("sfu unavailable")
)
