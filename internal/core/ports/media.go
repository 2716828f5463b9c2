package ports

import (
	"context"

	"callengine/internal/core/domain"
)

// StatsProvider exposes raw transport statistics for one peer connection or transport.
type StatsProvider interface {
	GetStats(ctx context.Context) (domain.StatsReport, error)
}

// SFUSignaling is the SFU control plane.
type SFUSignaling interface {
	GetRTPCapabilities(ctx context.Context, roomID domain.RoomID) (domain.RTPCapabilities, error)
	CreateTransport(ctx context.Context, req domain.CreateTransportRequest) (domain.TransportParams, error)
	ConnectTransport(ctx context.Context, req domain.ConnectTransportRequest) error
	Produce(ctx context.Context, req domain.ProduceRequest) (domain.ProduceResult, error)
	Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeParams, error)
}

// ConnectHandler forwards local DTLS parameters to the SFU. A returned error
// fails the transport connection.
type ConnectHandler func(ctx context.Context, dtls domain.DTLSParameters) error

// ProduceHandler registers a new producer with the SFU and returns the
// server-assigned producer id.
type ProduceHandler func(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (string, error)

type Transport interface {
	StatsProvider
	ID() string
	Direction() domain.TransportDirection
	OnConnect(handler ConnectHandler)
	Close() error
}

type SendTransport interface {
	Transport
	OnProduce(handler ProduceHandler)
	Produce(ctx context.Context, track LocalTrack, opts domain.CodecOptions) (Producer, error)
}

type RecvTransport interface {
	Transport
	Consume(ctx context.Context, params domain.ConsumeParams) (Consumer, error)
}

// MediaDevice negotiates capabilities and builds transports against a loaded
// set of SFU RTP capabilities.
type MediaDevice interface {
	Load(ctx context.Context, caps domain.RTPCapabilities) error
	Loaded() bool
	RecvRTPCapabilities() domain.RTPCapabilities
	CreateSendTransport(params domain.TransportParams) (SendTransport, error)
	CreateRecvTransport(params domain.TransportParams) (RecvTransport, error)
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Paused() bool
	Pause() error
	Resume() error
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	OnTransportClose(fn func())
	OnPause(fn func())
	OnResume(fn func())
	// OnAudioLevel reports the RFC 6464 level normalized to 0..1.
	OnAudioLevel(fn func(level float64))
	Pause() error
	Resume() error
	Close() error
}

type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
}

type LocalStream interface {
	AudioTracks() []LocalTrack
	VideoTracks() []LocalTrack
}

// VideoQualityApplier pushes an adaptation decision to the active media session.
type VideoQualityApplier interface {
	ApplyVideoTier(ctx context.Context, profile domain.TierProfile) error
}

// CallMedia is the media leg of a one-to-one call.
type CallMedia interface {
	StatsProvider
	VideoQualityApplier
}
