package webrtc

import (
	"fmt"
	"sync/atomic"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// trackSource is implemented by local tracks this package can send.
type trackSource interface {
	ports.LocalTrack
	trackLocal() webrtc.TrackLocal
	counters() (samples, bytes uint64)
}

// LocalAudioTrack is an Opus sample track. The capture pipeline writes
// encoded frames into it.
type LocalAudioTrack struct {
	track   *webrtc.TrackLocalStaticSample
	samples atomic.Uint64
	bytes   atomic.Uint64
}

var _ trackSource = (*LocalAudioTrack)(nil)

func (t *LocalAudioTrack) ID() string             { return t.track.ID() }
func (t *LocalAudioTrack) Kind() domain.MediaKind { return domain.MediaKindAudio }

func (t *LocalAudioTrack) WriteSample(sample media.Sample) error {
	if err := t.track.WriteSample(sample); err != nil {
		return err
	}
	t.samples.Add(1)
	t.bytes.Add(uint64(len(sample.Data)))
	return nil
}

func (t *LocalAudioTrack) trackLocal() webrtc.TrackLocal { return t.track }

func (t *LocalAudioTrack) counters() (uint64, uint64) {
	return t.samples.Load(), t.bytes.Load()
}

// LocalStream holds the locally captured tracks.
type LocalStream struct {
	id    string
	audio []ports.LocalTrack
}

var _ ports.LocalStream = (*LocalStream)(nil)

// NewLocalAudioStream creates a stream with one Opus track.
func NewLocalAudioStream(streamID string) (*LocalStream, error) {
	if streamID == "" {
		streamID = uuid.NewString()
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+streamID,
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	return &LocalStream{
		id:    streamID,
		audio: []ports.LocalTrack{&LocalAudioTrack{track: track}},
	}, nil
}

func (s *LocalStream) ID() string {
	return s.id
}

func (s *LocalStream) AudioTracks() []ports.LocalTrack {
	return append([]ports.LocalTrack(nil), s.audio...)
}

func (s *LocalStream) VideoTracks() []ports.LocalTrack {
	return nil
}
