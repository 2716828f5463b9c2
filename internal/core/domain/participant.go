package domain

import "time"

type ParticipantID string

type RoomID string

type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"display_name"`
	IsMuted     bool          `json:"is_muted"`
	IsSpeaking  bool          `json:"is_speaking"`
	AudioLevel  float64       `json:"audio_level"`
	JoinedAt    time.Time     `json:"joined_at"`
	ProducerID  string        `json:"producer_id,omitempty"`
	ConsumerID  string        `json:"consumer_id,omitempty"`
}

// ParticipantPatch is a partial update. Nil fields are left untouched.
type ParticipantPatch struct {
	DisplayName *string  `json:"display_name,omitempty"`
	IsMuted     *bool    `json:"is_muted,omitempty"`
	IsSpeaking  *bool    `json:"is_speaking,omitempty"`
	AudioLevel  *float64 `json:"audio_level,omitempty"`
	ProducerID  *string  `json:"producer_id,omitempty"`
}

// ParticipantChanges reports which observable fields a patch changed.
type ParticipantChanges struct {
	Muted      bool
	Speaking   bool
	ProducerID bool
	Any        bool
}

// Apply returns a copy of p with the patch applied along with the set of
// fields whose value actually changed.
func (p Participant) Apply(patch ParticipantPatch) (Participant, ParticipantChanges) {
	next := p
	var changes ParticipantChanges

	if patch.DisplayName != nil && *patch.DisplayName != p.DisplayName {
		next.DisplayName = *patch.DisplayName
		changes.Any = true
	}
	if patch.IsMuted != nil && *patch.IsMuted != p.IsMuted {
		next.IsMuted = *patch.IsMuted
		changes.Muted = true
		changes.Any = true
	}
	if patch.IsSpeaking != nil && *patch.IsSpeaking != p.IsSpeaking {
		next.IsSpeaking = *patch.IsSpeaking
		changes.Speaking = true
		changes.Any = true
	}
	if patch.AudioLevel != nil && *patch.AudioLevel != p.AudioLevel {
		next.AudioLevel = *patch.AudioLevel
		changes.Any = true
	}
	if patch.ProducerID != nil && *patch.ProducerID != p.ProducerID {
		next.ProducerID = *patch.ProducerID
		changes.ProducerID = true
		changes.Any = true
	}
	return next, changes
}

type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionInitializing  SessionState = "initializing"
	SessionActive        SessionState = "active"
	SessionClosed        SessionState = "closed"
)

// SessionStats is the aggregate published by the group stats collector.
type SessionStats struct {
	RoomID           RoomID          `json:"room_id"`
	ParticipantCount int             `json:"participant_count"`
	ConsumerCount    int             `json:"consumer_count"`
	Producing        bool            `json:"producing"`
	Transport        *TransportStats `json:"transport,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

type TransportStats struct {
	BytesSent        uint64  `json:"bytes_sent"`
	BytesReceived    uint64  `json:"bytes_received"`
	PacketsSent      uint64  `json:"packets_sent"`
	PacketsReceived  uint64  `json:"packets_received"`
	PacketsLost      uint64  `json:"packets_lost"`
	RTT              float64 `json:"rtt_ms"`
	AvailableBitrate float64 `json:"available_bitrate_kbps"`
	ICEState         string  `json:"ice_state,omitempty"`
}

// RoomInfo is a snapshot of one joined room.
type RoomInfo struct {
	RoomID       RoomID        `json:"room_id"`
	LocalID      ParticipantID `json:"local_id"`
	State        SessionState  `json:"state"`
	LocalMuted   bool          `json:"local_muted"`
	Participants []Participant `json:"participants"`
	Stats        SessionStats  `json:"stats"`
}
