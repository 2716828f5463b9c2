package domain

import "time"

type EventType string

const (
	EventCallStateChanged    EventType = "call.state_changed"
	EventInvalidTransition   EventType = "call.invalid_transition"
	EventCallCreated         EventType = "call.created"
	EventCallRemoved         EventType = "call.removed"
	EventQualityChanged      EventType = "quality.changed"
	EventQualityAlert        EventType = "quality.alert"
	EventQualitySample       EventType = "quality.sample"
	EventBandwidthAdapted    EventType = "bandwidth.adapted"
	EventParticipantJoined   EventType = "participant.joined"
	EventParticipantLeft     EventType = "participant.left"
	EventParticipantUpdated  EventType = "participant.updated"
	EventParticipantMuted    EventType = "participant.muted"
	EventParticipantSpeaking EventType = "participant.speaking"
	EventSessionStateChanged EventType = "session.state_changed"
	EventSessionStats        EventType = "session.stats"
	EventSessionError        EventType = "session.error"
	EventSFUFallback         EventType = "sfu.fallback"
)

// Event is the unit published on the in-process bus. Payload holds one of
// the typed payload structs below.
type Event struct {
	ID            string        `json:"id"`
	Type          EventType     `json:"type"`
	CallID        CallID        `json:"call_id,omitempty"`
	RoomID        RoomID        `json:"room_id,omitempty"`
	ParticipantID ParticipantID `json:"participant_id,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Payload       interface{}   `json:"payload,omitempty"`
}

type StateChangePayload struct {
	From     CallState         `json:"from"`
	To       CallState         `json:"to"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type InvalidTransitionPayload struct {
	From   CallState `json:"from"`
	To     CallState `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

type QualityChangePayload struct {
	Previous QualityLevel  `json:"previous"`
	Current  QualityLevel  `json:"current"`
	Sample   QualitySample `json:"sample"`
}

type AdaptationPayload struct {
	From     VideoQualityTier   `json:"from"`
	Decision AdaptationDecision `json:"decision"`
	Estimate BandwidthEstimate  `json:"estimate"`
}

type SessionStatePayload struct {
	From SessionState `json:"from"`
	To   SessionState `json:"to"`
}

type SessionErrorPayload struct {
	Operation string `json:"operation"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type FallbackPayload struct {
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
}
