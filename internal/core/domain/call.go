package domain

import "time"

type CallID string

type CallState string

const (
	CallStateIdle         CallState = "idle"
	CallStateInitiating   CallState = "initiating"
	CallStateRinging      CallState = "ringing"
	CallStateConnecting   CallState = "connecting"
	CallStateConnected    CallState = "connected"
	CallStateReconnecting CallState = "reconnecting"
	CallStateHeld         CallState = "held"
	CallStateTransferring CallState = "transferring"
	CallStateEnding       CallState = "ending"
	CallStateEnded        CallState = "ended"
)

// CallStates lists every call state in lifecycle order.
var CallStates = []CallState{
	CallStateIdle,
	CallStateInitiating,
	CallStateRinging,
	CallStateConnecting,
	CallStateConnected,
	CallStateReconnecting,
	CallStateHeld,
	CallStateTransferring,
	CallStateEnding,
	CallStateEnded,
}

// CallTransitions is the legal successor table. ended -> idle is the only way
// out of the terminal state and lets a call object be reused.
var CallTransitions = map[CallState][]CallState{
	CallStateIdle:         {CallStateInitiating},
	CallStateInitiating:   {CallStateRinging, CallStateConnecting, CallStateEnding, CallStateEnded},
	CallStateRinging:      {CallStateConnecting, CallStateEnding, CallStateEnded},
	CallStateConnecting:   {CallStateConnected, CallStateEnding, CallStateEnded},
	CallStateConnected:    {CallStateHeld, CallStateTransferring, CallStateReconnecting, CallStateEnding, CallStateEnded},
	CallStateReconnecting: {CallStateConnected, CallStateEnding, CallStateEnded},
	CallStateHeld:         {CallStateConnected, CallStateTransferring, CallStateEnding, CallStateEnded},
	CallStateTransferring: {CallStateConnected, CallStateEnding, CallStateEnded},
	CallStateEnding:       {CallStateEnded},
	CallStateEnded:        {CallStateIdle},
}

func (s CallState) Valid() bool {
	_, ok := CallTransitions[s]
	return ok
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s CallState) CanTransitionTo(next CallState) bool {
	for _, candidate := range CallTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

type TransitionRecord struct {
	From      CallState         `json:"from"`
	To        CallState         `json:"to"`
	Timestamp time.Time         `json:"timestamp"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CallSignal is a lifecycle event delivered by the signaling channel.
type CallSignal string

const (
	SignalRinging         CallSignal = "ringing"
	SignalAnswer          CallSignal = "answer"
	SignalConnected       CallSignal = "connected"
	SignalHold            CallSignal = "hold"
	SignalResume          CallSignal = "resume"
	SignalTransfer        CallSignal = "transfer"
	SignalNetworkLost     CallSignal = "network_lost"
	SignalNetworkRestored CallSignal = "network_restored"
	SignalHangup          CallSignal = "hangup"
)

type CallDirection string

const (
	CallDirectionOutgoing CallDirection = "outgoing"
	CallDirectionIncoming CallDirection = "incoming"
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallInfo is a read-only snapshot of a call session.
type CallInfo struct {
	ID                CallID             `json:"id"`
	Direction         CallDirection      `json:"direction"`
	Type              CallType           `json:"type"`
	RemoteParty       string             `json:"remote_party"`
	State             CallState          `json:"state"`
	PreviousState     CallState          `json:"previous_state,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	TotalDuration     time.Duration      `json:"total_duration"`
	ConnectedDuration time.Duration      `json:"connected_duration"`
	Quality           QualityLevel       `json:"quality,omitempty"`
	VideoTier         VideoQualityTier   `json:"video_tier,omitempty"`
	History           []TransitionRecord `json:"history,omitempty"`
}
