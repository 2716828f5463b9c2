package domain

import (
	"errors"
	"fmt"
)

type TransportDirection string

const (
	TransportSend TransportDirection = "send"
	TransportRecv TransportDirection = "recv"
)

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPCodecCapability struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

func (c RTPCapabilities) Validate() error {
	if len(c.Codecs) == 0 {
		return errors.New("rtp capabilities: no codecs")
	}
	for i, codec := range c.Codecs {
		if codec.MimeType == "" {
			return fmt.Errorf("rtp capabilities: codec %d has no mimeType", i)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("rtp capabilities: codec %s has no clockRate", codec.MimeType)
		}
	}
	return nil
}

// CodecFor returns the first codec of the given kind.
func (c RTPCapabilities) CodecFor(kind MediaKind) (RTPCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if codec.Kind == kind {
			return codec, true
		}
	}
	return RTPCodecCapability{}, false
}

const AudioLevelExtensionURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// DefaultRTPCapabilities is the conservative set used when the SFU cannot be reached.
func DefaultRTPCapabilities() RTPCapabilities {
	return RTPCapabilities{
		Codecs: []RTPCodecCapability{
			{
				Kind:                 MediaKindAudio,
				MimeType:             "audio/opus",
				PreferredPayloadType: 111,
				ClockRate:            48000,
				Channels:             2,
				Parameters:           map[string]interface{}{"minptime": 10, "useinbandfec": 1},
				RTCPFeedback:         []RTCPFeedback{{Type: "transport-cc"}},
			},
			{
				Kind:                 MediaKindVideo,
				MimeType:             "video/VP8",
				PreferredPayloadType: 96,
				ClockRate:            90000,
				RTCPFeedback: []RTCPFeedback{
					{Type: "nack"},
					{Type: "nack", Parameter: "pli"},
					{Type: "ccm", Parameter: "fir"},
					{Type: "goog-remb"},
				},
			},
		},
		HeaderExtensions: []RTPHeaderExtension{
			{Kind: MediaKindAudio, URI: AudioLevelExtensionURI, PreferredID: 1},
		},
	}
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

func (p DTLSParameters) Validate() error {
	if len(p.Fingerprints) == 0 {
		return errors.New("dtls parameters: no fingerprints")
	}
	for _, fp := range p.Fingerprints {
		if fp.Algorithm == "" || fp.Value == "" {
			return errors.New("dtls parameters: incomplete fingerprint")
		}
	}
	return nil
}

type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`

	// Fallback marks locally synthesized parameters. Never serialized.
	Fallback bool `json:"-"`
}

func (p TransportParams) Validate() error {
	if p.ID == "" {
		return errors.New("transport params: missing id")
	}
	if p.ICEParameters.UsernameFragment == "" || p.ICEParameters.Password == "" {
		return errors.New("transport params: missing ice parameters")
	}
	return p.DTLSParameters.Validate()
}

// FallbackTransportParams synthesizes transport parameters for local
// development when the SFU is unreachable.
func FallbackTransportParams(id string) TransportParams {
	return TransportParams{
		ID: id,
		ICEParameters: ICEParameters{
			UsernameFragment: "fallbackufrag",
			Password:         "fallbackpasswordfallbackpw",
			ICELite:          true,
		},
		ICECandidates: []ICECandidate{{
			Foundation: "fallback",
			Priority:   1,
			IP:         "127.0.0.1",
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DTLSParameters: DTLSParameters{
			Role: "auto",
			Fingerprints: []DTLSFingerprint{{
				Algorithm: "sha-256",
				Value:     "00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00:00",
			}},
		},
		Fallback: true,
	}
}

type CreateTransportRequest struct {
	RoomID        RoomID             `json:"roomId"`
	ParticipantID ParticipantID      `json:"participantId,omitempty"`
	Direction     TransportDirection `json:"direction"`
}

type ConnectTransportRequest struct {
	TransportID    string         `json:"transportId"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

type RTPCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback         `json:"rtcpFeedback,omitempty"`
}

type RTPEncoding struct {
	SSRC       uint32 `json:"ssrc,omitempty"`
	DTX        bool   `json:"dtx,omitempty"`
	MaxBitrate uint64 `json:"maxBitrate,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	Encodings        []RTPEncoding                  `json:"encodings,omitempty"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	CNAME            string                         `json:"cname,omitempty"`
}

func (p RTPParameters) Validate() error {
	if len(p.Codecs) == 0 {
		return errors.New("rtp parameters: no codecs")
	}
	return nil
}

// CodecOptions tune the local producer's encoder negotiation.
type CodecOptions struct {
	OpusDTX        bool `json:"opusDtx"`
	OpusFEC        bool `json:"opusFec"`
	OpusStereo     bool `json:"opusStereo,omitempty"`
	OpusMaxBitrate int  `json:"opusMaxAverageBitrate,omitempty"`
}

// VoiceCodecOptions favour speech: discontinuous transmission and in-band FEC.
func VoiceCodecOptions() CodecOptions {
	return CodecOptions{OpusDTX: true, OpusFEC: true}
}

type ProduceRequest struct {
	TransportID   string            `json:"transportId"`
	Kind          MediaKind         `json:"kind"`
	RTPParameters RTPParameters     `json:"rtpParameters"`
	AppData       map[string]string `json:"appData,omitempty"`
}

func (r ProduceRequest) Validate() error {
	if r.TransportID == "" {
		return errors.New("produce: missing transport id")
	}
	if r.Kind != MediaKindAudio && r.Kind != MediaKindVideo {
		return fmt.Errorf("produce: invalid kind %q", r.Kind)
	}
	return r.RTPParameters.Validate()
}

type ProduceResult struct {
	ID string `json:"id"`
}

func (r ProduceResult) Validate() error {
	if r.ID == "" {
		return errors.New("produce result: missing id")
	}
	return nil
}

type ConsumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities RTPCapabilities `json:"rtpCapabilities"`
}

type ConsumeParams struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
	Paused        bool          `json:"paused,omitempty"`
}

func (p ConsumeParams) Validate() error {
	if p.ID == "" || p.ProducerID == "" {
		return errors.New("consume params: missing id")
	}
	if p.Kind != MediaKindAudio && p.Kind != MediaKindVideo {
		return fmt.Errorf("consume params: invalid kind %q", p.Kind)
	}
	return p.RTPParameters.Validate()
}
