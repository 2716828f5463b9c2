package webrtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"callengine/internal/core/domain"

	"github.com/pion/webrtc/v4"
)

var supportedMimeTypes = map[string]domain.MediaKind{
	strings.ToLower(webrtc.MimeTypeOpus): domain.MediaKindAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  domain.MediaKindVideo,
	strings.ToLower(webrtc.MimeTypeVP9):  domain.MediaKindVideo,
	strings.ToLower(webrtc.MimeTypeH264): domain.MediaKindVideo,
	strings.ToLower(webrtc.MimeTypeAV1):  domain.MediaKindVideo,
}

// negotiateCapabilities keeps the SFU codecs this endpoint can handle.
func negotiateCapabilities(caps domain.RTPCapabilities) (domain.RTPCapabilities, error) {
	if err := caps.Validate(); err != nil {
		return domain.RTPCapabilities{}, err
	}
	out := domain.RTPCapabilities{HeaderExtensions: append([]domain.RTPHeaderExtension(nil), caps.HeaderExtensions...)}
	for _, codec := range caps.Codecs {
		kind, ok := supportedMimeTypes[strings.ToLower(codec.MimeType)]
		if !ok || (codec.Kind != "" && codec.Kind != kind) {
			continue
		}
		codec.Kind = kind
		out.Codecs = append(out.Codecs, codec)
	}
	if _, ok := out.CodecFor(domain.MediaKindAudio); !ok {
		return domain.RTPCapabilities{}, fmt.Errorf("no supported audio codec in sfu capabilities")
	}
	return out, nil
}

func toICEParameters(p domain.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func toICECandidates(candidates []domain.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func toDTLSParameters(p domain.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func fromDTLSParameters(p webrtc.DTLSParameters) domain.DTLSParameters {
	out := domain.DTLSParameters{Role: "auto"}
	switch p.Role {
	case webrtc.DTLSRoleClient:
		out.Role = "client"
	case webrtc.DTLSRoleServer:
		out.Role = "server"
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func codecKind(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// sendParameters describes a local sender to the SFU. Opus codecs carry
// the codec options as fmtp parameters.
func sendParameters(kind domain.MediaKind, p webrtc.RTPSendParameters, opts domain.CodecOptions, cname string) domain.RTPParameters {
	out := domain.RTPParameters{CNAME: cname}
	for _, c := range p.Codecs {
		if k, ok := supportedMimeTypes[strings.ToLower(c.MimeType)]; !ok || k != kind {
			continue
		}
		params := parseFmtp(c.SDPFmtpLine)
		if strings.EqualFold(c.MimeType, webrtc.MimeTypeOpus) {
			applyOpusOptions(params, opts)
		}
		codec := domain.RTPCodecParameters{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			Parameters:  params,
		}
		for _, fb := range c.RTCPFeedback {
			codec.RTCPFeedback = append(codec.RTCPFeedback, domain.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}
		out.Codecs = append(out.Codecs, codec)
	}
	for _, ext := range p.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, domain.RTPHeaderExtensionParameters{URI: ext.URI, ID: ext.ID})
	}
	for _, enc := range p.Encodings {
		out.Encodings = append(out.Encodings, domain.RTPEncoding{SSRC: uint32(enc.SSRC), DTX: opts.OpusDTX && kind == domain.MediaKindAudio})
	}
	return out
}

func applyOpusOptions(params map[string]interface{}, opts domain.CodecOptions) {
	if opts.OpusDTX {
		params["usedtx"] = 1
	}
	if opts.OpusFEC {
		params["useinbandfec"] = 1
	}
	if opts.OpusStereo {
		params["stereo"] = 1
	}
	if opts.OpusMaxBitrate > 0 {
		params["maxaveragebitrate"] = opts.OpusMaxBitrate
	}
}

// receiveParameters turns consumer parameters into pion receive parameters.
func receiveParameters(p domain.RTPParameters) (webrtc.RTPParameters, webrtc.RTPReceiveParameters, error) {
	if len(p.Encodings) == 0 || p.Encodings[0].SSRC == 0 {
		return webrtc.RTPParameters{}, webrtc.RTPReceiveParameters{}, fmt.Errorf("consumer parameters carry no ssrc")
	}
	var rtpParams webrtc.RTPParameters
	for _, c := range p.Codecs {
		codec := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: formatFmtp(c.Parameters),
			},
			PayloadType: webrtc.PayloadType(c.PayloadType),
		}
		for _, fb := range c.RTCPFeedback {
			codec.RTCPFeedback = append(codec.RTCPFeedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}
		rtpParams.Codecs = append(rtpParams.Codecs, codec)
	}
	for _, ext := range p.HeaderExtensions {
		rtpParams.HeaderExtensions = append(rtpParams.HeaderExtensions, webrtc.RTPHeaderExtensionParameter{URI: ext.URI, ID: ext.ID})
	}

	recv := webrtc.RTPReceiveParameters{}
	for _, enc := range p.Encodings {
		coding := webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(enc.SSRC)}
		if len(p.Codecs) > 0 {
			coding.PayloadType = webrtc.PayloadType(p.Codecs[0].PayloadType)
		}
		recv.Encodings = append(recv.Encodings, webrtc.RTPDecodingParameters{RTPCodingParameters: coding})
	}
	return rtpParams, recv, nil
}

// headerExtensionID returns the id negotiated for uri, or 0.
func headerExtensionID(p domain.RTPParameters, uri string) uint8 {
	for _, ext := range p.HeaderExtensions {
		if ext.URI == uri && ext.ID > 0 && ext.ID < 256 {
			return uint8(ext.ID)
		}
	}
	return 0
}

func parseFmtp(line string) map[string]interface{} {
	params := make(map[string]interface{})
	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else {
			params[key] = value
		}
	}
	return params
}

func formatFmtp(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}
