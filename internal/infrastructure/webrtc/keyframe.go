package webrtc

import (
	"strings"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

const (
	h264NALIDR   = 5
	h264NALSPS   = 7
	h264NALSTAPA = 24
	h264NALFUA   = 28
)

// isKeyframe reports whether payload starts a VP8 key frame or carries the
// start of an H.264 IDR picture.
func isKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		var vp8 codecs.VP8Packet
		frame, err := vp8.Unmarshal(payload)
		if err != nil || len(frame) == 0 {
			return false
		}
		// P bit of the VP8 payload header is 0 on key frames.
		return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		switch payload[0] & 0x1F {
		case h264NALIDR:
			return true
		case h264NALSTAPA:
			if len(payload) < 4 {
				return false
			}
			first := payload[3] & 0x1F
			return first == h264NALIDR || first == h264NALSPS
		case h264NALFUA:
			return len(payload) > 1 && payload[1]&0x80 != 0 && payload[1]&0x1F == h264NALIDR
		}
	}
	return false
}
