package webrtc

import (
	"math"

	"github.com/pion/rtp"
)

// silenceDBov is the RFC 6464 floor; 127 -dBov means digital silence.
const silenceDBov = 127

// audioLevel reads the RFC 6464 extension carried under extID and returns
// the linear amplitude in 0..1.
func audioLevel(pkt *rtp.Packet, extID uint8) (float64, bool) {
	if extID == 0 || !pkt.Extension {
		return 0, false
	}
	raw := pkt.GetExtension(extID)
	if len(raw) == 0 {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return normalizeAudioLevel(ext.Level), true
}

func normalizeAudioLevel(dBov uint8) float64 {
	if dBov >= silenceDBov {
		return 0
	}
	return math.Pow(10, -float64(dBov)/20)
}
