package webrtc

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// rtpCounter keeps RFC 3550 receive statistics for one SSRC: extended
// highest sequence number, cumulative loss and interarrival jitter.
type rtpCounter struct {
	clockRate uint32

	mu          sync.Mutex
	started     bool
	epoch       time.Time
	baseSeq     uint32
	maxSeq      uint32
	cycles      uint32
	received    uint64
	bytes       uint64
	lastTransit float64
	jitter      float64 // timestamp units
}

func newRTPCounter(clockRate uint32) *rtpCounter {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &rtpCounter{clockRate: clockRate}
}

func (c *rtpCounter) update(pkt *rtp.Packet, arrival time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := pkt.SequenceNumber
	c.received++
	c.bytes += uint64(len(pkt.Payload))

	if !c.started {
		c.started = true
		c.epoch = arrival
		c.baseSeq = uint32(seq)
		c.maxSeq = uint32(seq)
		c.lastTransit = -float64(pkt.Timestamp)
		return
	}

	if delta := seq - uint16(c.maxSeq); delta != 0 && delta < 0x8000 {
		if seq < uint16(c.maxSeq) {
			c.cycles += 1 << 16
		}
		c.maxSeq = c.cycles | uint32(seq)
	}

	arrivalTS := arrival.Sub(c.epoch).Seconds() * float64(c.clockRate)
	transit := arrivalTS - float64(pkt.Timestamp)
	d := math.Abs(transit - c.lastTransit)
	c.lastTransit = transit
	c.jitter += (d - c.jitter) / 16
}

// lost is expected minus received. Duplicates can make it negative.
func (c *rtpCounter) lost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	expected := int64(c.maxSeq) - int64(c.baseSeq) + 1
	return expected - int64(c.received)
}

func (c *rtpCounter) jitterSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jitter / float64(c.clockRate)
}

func (c *rtpCounter) totals() (packets, bytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received, c.bytes
}
