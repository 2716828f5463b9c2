package webrtc

import (
	"context"
	"testing"
	"time"

	"callengine/internal/core/domain"
	"callengine/pkg/clock"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConvertStats(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	report := webrtc.StatsReport{
		"in-video": webrtc.InboundRTPStreamStats{
			ID: "in-video", Kind: "video", SSRC: 22,
			PacketsReceived: 900, PacketsLost: 12, BytesReceived: 800000,
			Jitter: 0.015, FramesDecoded: 300, FrameWidth: 1280, FrameHeight: 720,
		},
		"in-audio": &webrtc.InboundRTPStreamStats{
			ID: "in-audio", Kind: "audio", SSRC: 11, PacketsReceived: 500, PacketsLost: -1,
		},
		"out-audio": webrtc.OutboundRTPStreamStats{
			ID: "out-audio", Kind: "audio", SSRC: 33, PacketsSent: 400, BytesSent: 32000,
		},
		"pair": webrtc.ICECandidatePairStats{
			ID: "pair", State: webrtc.StatsICECandidatePairStateSucceeded, Nominated: true,
			CurrentRoundTripTime: 0.08, AvailableOutgoingBitrate: 2_500_000,
		},
		"codec": webrtc.CodecStats{ID: "codec"},
	}

	got := ConvertStats(report, clock.NewMock(now))

	assert.Equal(t, now, got.Timestamp)
	require.Len(t, got.Inbound, 2)
	assert.Equal(t, "in-audio", got.Inbound[0].ID)
	assert.Equal(t, int64(-1), got.Inbound[0].PacketsLost)
	assert.Equal(t, domain.InboundRTPStats{
		ID: "in-video", Kind: domain.MediaKindVideo, SSRC: 22,
		PacketsReceived: 900, PacketsLost: 12, BytesReceived: 800000,
		Jitter: 0.015, FramesDecoded: 300, FrameWidth: 1280, FrameHeight: 720,
	}, got.Inbound[1])

	require.Len(t, got.Outbound, 1)
	assert.Equal(t, uint64(400), got.Outbound[0].PacketsSent)
	assert.Equal(t, domain.MediaKindAudio, got.Outbound[0].Kind)

	pair, ok := got.ActiveCandidatePair()
	require.True(t, ok)
	assert.Equal(t, 0.08, pair.CurrentRoundTripTime)
	assert.Equal(t, 2_500_000.0, pair.AvailableOutgoingBitrate)
}

type fixedEstimator int

func (f fixedEstimator) GetTargetBitrate() int { return int(f) }

func TestApplyEstimate(t *testing.T) {
	report := domain.StatsReport{CandidatePairs: []domain.CandidatePairStats{
		{ID: "backup", State: "succeeded"},
		{ID: "active", State: "succeeded", Nominated: true},
	}}

	applyEstimate(&report, 1_800_000)
	assert.Zero(t, report.CandidatePairs[0].AvailableOutgoingBitrate)
	pair, ok := report.ActiveCandidatePair()
	require.True(t, ok)
	assert.Equal(t, 1_800_000.0, pair.AvailableOutgoingBitrate)

	// A value reported by the stack wins.
	report.CandidatePairs[1].AvailableOutgoingBitrate = 900_000
	applyEstimate(&report, 1_800_000)
	assert.Equal(t, 900_000.0, report.CandidatePairs[1].AvailableOutgoingBitrate)

	applyEstimate(&report, 0)
	assert.Equal(t, 900_000.0, report.CandidatePairs[1].AvailableOutgoingBitrate)
}

func TestEndpoint_StatsCarryCongestionEstimate(t *testing.T) {
	e, err := NewEndpoint(Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer e.Close()

	e.stats.mu.Lock()
	estimator := e.stats.estimator
	e.stats.mu.Unlock()
	require.NotNil(t, estimator)
	assert.Equal(t, bweInitialBitrate, estimator.GetTargetBitrate())

	e.stats.setEstimator(fixedEstimator(750_000))
	_, err = e.GetStats(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Close())
	_, err = e.GetStats(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func packet(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: ts, SSRC: 1},
		Payload: make([]byte, 100),
	}
}

func TestRTPCounter_LossAndWrap(t *testing.T) {
	c := newRTPCounter(48000)
	start := time.Now()

	// 65533..65535, 0, 2 (1 lost across the wrap)
	seqs := []uint16{65533, 65534, 65535, 0, 2}
	for i, seq := range seqs {
		c.update(packet(seq, uint32(i)*960), start.Add(time.Duration(i)*20*time.Millisecond))
	}

	packets, bytes := c.totals()
	assert.Equal(t, uint64(5), packets)
	assert.Equal(t, uint64(500), bytes)
	assert.Equal(t, int64(1), c.lost())
}

func TestRTPCounter_ReorderedPacketDoesNotMoveHighest(t *testing.T) {
	c := newRTPCounter(90000)
	start := time.Now()

	c.update(packet(10, 0), start)
	c.update(packet(12, 0), start)
	c.update(packet(11, 0), start)

	assert.Equal(t, int64(0), c.lost())
}

func TestRTPCounter_Jitter(t *testing.T) {
	c := newRTPCounter(48000)
	start := time.Now()

	// Packets paced exactly at their media time: no jitter.
	for i := 0; i < 50; i++ {
		c.update(packet(uint16(i), uint32(i)*960), start.Add(time.Duration(i)*20*time.Millisecond))
	}
	assert.InDelta(t, 0, c.jitterSeconds(), 1e-6)

	// Every arrival 10ms late relative to the previous one.
	late := newRTPCounter(48000)
	for i := 0; i < 200; i++ {
		late.update(packet(uint16(i), uint32(i)*960), start.Add(time.Duration(i)*30*time.Millisecond))
	}
	assert.InDelta(t, 0.010, late.jitterSeconds(), 0.001)
}

func TestNormalizeAudioLevel(t *testing.T) {
	assert.Equal(t, 1.0, normalizeAudioLevel(0))
	assert.InDelta(t, 0.1, normalizeAudioLevel(20), 1e-9)
	assert.InDelta(t, 0.01, normalizeAudioLevel(40), 1e-9)
	assert.Equal(t, 0.0, normalizeAudioLevel(127))
}

func withAudioLevel(t *testing.T, extID uint8, dBov uint8) *rtp.Packet {
	t.Helper()
	pkt := packet(1, 0)
	raw, err := rtp.AudioLevelExtension{Level: dBov, Voice: true}.Marshal()
	require.NoError(t, err)
	require.NoError(t, pkt.SetExtension(extID, raw))
	return pkt
}

func TestAudioLevel(t *testing.T) {
	level, ok := audioLevel(withAudioLevel(t, 1, 20), 1)
	require.True(t, ok)
	assert.InDelta(t, 0.1, level, 1e-9)

	_, ok = audioLevel(withAudioLevel(t, 1, 20), 2)
	assert.False(t, ok, "different extension id")

	_, ok = audioLevel(packet(1, 0), 1)
	assert.False(t, ok, "no extension")

	_, ok = audioLevel(withAudioLevel(t, 1, 20), 0)
	assert.False(t, ok, "extension not negotiated")
}

func testConsumer(t *testing.T, kind domain.MediaKind) *Consumer {
	t.Helper()
	return &Consumer{
		id:         "c1",
		producerID: "p1",
		kind:       kind,
		ssrc:       1,
		levelExtID: 1,
		counter:    newRTPCounter(48000),
		clock:      clock.NewMock(time.Now()),
		logger:     zaptest.NewLogger(t).Sugar(),
	}
}

func TestConsumer_ReportsAudioLevel(t *testing.T) {
	c := testConsumer(t, domain.MediaKindAudio)
	var levels []float64
	c.OnAudioLevel(func(level float64) { levels = append(levels, level) })

	c.handlePacket(withAudioLevel(t, 1, 0))
	c.handlePacket(withAudioLevel(t, 1, 127))

	assert.Equal(t, []float64{1, 0}, levels)
	stats := c.inboundStats()
	assert.Equal(t, uint64(2), stats.PacketsReceived)
	assert.Equal(t, "c1", stats.ID)
}

func TestConsumer_PausedSuppressesLevels(t *testing.T) {
	c := testConsumer(t, domain.MediaKindAudio)
	var (
		levels int
		paused int
	)
	c.OnAudioLevel(func(float64) { levels++ })
	c.OnPause(func() { paused++ })

	require.NoError(t, c.Pause())
	require.NoError(t, c.Pause())
	c.handlePacket(withAudioLevel(t, 1, 10))

	assert.Equal(t, 0, levels)
	assert.Equal(t, 1, paused)
	assert.Equal(t, uint64(1), c.inboundStats().PacketsReceived)
}

func TestConsumer_VideoIgnoresAudioLevel(t *testing.T) {
	c := testConsumer(t, domain.MediaKindVideo)
	called := false
	c.OnAudioLevel(func(float64) { called = true })

	c.handlePacket(withAudioLevel(t, 1, 10))
	assert.False(t, called)
}

func TestNegotiateCapabilities(t *testing.T) {
	caps := domain.DefaultRTPCapabilities()
	caps.Codecs = append(caps.Codecs, domain.RTPCodecCapability{
		Kind: domain.MediaKindVideo, MimeType: "video/unknown", ClockRate: 90000,
	})

	got, err := negotiateCapabilities(caps)
	require.NoError(t, err)
	assert.Len(t, got.Codecs, 2)
	assert.Equal(t, caps.HeaderExtensions, got.HeaderExtensions)

	_, err = negotiateCapabilities(domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
	}})
	assert.Error(t, err, "no audio codec")

	_, err = negotiateCapabilities(domain.RTPCapabilities{})
	assert.Error(t, err)
}

func TestSendParameters_OpusOptions(t *testing.T) {
	params := webrtc.RTPSendParameters{
		RTPParameters: webrtc.RTPParameters{
			Codecs: []webrtc.RTPCodecParameters{
				{
					RTPCodecCapability: webrtc.RTPCodecCapability{
						MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
						SDPFmtpLine: "minptime=10;useinbandfec=0",
					},
					PayloadType: 111,
				},
				{
					RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
					PayloadType:        96,
				},
			},
			HeaderExtensions: []webrtc.RTPHeaderExtensionParameter{{URI: domain.AudioLevelExtensionURI, ID: 1}},
		},
		Encodings: []webrtc.RTPEncodingParameters{{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: 1234}}},
	}

	got := sendParameters(domain.MediaKindAudio, params, domain.VoiceCodecOptions(), "cname")

	require.Len(t, got.Codecs, 1)
	opus := got.Codecs[0]
	assert.Equal(t, uint8(111), opus.PayloadType)
	assert.Equal(t, 10, opus.Parameters["minptime"])
	assert.Equal(t, 1, opus.Parameters["useinbandfec"])
	assert.Equal(t, 1, opus.Parameters["usedtx"])
	assert.Equal(t, []domain.RTPEncoding{{SSRC: 1234, DTX: true}}, got.Encodings)
	assert.Equal(t, uint8(1), headerExtensionID(got, domain.AudioLevelExtensionURI))
	assert.NoError(t, got.Validate())
}

func TestReceiveParameters(t *testing.T) {
	p := domain.RTPParameters{
		Codecs: []domain.RTPCodecParameters{{
			MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2,
			Parameters: map[string]interface{}{"useinbandfec": float64(1), "minptime": float64(10)},
		}},
		Encodings:        []domain.RTPEncoding{{SSRC: 555}},
		HeaderExtensions: []domain.RTPHeaderExtensionParameters{{URI: domain.AudioLevelExtensionURI, ID: 3}},
	}

	rtpParams, recv, err := receiveParameters(p)
	require.NoError(t, err)
	require.Len(t, rtpParams.Codecs, 1)
	assert.Equal(t, "minptime=10;useinbandfec=1", rtpParams.Codecs[0].SDPFmtpLine)
	require.Len(t, recv.Encodings, 1)
	assert.Equal(t, webrtc.SSRC(555), recv.Encodings[0].SSRC)
	assert.Equal(t, webrtc.PayloadType(100), recv.Encodings[0].PayloadType)

	_, _, err = receiveParameters(domain.RTPParameters{Codecs: p.Codecs})
	assert.Error(t, err, "missing ssrc")
}

func TestICEAndDTLSConversion(t *testing.T) {
	params := domain.FallbackTransportParams("t1")

	candidates, err := toICECandidates(params.ICECandidates)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "127.0.0.1", candidates[0].Address)
	assert.Equal(t, webrtc.ICEProtocolUDP, candidates[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeHost, candidates[0].Typ)

	_, err = toICECandidates([]domain.ICECandidate{{Protocol: "sctp", Type: "host"}})
	assert.Error(t, err)

	dtls := toDTLSParameters(domain.DTLSParameters{Role: "server", Fingerprints: params.DTLSParameters.Fingerprints})
	assert.Equal(t, webrtc.DTLSRoleServer, dtls.Role)
	back := fromDTLSParameters(dtls)
	assert.Equal(t, "server", back.Role)
	assert.Equal(t, params.DTLSParameters.Fingerprints, back.Fingerprints)
}

func TestNewLocalAudioStream(t *testing.T) {
	stream, err := NewLocalAudioStream("local")
	require.NoError(t, err)

	tracks := stream.AudioTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, domain.MediaKindAudio, tracks[0].Kind())
	assert.Equal(t, "audio-local", tracks[0].ID())
	assert.Empty(t, stream.VideoTracks())

	source, ok := tracks[0].(trackSource)
	require.True(t, ok)
	samples, bytes := source.counters()
	assert.Zero(t, samples)
	assert.Zero(t, bytes)
}

func TestDevice_LoadAndCreateTransports(t *testing.T) {
	api, err := NewAPI(Config{})
	require.NoError(t, err)
	device := NewDevice(api, Config{}, zaptest.NewLogger(t).Sugar())

	_, err = device.CreateSendTransport(domain.FallbackTransportParams("send"))
	assert.ErrorIs(t, err, domain.ErrDeviceNotLoaded)

	require.NoError(t, device.Load(context.Background(), domain.DefaultRTPCapabilities()))
	assert.True(t, device.Loaded())
	_, ok := device.RecvRTPCapabilities().CodecFor(domain.MediaKindAudio)
	assert.True(t, ok)

	_, err = device.CreateRecvTransport(domain.TransportParams{ID: "bad"})
	assert.Error(t, err)

	send, err := device.CreateSendTransport(domain.FallbackTransportParams("send"))
	require.NoError(t, err)
	assert.Equal(t, "send", send.ID())
	assert.Equal(t, domain.TransportSend, send.Direction())

	report, err := send.GetStats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Outbound)

	require.NoError(t, send.Close())
	_, err = send.GetStats(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestRecvTransport_ConsumeRequiresConnectHandler(t *testing.T) {
	api, err := NewAPI(Config{})
	require.NoError(t, err)
	device := NewDevice(api, Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, device.Load(context.Background(), domain.DefaultRTPCapabilities()))

	recv, err := device.CreateRecvTransport(domain.FallbackTransportParams("recv"))
	require.NoError(t, err)
	defer recv.Close()

	_, err = recv.Consume(context.Background(), domain.ConsumeParams{
		ID: "c1", ProducerID: "p1", Kind: domain.MediaKindAudio,
		RTPParameters: domain.RTPParameters{
			Codecs:    []domain.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000}},
			Encodings: []domain.RTPEncoding{{SSRC: 1}},
		},
	})
	assert.ErrorIs(t, err, errNoConnectHandler)
}

func TestIsKeyframe(t *testing.T) {
	tests := []struct {
		name    string
		mime    string
		payload []byte
		want    bool
	}{
		{"vp8 key frame", "video/VP8", []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}, true},
		{"vp8 inter frame", "video/VP8", []byte{0x10, 0x01, 0x9d, 0x01, 0x2a}, false},
		{"vp8 continuation", "video/vp8", []byte{0x00, 0x00, 0x9d, 0x01, 0x2a}, false},
		{"h264 idr", "video/H264", []byte{0x65, 0x88, 0x84}, true},
		{"h264 non-idr", "video/H264", []byte{0x41, 0x9a}, false},
		{"h264 stap-a with sps", "video/H264", []byte{0x78, 0x00, 0x0a, 0x67, 0x42}, true},
		{"h264 fu-a idr start", "video/H264", []byte{0x7c, 0x85, 0x88}, true},
		{"h264 fu-a idr middle", "video/H264", []byte{0x7c, 0x05, 0x88}, false},
		{"opus", "audio/opus", []byte{0x65}, false},
		{"empty", "video/VP8", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isKeyframe(tt.mime, tt.payload))
		})
	}
}

func TestConsumer_KeyframeClearsWait(t *testing.T) {
	c := testConsumer(t, domain.MediaKindVideo)
	c.mimeType = "video/VP8"
	c.awaitingKeyframe = true

	inter := packet(1, 0)
	inter.Payload = []byte{0x10, 0x01, 0x00, 0x00, 0x00}
	c.handlePacket(inter)
	assert.True(t, c.AwaitingKeyframe())

	key := packet(2, 0)
	key.Payload = []byte{0x10, 0x00, 0x9d, 0x01, 0x2a}
	c.handlePacket(key)
	assert.False(t, c.AwaitingKeyframe())
	assert.Equal(t, uint64(2), c.inboundStats().PacketsReceived)
}
