package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/clock"
	apperrors "callengine/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type recordingApplier struct {
	mu       sync.Mutex
	profiles []domain.TierProfile
}

func (a *recordingApplier) ApplyVideoTier(ctx context.Context, profile domain.TierProfile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles = append(a.profiles, profile)
	return nil
}

func newTestCallSession(t *testing.T, callType domain.CallType, opts ...CallSessionOption) (*CallSession, *clock.Mock, *recordingBus) {
	t.Helper()
	c := clock.NewMock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	bus := &recordingBus{}
	cfg := DefaultCallSessionConfig()
	cfg.Quality.Interval = time.Hour
	cfg.AdaptInterval = time.Hour
	opts = append([]CallSessionOption{WithCallClock(c)}, opts...)
	s := NewCallSession("call-1", ports.CreateCallRequest{
		Direction:   domain.CallDirectionOutgoing,
		Type:        callType,
		RemoteParty: "bob",
	}, cfg, bus, zaptest.NewLogger(t).Sugar(), opts...)
	t.Cleanup(func() { s.Close("test done") })
	return s, c, bus
}

func TestCallSession_SignalFlowStartsAndStopsMonitoring(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _, _ := newTestCallSession(t, domain.CallTypeVideo)
	provider := &fakeStatsProvider{}
	require.NoError(t, s.AttachStats(provider))
	assert.False(t, s.Monitor().Running())

	require.NoError(t, s.Transition(domain.CallStateInitiating))
	require.NoError(t, s.Signal(domain.SignalAnswer, ""))
	require.NoError(t, s.Signal(domain.SignalConnected, ""))

	assert.True(t, s.Monitor().Running())
	assert.True(t, s.Bandwidth().Monitoring())

	require.NoError(t, s.Signal(domain.SignalHold, ""))
	require.NoError(t, s.Signal(domain.SignalResume, ""))
	assert.True(t, s.Monitor().Running())

	require.NoError(t, s.Signal(domain.SignalHangup, "user hung up"))
	assert.Equal(t, domain.CallStateEnded, s.Machine().Current())
	assert.False(t, s.Monitor().Running())
	assert.False(t, s.Bandwidth().Monitoring())

	history := s.Machine().History()
	last := history[len(history)-1]
	assert.Equal(t, "user hung up", last.Reason)
	assert.Equal(t, "hangup", last.Metadata["signal"])
}

func TestCallSession_AttachStatsWhileConnected(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, _, _ := newTestCallSession(t, domain.CallTypeAudio)
	driveTo(t, s.Machine(), domain.CallStateConnected)
	assert.False(t, s.Monitor().Running())
	assert.False(t, s.Bandwidth().Monitoring())

	require.NoError(t, s.AttachStats(&fakeStatsProvider{}))
	assert.True(t, s.Monitor().Running())

	assert.Error(t, s.AttachStats(nil))
	s.Close("done")
	assert.False(t, s.Monitor().Running())
}

func TestCallSession_IllegalSignal(t *testing.T) {
	s, _, _ := newTestCallSession(t, domain.CallTypeAudio)

	err := s.Signal(domain.SignalHold, "")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, apperrors.CodeOf(err))
	assert.Equal(t, domain.CallStateIdle, s.Machine().Current())

	err = s.Signal("dance", "")
	assert.ErrorIs(t, err, domain.ErrUnknownSignal)

	err = s.Transition("nowhere")
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

func TestCallSession_HangupWhileEnding(t *testing.T) {
	s, _, _ := newTestCallSession(t, domain.CallTypeAudio)
	driveTo(t, s.Machine(), domain.CallStateEnding)

	require.NoError(t, s.Signal(domain.SignalHangup, ""))
	assert.Equal(t, domain.CallStateEnded, s.Machine().Current())

	assert.Error(t, s.Signal(domain.SignalHangup, ""))
}

func TestCallSession_CriticalQualityReconnects(t *testing.T) {
	s, _, _ := newTestCallSession(t, domain.CallTypeAudio)
	driveTo(t, s.Machine(), domain.CallStateConnected)

	s.reactToQuality(domain.QualityGood, domain.QualityCritical, domain.QualitySample{})
	assert.Equal(t, domain.CallStateReconnecting, s.Machine().Current())

	s.reactToQuality(domain.QualityCritical, domain.QualityCritical, domain.QualitySample{})
	assert.Equal(t, domain.CallStateReconnecting, s.Machine().Current())

	s.reactToQuality(domain.QualityCritical, domain.QualityFair, domain.QualitySample{})
	assert.Equal(t, domain.CallStateConnected, s.Machine().Current())

	history := s.Machine().History()
	assert.Equal(t, "quality recovered", history[len(history)-1].Reason)
}

func TestCallSession_StalledMediaReconnects(t *testing.T) {
	s, c, _ := newTestCallSession(t, domain.CallTypeVideo)
	driveTo(t, s.Machine(), domain.CallStateConnected)

	cur := healthy(streamCounters{})
	s.Monitor().process(reportOf(streamCounters{}))
	c.Advance(2 * time.Second)
	s.Monitor().process(reportOf(cur))
	require.Equal(t, domain.CallStateConnected, s.Machine().Current())

	c.Advance(2 * time.Second)
	s.Monitor().process(reportOf(cur))
	assert.Equal(t, domain.CallStateReconnecting, s.Machine().Current())
}

func TestCallSession_CriticalQualityIgnoredWhenHeld(t *testing.T) {
	s, _, _ := newTestCallSession(t, domain.CallTypeAudio)
	driveTo(t, s.Machine(), domain.CallStateHeld)

	s.reactToQuality(domain.QualityGood, domain.QualityCritical, domain.QualitySample{})
	assert.Equal(t, domain.CallStateHeld, s.Machine().Current())
}

func TestCallSession_SamplesFeedBandwidthManager(t *testing.T) {
	s, c, _ := newTestCallSession(t, domain.CallTypeVideo)

	s.Monitor().process(reportOf(streamCounters{}))
	c.Advance(2 * time.Second)
	s.Monitor().process(reportOf(healthy(streamCounters{})))

	assert.Equal(t, 1, s.Bandwidth().SampleCount())
	assert.InDelta(t, 2500.0, s.Bandwidth().EstimateBandwidth().Available, 0.001)
}

func TestCallSession_AdaptationReachesApplier(t *testing.T) {
	applier := &recordingApplier{}
	s, c, _ := newTestCallSession(t, domain.CallTypeVideo, WithVideoQualityApplier(applier))

	lossy := cleanStat(2000)
	lossy.PacketsLost = 20
	lossy.PacketsReceived = 180
	feed(s.Bandwidth(), c, lossy, lossy, lossy)

	require.True(t, s.Bandwidth().Adapt().ShouldReduce)

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.profiles, 1)
	assert.Equal(t, domain.Tier360p, applier.profiles[0].Tier)
	assert.Equal(t, 640, applier.profiles[0].Width)
}

func TestCallSession_Info(t *testing.T) {
	s, c, _ := newTestCallSession(t, domain.CallTypeVideo)

	require.NoError(t, s.Transition(domain.CallStateInitiating))
	c.Advance(3 * time.Second)
	require.NoError(t, s.Signal(domain.SignalAnswer, ""))
	require.NoError(t, s.Signal(domain.SignalConnected, ""))
	c.Advance(10 * time.Second)

	info := s.Info()
	assert.Equal(t, domain.CallID("call-1"), info.ID)
	assert.Equal(t, "bob", info.RemoteParty)
	assert.Equal(t, domain.CallStateConnected, info.State)
	assert.Equal(t, domain.CallStateConnecting, info.PreviousState)
	assert.Equal(t, 13*time.Second, info.TotalDuration)
	assert.Equal(t, 10*time.Second, info.ConnectedDuration)
	assert.Equal(t, domain.Tier720p, info.VideoTier)
	assert.Len(t, info.History, 3)
}
