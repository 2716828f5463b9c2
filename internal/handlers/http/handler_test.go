package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/internal/infrastructure/middleware"
	apperrors "callengine/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockCallService struct {
	mock.Mock
}

func (m *MockCallService) CreateCall(ctx context.Context, req ports.CreateCallRequest) (domain.CallInfo, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.CallInfo), args.Error(1)
}

func (m *MockCallService) GetCall(ctx context.Context, id domain.CallID) (domain.CallInfo, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.CallInfo), args.Error(1)
}

func (m *MockCallService) ListCalls(ctx context.Context) []domain.CallInfo {
	args := m.Called(ctx)
	return args.Get(0).([]domain.CallInfo)
}

func (m *MockCallService) Signal(ctx context.Context, id domain.CallID, signal domain.CallSignal, reason string) (domain.CallInfo, error) {
	args := m.Called(ctx, id, signal, reason)
	return args.Get(0).(domain.CallInfo), args.Error(1)
}

func (m *MockCallService) Transition(ctx context.Context, id domain.CallID, target domain.CallState, reason string) (domain.CallInfo, error) {
	args := m.Called(ctx, id, target, reason)
	return args.Get(0).(domain.CallInfo), args.Error(1)
}

func (m *MockCallService) AttachStats(ctx context.Context, id domain.CallID, provider ports.StatsProvider) error {
	return m.Called(ctx, id, provider).Error(0)
}

func (m *MockCallService) AttachMedia(ctx context.Context, id domain.CallID, media ports.CallMedia) error {
	return m.Called(ctx, id, media).Error(0)
}

func (m *MockCallService) QualityHistory(ctx context.Context, id domain.CallID) ([]domain.QualitySample, error) {
	args := m.Called(ctx, id)
	samples, _ := args.Get(0).([]domain.QualitySample)
	return samples, args.Error(1)
}

func (m *MockCallService) EndCall(ctx context.Context, id domain.CallID, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

type MockCallLocator struct {
	mock.Mock
}

func (m *MockCallLocator) Locate(ctx context.Context, id domain.CallID) (string, domain.CallInfo, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Get(1).(domain.CallInfo), args.Error(2)
}

type MockRoomService struct {
	mock.Mock
}

func (m *MockRoomService) JoinRoom(ctx context.Context, req ports.JoinRoomRequest) (domain.RoomInfo, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.RoomInfo), args.Error(1)
}

func (m *MockRoomService) LeaveRoom(ctx context.Context, id domain.RoomID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRoomService) GetRoom(ctx context.Context, id domain.RoomID) (domain.RoomInfo, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.RoomInfo), args.Error(1)
}

func (m *MockRoomService) ListRooms(ctx context.Context) []domain.RoomInfo {
	return m.Called(ctx).Get(0).([]domain.RoomInfo)
}

func (m *MockRoomService) AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (domain.Participant, error) {
	args := m.Called(ctx, id, p)
	return args.Get(0).(domain.Participant), args.Error(1)
}

func (m *MockRoomService) RemoveParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID) error {
	return m.Called(ctx, id, participantID).Error(0)
}

func (m *MockRoomService) UpdateParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID, patch domain.ParticipantPatch) (domain.Participant, error) {
	args := m.Called(ctx, id, participantID, patch)
	return args.Get(0).(domain.Participant), args.Error(1)
}

func (m *MockRoomService) ConsumeParticipant(ctx context.Context, id domain.RoomID, participantID domain.ParticipantID) error {
	return m.Called(ctx, id, participantID).Error(0)
}

func (m *MockRoomService) SetLocalMuted(ctx context.Context, id domain.RoomID, muted bool) (domain.RoomInfo, error) {
	args := m.Called(ctx, id, muted)
	return args.Get(0).(domain.RoomInfo), args.Error(1)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger), middleware.ErrorHandlerMiddleware(logger))
	return router
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func notFound(id domain.CallID) error {
	return apperrors.WrapError(domain.ErrCallNotFound, apperrors.ErrCodeNotFound, "call not found", http.StatusNotFound).
		WithContext("call_id", string(id))
}

func TestCallHandler_CreateAndList(t *testing.T) {
	calls := &MockCallService{}
	router := newTestRouter(t)
	NewCallHandler(calls, nil).SetupRoutes(router)

	req := ports.CreateCallRequest{Direction: domain.CallDirectionOutgoing, Type: domain.CallTypeAudio, RemoteParty: "bob"}
	calls.On("CreateCall", mock.Anything, req).
		Return(domain.CallInfo{ID: "call-1", State: domain.CallStateIdle, RemoteParty: "bob"}, nil)
	calls.On("ListCalls", mock.Anything).Return([]domain.CallInfo{{ID: "call-1"}})

	w := doJSON(router, http.MethodPost, "/api/v1/calls", req)
	require.Equal(t, http.StatusCreated, w.Code)
	call := decode(t, w)["call"].(map[string]interface{})
	assert.Equal(t, "call-1", call["id"])
	assert.Equal(t, "idle", call["state"])

	w = doJSON(router, http.MethodGet, "/api/v1/calls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = doJSON(router, http.MethodPost, "/api/v1/calls", "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidInput), decode(t, w)["error"])

	calls.AssertExpectations(t)
}

func TestCallHandler_GetCallFallsBackToDirectory(t *testing.T) {
	calls := &MockCallService{}
	locator := &MockCallLocator{}
	router := newTestRouter(t)
	NewCallHandler(calls, locator).SetupRoutes(router)

	calls.On("GetCall", mock.Anything, domain.CallID("local")).Return(domain.CallInfo{ID: "local"}, nil)
	calls.On("GetCall", mock.Anything, domain.CallID("remote")).Return(domain.CallInfo{}, notFound("remote"))
	calls.On("GetCall", mock.Anything, domain.CallID("gone")).Return(domain.CallInfo{}, notFound("gone"))
	locator.On("Locate", mock.Anything, domain.CallID("remote")).
		Return("instance-b", domain.CallInfo{ID: "remote", State: domain.CallStateConnected}, nil)
	locator.On("Locate", mock.Anything, domain.CallID("gone")).
		Return("", domain.CallInfo{}, domain.ErrCallNotFound)

	w := doJSON(router, http.MethodGet, "/api/v1/calls/local", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode(t, w), "instance_id")

	w = doJSON(router, http.MethodGet, "/api/v1/calls/remote", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "instance-b", body["instance_id"])
	assert.Equal(t, true, body["remote"])

	w = doJSON(router, http.MethodGet, "/api/v1/calls/gone", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeNotFound), decode(t, w)["error"])
}

func TestCallHandler_SignalAndTransition(t *testing.T) {
	calls := &MockCallService{}
	router := newTestRouter(t)
	NewCallHandler(calls, nil).SetupRoutes(router)

	calls.On("Signal", mock.Anything, domain.CallID("call-1"), domain.SignalRinging, "").
		Return(domain.CallInfo{ID: "call-1", State: domain.CallStateRinging}, nil)
	calls.On("Transition", mock.Anything, domain.CallID("call-1"), domain.CallStateHeld, "user").
		Return(domain.CallInfo{}, apperrors.NewInvalidTransitionError("ringing", "held"))

	w := doJSON(router, http.MethodPost, "/api/v1/calls/call-1/signal", map[string]string{"signal": "ringing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ringing", decode(t, w)["call"].(map[string]interface{})["state"])

	w = doJSON(router, http.MethodPost, "/api/v1/calls/call-1/signal", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/calls/call-1/transition", map[string]string{"state": "held", "reason": "user"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidTransition), decode(t, w)["error"])

	w = doJSON(router, http.MethodPost, "/api/v1/calls/call-1/transition", map[string]string{"state": "flying"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	calls.AssertExpectations(t)
}

func TestCallHandler_QualityAndEnd(t *testing.T) {
	calls := &MockCallService{}
	router := newTestRouter(t)
	NewCallHandler(calls, nil).SetupRoutes(router)

	calls.On("QualityHistory", mock.Anything, domain.CallID("call-1")).Return([]domain.QualitySample{
		{Overall: domain.QualityGood},
		{Overall: domain.QualityPoor},
	}, nil)
	calls.On("QualityHistory", mock.Anything, domain.CallID("fresh")).Return([]domain.QualitySample{}, nil)
	calls.On("EndCall", mock.Anything, domain.CallID("call-1"), "done").Return(nil)
	calls.On("EndCall", mock.Anything, domain.CallID("missing"), "").Return(notFound("missing"))

	w := doJSON(router, http.MethodGet, "/api/v1/calls/call-1/quality", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "poor", body["current"])
	assert.Len(t, body["samples"], 2)

	w = doJSON(router, http.MethodGet, "/api/v1/calls/fresh/quality", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, decode(t, w), "current")

	w = doJSON(router, http.MethodDelete, "/api/v1/calls/call-1?reason=done", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(router, http.MethodDelete, "/api/v1/calls/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoomHandler_Lifecycle(t *testing.T) {
	rooms := &MockRoomService{}
	router := newTestRouter(t)
	NewRoomHandler(rooms).SetupRoutes(router)

	join := ports.JoinRoomRequest{RoomID: "room-1", LocalID: "me"}
	rooms.On("JoinRoom", mock.Anything, join).
		Return(domain.RoomInfo{RoomID: "room-1", LocalID: "me", State: domain.SessionActive}, nil)
	rooms.On("ListRooms", mock.Anything).Return([]domain.RoomInfo{{RoomID: "room-1"}})
	rooms.On("GetRoom", mock.Anything, domain.RoomID("nope")).
		Return(domain.RoomInfo{}, apperrors.WrapError(domain.ErrRoomNotFound, apperrors.ErrCodeNotFound, "room not found", http.StatusNotFound))
	rooms.On("SetLocalMuted", mock.Anything, domain.RoomID("room-1"), true).
		Return(domain.RoomInfo{RoomID: "room-1", LocalMuted: true}, nil)
	rooms.On("LeaveRoom", mock.Anything, domain.RoomID("room-1")).Return(nil)

	w := doJSON(router, http.MethodPost, "/api/v1/rooms", join)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "room-1", decode(t, w)["room"].(map[string]interface{})["room_id"])

	w = doJSON(router, http.MethodGet, "/api/v1/rooms", nil)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = doJSON(router, http.MethodGet, "/api/v1/rooms/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/rooms/room-1/mute", map[string]bool{"muted": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["room"].(map[string]interface{})["local_muted"])

	w = doJSON(router, http.MethodPost, "/api/v1/rooms/room-1/mute", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodDelete, "/api/v1/rooms/room-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	rooms.AssertExpectations(t)
}

func TestRoomHandler_Participants(t *testing.T) {
	rooms := &MockRoomService{}
	router := newTestRouter(t)
	NewRoomHandler(rooms).SetupRoutes(router)

	muted := true
	rooms.On("AddParticipant", mock.Anything, domain.RoomID("room-1"), domain.Participant{ID: "bob", DisplayName: "Bob"}).
		Return(domain.Participant{ID: "bob", DisplayName: "Bob"}, nil)
	rooms.On("UpdateParticipant", mock.Anything, domain.RoomID("room-1"), domain.ParticipantID("bob"), domain.ParticipantPatch{IsMuted: &muted}).
		Return(domain.Participant{ID: "bob", IsMuted: true}, nil)
	rooms.On("ConsumeParticipant", mock.Anything, domain.RoomID("room-1"), domain.ParticipantID("bob")).
		Return(apperrors.NewPreconditionError("participant has no producer", nil))
	rooms.On("RemoveParticipant", mock.Anything, domain.RoomID("room-1"), domain.ParticipantID("bob")).Return(nil)

	w := doJSON(router, http.MethodPost, "/api/v1/rooms/room-1/participants", map[string]string{"id": "bob", "display_name": "Bob"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodPost, "/api/v1/rooms/room-1/participants", map[string]string{"display_name": "anon"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPatch, "/api/v1/rooms/room-1/participants/bob", map[string]bool{"is_muted": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["participant"].(map[string]interface{})["is_muted"])

	w = doJSON(router, http.MethodPost, "/api/v1/rooms/room-1/participants/bob/consume", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = doJSON(router, http.MethodDelete, "/api/v1/rooms/room-1/participants/bob", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	rooms.AssertExpectations(t)
}
