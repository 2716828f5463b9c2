package http

import (
	"net/http"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/errors"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	rooms ports.RoomService
}

func NewRoomHandler(rooms ports.RoomService) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.JoinRoom)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:room", h.GetRoom)
		api.DELETE("/rooms/:room", h.LeaveRoom)
		api.POST("/rooms/:room/mute", h.SetMuted)

		api.POST("/rooms/:room/participants", h.AddParticipant)
		api.PATCH("/rooms/:room/participants/:participant", h.UpdateParticipant)
		api.DELETE("/rooms/:room/participants/:participant", h.RemoveParticipant)
		api.POST("/rooms/:room/participants/:participant/consume", h.ConsumeParticipant)
	}
}

func roomID(c *gin.Context) domain.RoomID {
	return domain.RoomID(c.Param("room"))
}

func participantID(c *gin.Context) domain.ParticipantID {
	return domain.ParticipantID(c.Param("participant"))
}

func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req ports.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body: " + err.Error()))
		return
	}

	info, err := h.rooms.JoinRoom(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": info})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.ListRooms(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	info, err := h.rooms.GetRoom(c.Request.Context(), roomID(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": info})
}

func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	if err := h.rooms.LeaveRoom(c.Request.Context(), roomID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) SetMuted(c *gin.Context) {
	var req struct {
		Muted *bool `json:"muted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body: " + err.Error()))
		return
	}

	info, err := h.rooms.SetLocalMuted(c.Request.Context(), roomID(c), *req.Muted)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": info})
}

func (h *RoomHandler) AddParticipant(c *gin.Context) {
	var req struct {
		ID          domain.ParticipantID `json:"id" binding:"required"`
		DisplayName string               `json:"display_name"`
		IsMuted     bool                 `json:"is_muted"`
		ProducerID  string               `json:"producer_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body: " + err.Error()))
		return
	}

	p, err := h.rooms.AddParticipant(c.Request.Context(), roomID(c), domain.Participant{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		IsMuted:     req.IsMuted,
		ProducerID:  req.ProducerID,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"participant": p})
}

func (h *RoomHandler) UpdateParticipant(c *gin.Context) {
	var patch domain.ParticipantPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body: " + err.Error()))
		return
	}

	p, err := h.rooms.UpdateParticipant(c.Request.Context(), roomID(c), participantID(c), patch)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participant": p})
}

func (h *RoomHandler) RemoveParticipant(c *gin.Context) {
	if err := h.rooms.RemoveParticipant(c.Request.Context(), roomID(c), participantID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) ConsumeParticipant(c *gin.Context) {
	if err := h.rooms.ConsumeParticipant(c.Request.Context(), roomID(c), participantID(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}
