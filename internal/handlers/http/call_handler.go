package http

import (
	"net/http"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/errors"

	"github.com/gin-gonic/gin"
)

type CallHandler struct {
	calls   ports.CallService
	locator ports.CallLocator
}

// NewCallHandler builds the call API. locator may be nil when the instance
// runs alone.
func NewCallHandler(calls ports.CallService, locator ports.CallLocator) *CallHandler {
	return &CallHandler{
		calls:   calls,
		locator: locator,
	}
}

func (h *CallHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/calls", h.CreateCall)
		api.GET("/calls", h.ListCalls)
		api.GET("/calls/:id", h.GetCall)
		api.POST("/calls/:id/signal", h.Signal)
		api.POST("/calls/:id/transition", h.Transition)
		api.GET("/calls/:id/quality", h.GetQuality)
		api.DELETE("/calls/:id", h.EndCall)
	}
}

func (h *CallHandler) CreateCall(c *gin.Context) {
	var req ports.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body: " + err.Error()))
		return
	}

	info, err := h.calls.CreateCall(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": info})
}

func (h *CallHandler) ListCalls(c *gin.Context) {
	calls := h.calls.ListCalls(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// GetCall falls back to the shared directory for calls owned by another
// instance.
func (h *CallHandler) GetCall(c *gin.Context) {
	id := domain.CallID(c.Param("id"))

	info, err := h.calls.GetCall(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"call": info})
		return
	}
	if h.locator != nil && errors.CodeOf(err) == errors.ErrCodeNotFound {
		if instance, remote, lookupErr := h.locator.Locate(c.Request.Context(), id); lookupErr == nil {
			c.JSON(http.StatusOK, gin.H{
				"call":        remote,
				"instance_id": instance,
				"remote":      true,
			})
			return
		}
	}
	_ = c.Error(err)
}

func (h *CallHandler) Signal(c *gin.Context) {
	var req struct {
		Signal domain.CallSignal `json:"signal" binding:"required"`
		Reason string            `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body: " + err.Error()))
		return
	}

	info, err := h.calls.Signal(c.Request.Context(), domain.CallID(c.Param("id")), req.Signal, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": info})
}

func (h *CallHandler) Transition(c *gin.Context) {
	var req struct {
		State  domain.CallState `json:"state" binding:"required"`
		Reason string           `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request body: " + err.Error()))
		return
	}
	if !req.State.Valid() {
		_ = c.Error(errors.NewInvalidInputError("unknown call state " + string(req.State)))
		return
	}

	info, err := h.calls.Transition(c.Request.Context(), domain.CallID(c.Param("id")), req.State, req.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": info})
}

func (h *CallHandler) GetQuality(c *gin.Context) {
	id := domain.CallID(c.Param("id"))
	history, err := h.calls.QualityHistory(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := gin.H{
		"call_id": id,
		"samples": history,
	}
	if n := len(history); n > 0 {
		resp["current"] = history[n-1].Overall
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CallHandler) EndCall(c *gin.Context) {
	reason := c.Query("reason")
	if err := h.calls.EndCall(c.Request.Context(), domain.CallID(c.Param("id")), reason); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
