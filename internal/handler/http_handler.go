// Package handler exposes the viewer daemon's HTTP surface over the
// session controller.
package handler

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/homeglance/liveview/internal/domain"
	"github.com/homeglance/liveview/internal/viewer"
	"github.com/homeglance/liveview/pkg/log"
	"github.com/homeglance/liveview/pkg/response"
)

// Handler handles HTTP requests for the viewer daemon.
type Handler struct {
	controller *viewer.Controller
}

// NewHandler creates a new HTTP handler.
func NewHandler(controller *viewer.Controller) *Handler {
	return &Handler{controller: controller}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	live := r.Group("/live")
	{
		live.POST("/:deviceID/start", h.StartLiveView)
		live.POST("/stop", h.StopLiveView)
		live.POST("/leave", h.Leave)
		live.GET("/status", h.Status)
	}
}

// StartLiveView begins a viewing attempt against a device.
func (h *Handler) StartLiveView(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	deviceID := c.Param("deviceID")
	if deviceID == "" {
		response.BadRequest(c, "device id is required")
		return
	}

	// An empty body means a plain start with no adopted session.
	var req domain.StartLiveViewRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		l.Warn().Err(err).Msg("failed to bind start request")
		response.BadRequest(c, err.Error())
		return
	}

	err := h.controller.Start(ctx, deviceID, viewer.StartOptions{SessionID: req.SessionID})
	if err != nil {
		if errors.Is(err, viewer.ErrDeviceOffline) {
			response.Error(c, 409, "DEVICE_OFFLINE", "device has not been seen recently")
			return
		}
		l.Error().Err(err).Str(log.FieldDeviceID, deviceID).Msg("failed to start live view")
		response.InternalError(c, "failed to start live view")
		return
	}

	response.Accepted(c, snapshotToResponse(h.controller.Snapshot()))
}

// StopLiveView stops the current viewing attempt.
func (h *Handler) StopLiveView(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.controller.Stop(ctx, viewer.StopOptions{}); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to stop live view")
		response.InternalError(c, "failed to stop live view")
		return
	}

	response.Success(c, snapshotToResponse(h.controller.Snapshot()))
}

// Leave is the beacon endpoint for abrupt page teardown. It never
// waits on anything and always answers 202.
func (h *Handler) Leave(c *gin.Context) {
	h.controller.NotifyLeave()
	response.Accepted(c, nil)
}

// Status reports the controller's current state.
func (h *Handler) Status(c *gin.Context) {
	response.Success(c, snapshotToResponse(h.controller.Snapshot()))
}

func snapshotToResponse(s viewer.Snapshot) domain.LiveViewStatusResponse {
	return domain.LiveViewStatusResponse{
		State:     string(s.State),
		SessionID: s.SessionID,
		DeviceID:  s.DeviceID,
		Attempt:   s.Attempt,
		Error:     s.Err,
	}
}
