package rides

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/validation"
)

// Handler handles HTTP requests for rides.
type Handler struct {
	service *Service
}

// NewHandler creates a new rides handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the ride lifecycle endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	rides := r.Group("/rides")
	{
		rides.GET("/:id", h.GetRide)
		rides.POST("/:id/start", h.StartRide)
		rides.POST("/:id/complete", h.CompleteRide)
		rides.POST("/:id/cancel", h.CancelRide)
	}
}

// GetRide handles getting a ride by ID. The OTP is never returned.
func (h *Handler) GetRide(c *gin.Context) {
	rideID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid ride ID")
		return
	}

	ride, err := h.service.Get(c.Request.Context(), rideID)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, ride)
}

// StartRideRequest carries the pickup code the rider presented.
type StartRideRequest struct {
	Otp string `json:"otp" validate:"required,otp"`
}

// StartRide verifies the pickup code and begins the trip.
func (h *Handler) StartRide(c *gin.Context) {
	rideID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid ride ID")
		return
	}

	var req StartRideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateStruct(req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ride, err := h.service.Start(c.Request.Context(), rideID, req.Otp)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, ride)
}

// CompleteRide finishes an ongoing trip.
func (h *Handler) CompleteRide(c *gin.Context) {
	rideID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid ride ID")
		return
	}

	ride, err := h.service.Complete(c.Request.Context(), rideID)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, ride)
}

// CancelRide cancels a ride that has not yet completed.
func (h *Handler) CancelRide(c *gin.Context) {
	rideID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid ride ID")
		return
	}

	ride, err := h.service.Cancel(c.Request.Context(), rideID)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, ride)
}
