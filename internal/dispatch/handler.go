package dispatch

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/validation"
)

// Handler handles HTTP requests for dispatches.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispatch handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the dispatch endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	d := r.Group("/dispatch")
	{
		d.POST("", h.StartDispatch)
		d.GET("/:id", h.GetDispatch)
		d.POST("/:id/ack", h.AckOffer)
		d.POST("/:id/cancel", h.CancelDispatch)
	}
}

// StartDispatch creates a dispatch and starts the offer ladder. Repeating
// the request with the same Idempotency-Key returns the original dispatch.
func (h *Handler) StartDispatch(c *gin.Context) {
	var req StartDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateStruct(req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	d, created, err := h.service.StartDispatch(c.Request.Context(), &req)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	if created {
		common.CreatedResponse(c, d)
		return
	}
	common.SuccessResponse(c, d)
}

// AckOfferRequest is a driver's response to an offer.
type AckOfferRequest struct {
	DriverID string `json:"driver_id" validate:"required"`
	Accept   *bool  `json:"accept" validate:"required"`
}

// AckOffer records the driver's accept or decline of the current offer.
func (h *Handler) AckOffer(c *gin.Context) {
	dispatchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid dispatch ID")
		return
	}

	var req AckOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateStruct(req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.service.AckOffer(c.Request.Context(), dispatchID, req.DriverID, *req.Accept)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, d)
}

// CancelDispatch cancels a pending dispatch.
func (h *Handler) CancelDispatch(c *gin.Context) {
	dispatchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid dispatch ID")
		return
	}

	d, err := h.service.CancelDispatch(c.Request.Context(), dispatchID)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, d)
}

// GetDispatch returns the dispatch with its candidate ladder.
func (h *Handler) GetDispatch(c *gin.Context) {
	dispatchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "invalid dispatch ID")
		return
	}

	d, err := h.service.GetDispatch(c.Request.Context(), dispatchID)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, d)
}
