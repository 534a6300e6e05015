package drivers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ridewire/dispatch/internal/geoindex"
	"github.com/ridewire/dispatch/pkg/common"
	"github.com/ridewire/dispatch/pkg/validation"
)

// Handler exposes driver supply endpoints: location ingestion, availability
// and the nearby query.
type Handler struct {
	geo      *geoindex.Service
	registry *Registry
}

// NewHandler creates a new drivers handler.
func NewHandler(geo *geoindex.Service, registry *Registry) *Handler {
	return &Handler{geo: geo, registry: registry}
}

// RegisterRoutes mounts the driver endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	d := r.Group("/drivers")
	{
		d.PUT("/:id/location", h.UpdateLocation)
		d.PUT("/:id/availability", h.SetAvailability)
		d.GET("/nearby", h.Nearby)
	}
}

// UpdateLocationRequest is a driver location ping.
type UpdateLocationRequest struct {
	Latitude     float64 `json:"latitude" validate:"latitude"`
	Longitude    float64 `json:"longitude" validate:"longitude"`
	VehicleType  string  `json:"vehicle_type" validate:"required,vehicle_type"`
	Availability string  `json:"availability" validate:"omitempty,availability"`
	PushAddress  string  `json:"push_address" validate:"required"`
}

// UpdateLocation refreshes the driver's supply-index snapshot. Pings are
// expected at least every few minutes; a silent driver ages out of the index.
func (h *Handler) UpdateLocation(c *gin.Context) {
	driverID := c.Param("id")

	var req UpdateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateStruct(req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	availability := req.Availability
	if availability == "" {
		availability = "active"
	}

	err := h.geo.UpdateLocation(c.Request.Context(), geoindex.DriverSnapshot{
		DriverID:     driverID,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		VehicleType:  geoindex.NormalizeVehicleType(req.VehicleType),
		Availability: availability,
		PushAddress:  req.PushAddress,
	})
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{"driver_id": driverID})
}

// SetAvailabilityRequest toggles a driver's availability.
type SetAvailabilityRequest struct {
	Availability string `json:"availability" validate:"required,availability"`
}

// SetAvailability updates the driver's availability in the supply index and
// mirrors it to the remote registry when one is configured.
func (h *Handler) SetAvailability(c *gin.Context) {
	driverID := c.Param("id")

	var req SetAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateStruct(req); err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	h.registry.SetAvailability(c.Request.Context(), driverID, req.Availability)

	common.SuccessResponse(c, gin.H{
		"driver_id":    driverID,
		"availability": req.Availability,
	})
}

// Nearby returns active drivers around a point, closest first.
func (h *Handler) Nearby(c *gin.Context) {
	latitude, err := strconv.ParseFloat(c.Query("latitude"), 64)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "latitude is required")
		return
	}
	longitude, err := strconv.ParseFloat(c.Query("longitude"), 64)
	if err != nil {
		common.ErrorResponse(c, http.StatusBadRequest, "longitude is required")
		return
	}

	radiusKm := 5.0
	if raw := c.Query("radius_km"); raw != "" {
		if radiusKm, err = strconv.ParseFloat(raw, 64); err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid radius_km")
			return
		}
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			common.ErrorResponse(c, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	drivers, err := h.geo.Nearby(c.Request.Context(), latitude, longitude, radiusKm*1000, c.Query("vehicle_type"), limit)
	if err != nil {
		common.HandleServiceError(c, err)
		return
	}

	common.SuccessResponse(c, gin.H{
		"drivers": drivers,
		"count":   len(drivers),
	})
}
