package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"lab-usage-backend/internal/model"
)

// ListEquipment handles GET /api/equipment.
func (h *Handler) ListEquipment(c *gin.Context) {
	equipment, err := h.usage.ListEquipment(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if equipment == nil {
		equipment = []model.Equipment{}
	}
	c.JSON(http.StatusOK, equipment)
}

// GetEquipment handles GET /api/equipment/:id.
func (h *Handler) GetEquipment(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	eq, err := h.usage.GetEquipment(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, eq)
}

type maintenanceRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetMaintenance handles PUT /api/equipment/:id/maintenance.
func (h *Handler) SetMaintenance(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("invalid request body"))
		return
	}
	eq, err := h.usage.SetMaintenance(c.Request.Context(), id, *req.Enabled)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, eq)
}

// Suggestions handles GET /api/descriptions/suggestions.
func (h *Handler) Suggestions(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	out, err := h.usage.Suggestions(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": out})
}

// Utilization handles GET /api/analytics/utilization.
func (h *Handler) Utilization(c *gin.Context) {
	days, err := queryInt(c, "days", 30)
	if err != nil {
		h.fail(c, err)
		return
	}
	out, err := h.usage.Utilization(c.Request.Context(), days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// UserActivity handles GET /api/analytics/users.
func (h *Handler) UserActivity(c *gin.Context) {
	days, err := queryInt(c, "days", 30)
	if err != nil {
		h.fail(c, err)
		return
	}
	out, err := h.usage.UserActivity(c.Request.Context(), days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Dashboard handles GET /api/analytics/dashboard.
func (h *Handler) Dashboard(c *gin.Context) {
	days, err := queryInt(c, "days", 30)
	if err != nil {
		h.fail(c, err)
		return
	}
	out, err := h.usage.Dashboard(c.Request.Context(), days)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
