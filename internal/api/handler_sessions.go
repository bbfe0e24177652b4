package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lab-usage-backend/internal/model"
	"lab-usage-backend/internal/parse"
	"lab-usage-backend/internal/store"
	"lab-usage-backend/internal/usage"
)

type startSessionRequest struct {
	EquipmentID        int64   `json:"equipment_id" binding:"required"`
	StartTime          string  `json:"start_time"`
	PlannedEndTime     string  `json:"planned_end_time"`
	Description        string  `json:"description"`
	Remarks            string  `json:"remarks"`
	ScientistSignature *string `json:"scientist_signature"`
}

// StartSession handles POST /api/sessions/start.
func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("invalid request body"))
		return
	}
	start, err := parse.ParseOptional(req.StartTime)
	if err != nil {
		h.fail(c, badRequest("invalid start_time"))
		return
	}
	planned, err := parse.ParseOptional(req.PlannedEndTime)
	if err != nil {
		h.fail(c, badRequest("invalid planned_end_time"))
		return
	}

	sess, err := h.usage.Start(c.Request.Context(), usage.StartRequest{
		EquipmentID:    req.EquipmentID,
		UserID:         caller(c),
		StartTime:      start,
		PlannedEndTime: planned,
		Description:    req.Description,
		Remarks:        req.Remarks,
		Signature:      req.ScientistSignature,
	})
	res := usage.ResultOf(sess, err)
	if res.Success {
		res.Message = "session started"
	}
	h.respond(c, http.StatusCreated, res)
}

type endSessionRequest struct {
	EndTime            string  `json:"end_time"`
	Remarks            *string `json:"remarks"`
	ScientistSignature *string `json:"scientist_signature"`
}

// EndSession handles PUT /api/sessions/:id/end. An empty body ends now.
func (h *Handler) EndSession(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var req endSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, badRequest("invalid request body"))
			return
		}
	}
	end, err := parse.ParseOptional(req.EndTime)
	if err != nil {
		h.fail(c, badRequest("invalid end_time"))
		return
	}

	sess, err := h.usage.End(c.Request.Context(), usage.EndRequest{
		SessionID: id,
		UserID:    caller(c),
		EndTime:   end,
		Remarks:   req.Remarks,
		Signature: req.ScientistSignature,
	})
	res := usage.ResultOf(sess, err)
	if res.Success {
		res.Message = "session ended"
	}
	h.respond(c, http.StatusOK, res)
}

type pastUsageRequest struct {
	EquipmentID int64  `json:"equipment_id" binding:"required"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Description string `json:"description"`
	Remarks     string `json:"remarks"`
}

// LogPastUsage handles POST /api/sessions/past.
func (h *Handler) LogPastUsage(c *gin.Context) {
	var req pastUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("invalid request body"))
		return
	}
	start, err := parse.ParseOptional(req.StartTime)
	if err != nil {
		h.fail(c, badRequest("invalid start_time"))
		return
	}
	end, err := parse.ParseOptional(req.EndTime)
	if err != nil {
		h.fail(c, badRequest("invalid end_time"))
		return
	}

	sess, err := h.usage.LogPastUsage(c.Request.Context(), usage.PastUsageRequest{
		EquipmentID: req.EquipmentID,
		UserID:      caller(c),
		StartTime:   start,
		EndTime:     end,
		Description: req.Description,
		Remarks:     req.Remarks,
	})
	res := usage.ResultOf(sess, err)
	if res.Success {
		res.Message = "past usage logged"
	}
	h.respond(c, http.StatusCreated, res)
}

type checkConflictRequest struct {
	EquipmentID int64  `json:"equipment_id" binding:"required"`
	StartTime   string `json:"start_time" binding:"required"`
	EndTime     string `json:"end_time"`
}

// CheckConflict handles POST /api/sessions/check-conflict.
func (h *Handler) CheckConflict(c *gin.Context) {
	var req checkConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest("invalid request body"))
		return
	}
	start, err := parse.ParseTimestamp(req.StartTime)
	if err != nil {
		h.fail(c, badRequest("invalid start_time"))
		return
	}
	end, err := parse.ParseOptional(req.EndTime)
	if err != nil {
		h.fail(c, badRequest("invalid end_time"))
		return
	}

	found, err := h.usage.CheckConflict(c.Request.Context(), req.EquipmentID, start, end)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{"has_conflict": found != nil}
	if found != nil {
		body["conflict"] = found
		body["message"] = found.Message()
	}
	c.JSON(http.StatusOK, body)
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	var f store.SessionFilter
	var err error
	if f.Limit, err = queryInt(c, "limit", 100); err != nil {
		h.fail(c, err)
		return
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		h.fail(c, err)
		return
	}
	equipmentID, err := queryInt(c, "equipment_id", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	userID, err := queryInt(c, "user_id", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	f.EquipmentID, f.UserID = int64(equipmentID), int64(userID)

	switch status := model.SessionStatus(strings.ToUpper(c.Query("status"))); status {
	case "", model.SessionActive, model.SessionCompleted:
		f.Status = status
	default:
		h.fail(c, badRequest("invalid status"))
		return
	}
	if f.From, err = parse.ParseOptional(c.Query("from")); err != nil {
		h.fail(c, badRequest("invalid from"))
		return
	}
	if f.To, err = parse.ParseOptional(c.Query("to")); err != nil {
		h.fail(c, badRequest("invalid to"))
		return
	}

	sessions, err := h.usage.ListSessions(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []model.UsageSession{}
	}
	c.JSON(http.StatusOK, sessions)
}

// ActiveSession handles GET /api/sessions/active for the caller.
func (h *Handler) ActiveSession(c *gin.Context) {
	sess, err := h.usage.ActiveSession(c.Request.Context(), caller(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}
