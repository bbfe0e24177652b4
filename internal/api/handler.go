package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/mw"
	"lab-usage-backend/internal/store"
	"lab-usage-backend/internal/usage"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	usage   *usage.Service
	store   store.Store
	webpush *webpush.Options
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *usage.Service, s store.Store, webpushOptions *webpush.Options, logger *slog.Logger) *Handler {
	return &Handler{
		usage:   svc,
		store:   s,
		webpush: webpushOptions,
		logger:  logging.OrDiscard(logger),
	}
}

// respond writes an operation result. Failures take the status of their kind;
// retryable ones advertise Retry-After.
func (h *Handler) respond(c *gin.Context, okStatus int, res usage.Result) {
	if res.Success {
		c.JSON(okStatus, res)
		return
	}
	status := apperr.HTTPStatus(res.Kind)
	if res.Retryable() {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, res)
}

// fail writes err as a failed result.
func (h *Handler) fail(c *gin.Context, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error("request failed", "path", c.FullPath(), "request_id", mw.GetRequestID(c), "error", err)
	}
	h.respond(c, http.StatusOK, usage.ResultOf(nil, err))
}

func badRequest(msg string) error {
	return apperr.Validation("", "%s", msg)
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid " + name)
	}
	return id, nil
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, badRequest("invalid " + name)
	}
	return v, nil
}

func caller(c *gin.Context) int64 {
	id, _ := mw.UserID(c)
	return id
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
