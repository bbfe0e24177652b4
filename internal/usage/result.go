package usage

import (
	"lab-usage-backend/internal/apperr"
	"lab-usage-backend/internal/conflict"
	"lab-usage-backend/internal/model"
)

const internalMessage = "an unexpected error occurred"

// Result is the tagged outcome of a lifecycle operation as shown to callers.
type Result struct {
	Success bool                `json:"success"`
	Session *model.UsageSession `json:"session,omitempty"`
	Kind    apperr.Kind         `json:"-"`
	// Error is the kind name of a failure.
	Error    string             `json:"error,omitempty"`
	Reason   apperr.Reason      `json:"reason,omitempty"`
	Message  string             `json:"message,omitempty"`
	Conflict *conflict.Conflict `json:"conflict,omitempty"`
}

// ResultOf folds an operation's return values into a Result. Internal errors
// get a generic message; their details belong in the logs.
func ResultOf(sess *model.UsageSession, err error) Result {
	if err == nil {
		return Result{Success: true, Session: sess}
	}
	ae, ok := apperr.From(err)
	if !ok {
		ae = apperr.Internal(err, "")
	}
	r := Result{Kind: ae.Kind, Error: ae.Kind.String(), Reason: ae.Reason, Message: ae.Message}
	if c, ok := ae.Detail.(*conflict.Conflict); ok {
		r.Conflict = c
	}
	if ae.Kind == apperr.KindInternal {
		r.Message = internalMessage
	}
	return r
}

// Retryable reports whether the caller may repeat the request unchanged.
func (r Result) Retryable() bool {
	return r.Kind == apperr.KindLockTimeout || r.Kind == apperr.KindTransient
}
