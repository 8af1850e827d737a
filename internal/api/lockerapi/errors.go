package lockerapi

import (
	"encoding/json"
	"net/http"

	"github.com/BearBump/LockerBox/internal/apperr"
	"go.uber.org/zap"
)

type errorBody struct {
	Error            string `json:"error"`
	Code             string `json:"code"`
	ExpectedLockerID string `json:"expectedLockerId,omitempty"`
	CurrentStatus    string `json:"currentStatus,omitempty"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:           http.StatusBadRequest,
	apperr.KindAlreadySubmitted:     http.StatusConflict,
	apperr.KindNotFound:             http.StatusNotFound,
	apperr.KindLockerNotFound:       http.StatusNotFound,
	apperr.KindShipmentNotFound:     http.StatusNotFound,
	apperr.KindTokenInvalid:         http.StatusForbidden,
	apperr.KindWrongLocker:          http.StatusConflict,
	apperr.KindInvalidState:         http.StatusConflict,
	apperr.KindInsufficientReadings: http.StatusUnprocessableEntity,
	apperr.KindNoActiveSession:      http.StatusConflict,
	apperr.KindForbidden:            http.StatusForbidden,
}

// HTTPStatus maps an application error to its response status. Anything that is
// not an *apperr.Error is an internal error.
func HTTPStatus(err error) int {
	if code, ok := statusByKind[apperr.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	e, ok := apperr.As(err)
	if !ok {
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, status, errorBody{Error: "internal error", Code: "internal"})
		return
	}
	writeJSON(w, status, errorBody{
		Error:            e.Error(),
		Code:             string(e.Kind),
		ExpectedLockerID: e.ExpectedLockerID,
		CurrentStatus:    e.CurrentStatus,
	})
}

// Unauthorized is the 401 writer handed to the auth middleware.
func Unauthorized(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "unauthenticated"})
}
