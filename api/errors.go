package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/logger"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

// statusOf maps an error code to its HTTP status.
func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeFailedPrecondition, apperr.CodeAlreadyExists:
		return http.StatusConflict
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes err in the error envelope. Internal errors are logged
// and their details are not sent to the caller.
func writeError(w http.ResponseWriter, log logrus.FieldLogger, funcName string, err error) {
	code := apperr.CodeOf(err)
	detail := ErrorDetail{Code: code, Message: err.Error()}

	var e *apperr.Error
	if errors.As(err, &e) {
		detail.Message = e.Message
		detail.Field = e.Field
	}

	switch code {
	case apperr.CodeInternal:
		logger.LogError(log, "api", funcName, "request failed", nil, err)
		detail.Message = "internal error"
	case apperr.CodeUnavailable:
		logger.Or(log).WithField("funcName", funcName).Warn(err.Error())
	}
	writeJSON(w, statusOf(code), ErrorBody{Error: detail})
}

// validationError turns the first validator failure into an
// invalid-argument error naming the JSON field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.CodeInvalidArgument, err, "invalid request")
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return apperr.InvalidField(field, "is required")
	case "oneof":
		return apperr.InvalidField(field, "must be one of [%s]", fe.Param())
	}
	return apperr.InvalidField(field, "failed %s validation", fe.Tag())
}
