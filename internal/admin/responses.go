package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/logger"
)

type successEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successEnvelope{Data: data})
}

func writeError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	typed := appErrors.As(err)
	if typed == nil {
		typed = appErrors.Wrap(appErrors.CodeInternal, err, "unexpected error")
	}

	msg := appErrors.MetadataFor(typed.Code()).PublicMessage
	switch typed.Code() {
	case appErrors.CodeValidation, appErrors.CodeNotFound, appErrors.CodeStateConflict:
		if m := typed.Message(); m != "" {
			msg = m
		}
	}

	if logg != nil {
		logg.Error(logg.WithField(ctx, "error_code", string(typed.Code())), "request.error", err)
	}

	writeJSON(w, httpStatus(typed.Code()), errorEnvelope{Error: apiError{
		Code:    string(typed.Code()),
		Message: msg,
	}})
}

func httpStatus(code appErrors.Code) int {
	switch code {
	case appErrors.CodeValidation:
		return http.StatusBadRequest
	case appErrors.CodeNotFound:
		return http.StatusNotFound
	case appErrors.CodeStateConflict:
		return http.StatusConflict
	case appErrors.CodeBroker:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf(`{"level":"error","msg":"failed to encode response","err":"%v"}`, err)
	}
}
