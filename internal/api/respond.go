package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentmesh/agentmesh/broker/pkg/errs"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error  string                 `json:"error"`
	Kind   string                 `json:"kind"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindIsolationViolation, errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindQueueFull:
		return http.StatusTooManyRequests
	case errs.KindProtocolIncompatible:
		return http.StatusUnprocessableEntity
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindCancelled:
		return 499 // client closed request
	case errs.KindDegradedStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	body := errorBody{Error: err.Error(), Kind: string(kind)}
	var e *errs.Error
	if errors.As(err, &e) && len(e.Detail) > 0 {
		body.Detail = e.Detail
	}
	if kind == errs.KindInternal {
		log.Error().Err(err).Msg("Internal error")
		body.Error = "internal error"
	}
	writeJSON(w, statusFor(kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Wrap(errs.KindValidation, err, "invalid request body")
	}
	return nil
}
