package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modusec/blacklist/pkg/types"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    types.Kind `json:"kind"`
	Message string     `json:"message"`
	Field   string     `json:"field,omitempty"`
}

// kindStatus maps the error taxonomy onto HTTP status codes.
func kindStatus(kind types.Kind) int {
	switch kind {
	case types.KindValidationError, types.KindConfigError, types.KindParseError:
		return http.StatusBadRequest
	case types.KindAuthFailed:
		return http.StatusUnauthorized
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindAlreadyRunning:
		return http.StatusConflict
	case types.KindRateLimited:
		return http.StatusTooManyRequests
	case types.KindStoreUnavailable, types.KindCacheUnavailable, types.KindSourceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	if kind == "" {
		kind = types.Kind("internal")
	}
	detail := errorDetail{Kind: kind, Message: err.Error()}
	var te *types.Error
	if errors.As(err, &te) {
		detail.Message = te.Message
		detail.Field = te.Field
	}
	writeJSON(w, kindStatus(kind), errorBody{Error: detail})
}

// decodeJSON parses a strict JSON body. Unknown fields are validation
// errors so typos in control requests fail loudly.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return types.Wrap(types.KindValidationError, "invalid request body", err)
	}
	return nil
}
