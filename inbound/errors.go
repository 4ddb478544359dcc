package inbound

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

const maxRequestBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the go-errors envelope plus optional context, such as the
// transfer result of a failed transfer.
type errorBody struct {
	Error  *goerrors.Error `json:"error"`
	Result any             `json:"result,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error, result any) {
	serviceErr := core.ToServiceError(err)
	if serviceErr == nil {
		serviceErr = core.ToServiceError(errors.New("unknown error"))
	}
	if requestID := middleware.GetReqID(r.Context()); requestID != "" {
		serviceErr = serviceErr.WithRequestID(requestID)
	}
	status := serviceErr.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	if retryAfter, ok := core.RetryAfter(serviceErr); ok && retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Max(1, math.Ceil(retryAfter.Seconds()))), 10))
	}
	response := serviceErr.ToErrorResponse(false, nil)
	writeJSON(w, status, errorBody{Error: response.Error, Result: result})
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return core.NewValidationError("request body is required")
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return core.NewValidationError("request body is required")
		}
		return core.NewValidationError("malformed request body: " + err.Error())
	}
	return nil
}
