// Package api implements the thin HTTP surface in front of the cache
// engine: create_table, insert/upsert, get, query, flush, evict_idle, and
// stats, each a direct call into the engine façade.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/latchdb/latch/internal/cacheerr"
)

// ErrorResponse is the standard error envelope every handler uses on
// failure.
type ErrorResponse struct {
	HTTPStatusCode int         `json:"-"`
	Error          ErrorDetail `json:"error"`
}

// ErrorDetail contains the error kind and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Render satisfies render.Renderer so ErrorResponse can be passed to
// render.Render directly.
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// errKind maps a cacheerr sentinel to its external error code string.
func errKind(err error) string {
	switch {
	case errors.Is(err, cacheerr.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, cacheerr.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, cacheerr.ErrTimeout):
		return "timeout"
	case errors.Is(err, cacheerr.ErrSchemaError):
		return "schema_error"
	case errors.Is(err, cacheerr.ErrQueryError):
		return "query_error"
	case errors.Is(err, cacheerr.ErrEngineStopped):
		return "engine_stopped"
	default:
		return "internal_error"
	}
}

// errStatus maps a cacheerr sentinel to the HTTP status it surfaces as.
func errStatus(err error) int {
	switch {
	case errors.Is(err, cacheerr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, cacheerr.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, cacheerr.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cacheerr.ErrSchemaError):
		return http.StatusConflict
	case errors.Is(err, cacheerr.ErrQueryError):
		return http.StatusBadRequest
	case errors.Is(err, cacheerr.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// renderError writes err as a JSON error envelope with the status code its
// sentinel kind maps to.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := errStatus(err)
	render.Render(w, r, &ErrorResponse{
		HTTPStatusCode: status,
		Error: ErrorDetail{
			Code:    errKind(err),
			Message: err.Error(),
		},
	})
}
