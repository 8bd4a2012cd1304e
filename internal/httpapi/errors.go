package httpapi

import (
	"encoding/json"
	"net/http"

	"modelgate/internal/backend"
	"modelgate/internal/manager"
	"modelgate/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps well-known manager and backend errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case manager.IsModelNotFound(err):
		return http.StatusNotFound
	case manager.IsCapacity(err):
		return http.StatusServiceUnavailable
	case manager.IsLoad(err):
		return http.StatusBadGateway
	case backend.IsTimeout(err):
		return http.StatusGatewayTimeout
	case backend.IsConnection(err), backend.IsAPI(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
