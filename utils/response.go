package utils

import (
	"encoding/json"
	"net/http"
)

// Error categories carried in the "code" field of error envelopes.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeRateLimited  = "RATE_LIMITED"
	CodeInternal     = "INTERNAL_ERROR"
)

type M map[string]any

// RespondWithJSON writes data as a JSON body with the given status.
func RespondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func RespondWithError(w http.ResponseWriter, status int, msg, code string) {
	RespondWithJSON(w, status, M{"success": false, "error": msg, "code": code})
}

func RespondOK(w http.ResponseWriter, data M) {
	if data == nil {
		data = M{}
	}
	data["success"] = true
	RespondWithJSON(w, http.StatusOK, data)
}

// DecodeJSON reads at most 1 MB of JSON into dst.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(dst)
}
