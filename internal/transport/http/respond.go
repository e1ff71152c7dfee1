package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"veriflow/pkg/faults"
	"veriflow/pkg/platform/sentinel"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError centralizes the fault-to-HTTP translation so every handler emits
// the same JSON error envelope. Internal errors never leak their description.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	description := ""

	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
		description = "no such workflow instance"
	case errors.Is(err, sentinel.ErrConflict):
		status, code = http.StatusConflict, "conflict"
		description = "an instance for this subject and workflow kind is already in flight"
	case errors.Is(err, sentinel.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
		description = "instance is not ready to answer queries yet"
	default:
		if f, ok := faults.AsFault(err); ok {
			switch f.Kind {
			case faults.KindValidation:
				status, code, description = http.StatusBadRequest, f.Code, f.Message
			case faults.KindAuthorization:
				status, code, description = http.StatusUnauthorized, f.Code, f.Message
			}
		}
	}

	body := map[string]string{"error": code}
	if description != "" && status != http.StatusInternalServerError {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}
