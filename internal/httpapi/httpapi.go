// Package httpapi holds small helpers shared by the ingress and
// egress HTTP layers: JSON encode/decode and the apperr-to-status
// mapping from the error handling design.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/agentsync/hub/internal/apperr"
)

// WriteJSON writes v as a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// ReadJSON decodes the request body into v.
func ReadJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// WriteError maps err to the status/body the error handling design
// specifies and writes it.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	body := map[string]any{"error": err.Error()}
	if kind == apperr.KindAccessDenied {
		body["error"] = "access-denied"
	}
	WriteJSON(w, status, body)
}

// WriteVersionMismatch writes the 409 shape the optimistic-concurrency
// contract specifies: {error:"version_mismatch", <latest snapshot>}.
func WriteVersionMismatch(w http.ResponseWriter, latest any) {
	body := map[string]any{"error": "version_mismatch"}
	merged := map[string]any{}
	if b, err := json.Marshal(latest); err == nil {
		_ = json.Unmarshal(b, &merged)
	}
	for k, v := range body {
		merged[k] = v
	}
	WriteJSON(w, http.StatusConflict, merged)
}
