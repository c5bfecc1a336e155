package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bilalesi/auth-vault/internal/vaulterr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError translates any error into the service's error envelope,
// deriving the HTTP status from the error taxonomy. err need not be a
// *vaulterr.Error: anything else surfaces as a 500 internal_error.
func writeError(w http.ResponseWriter, err error) {
	var details map[string]interface{}
	message := err.Error()
	var e *vaulterr.Error
	if errors.As(err, &e) {
		message = e.Message
		details = e.Details
	}

	writeJSON(w, vaulterr.StatusOf(err), errorEnvelope{
		Error:   message,
		Code:    string(vaulterr.CodeOf(err)),
		Details: details,
	})
}
