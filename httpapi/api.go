// Package httpapi exposes the authorization core over HTTP: token
// issuance, key management, encrypted attachment storage and the enclave
// decrypt operation.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	dok "github.com/Doctor-One/doctor-dok"
	"github.com/Doctor-One/doctor-dok/persist"
)

// ApiResult is the uniform response envelope.
type ApiResult struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Status  int         `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, result ApiResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, ApiResult{Message: "OK", Data: data, Status: http.StatusOK})
}

// writeError maps the error taxonomy onto status codes. Every
// authorization failure gets the same body: the response must not reveal
// whether the locator, the hash, or the expiry was at fault.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dok.ErrRequestFormat):
		writeJSON(w, http.StatusBadRequest, ApiResult{Message: err.Error(), Status: http.StatusBadRequest})
	case dok.IsUnauthorized(err):
		writeJSON(w, http.StatusUnauthorized, ApiResult{Message: "Unauthorized", Status: http.StatusUnauthorized})
	case errors.Is(err, dok.ErrDuplicateKey):
		writeJSON(w, http.StatusBadRequest, ApiResult{Message: "Key already exists", Status: http.StatusBadRequest})
	case errors.Is(err, dok.ErrNotFound), errors.Is(err, persist.ErrKeyNotFound), errors.Is(err, persist.ErrTenantNotFound):
		writeJSON(w, http.StatusNotFound, ApiResult{Message: "Not found", Status: http.StatusNotFound})
	default:
		writeJSON(w, http.StatusInternalServerError, ApiResult{Message: "Internal error", Status: http.StatusInternalServerError})
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return dok.ErrRequestFormat
	}
	return nil
}
