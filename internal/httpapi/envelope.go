package httpapi

import (
	"encoding/json"
	"net/http"
)

// envelope is the uniform response body spec §6.1 requires of every
// endpoint: {code, status, results}.
type envelope struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Results any    `json:"results,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, code int, status string, results any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Status: status, Results: results})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeEnvelope(w, code, "error", map[string]string{"message": message})
}

func writeOK(w http.ResponseWriter, code int, results any) {
	writeEnvelope(w, code, "ok", results)
}
