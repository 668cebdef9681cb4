package web

// errors.go turns service errors into JSON responses. The technical error
// is logged with the request id; the client gets the mapped message and a
// stable code.

import (
	"encoding/json"
	"net/http"

	"github.com/JonMunkholm/catalogimport/internal/importer"
	"github.com/JonMunkholm/catalogimport/internal/logging"
)

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError maps err and writes it with the status derived from its code.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ue := importer.MapError(err)
	status := ue.Status()

	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request error", "path", r.URL.Path, "status", status, "code", ue.Code, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", status, "code", ue.Code, "error", err)
	}

	writeJSON(w, r, status, ErrorResponse{Error: ue.Message, Code: ue.Code})
}

// badRequest reports malformed input that never reached the service.
func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "REQ001"})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("json encode", "error", err)
	}
}
