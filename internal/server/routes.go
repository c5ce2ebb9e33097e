package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/r44vc0rp/serverbox/internal/apierr"
)

// routes builds the mux: "/healthz" -> health, "/admin/..." -> admin,
// "/i/..." -> instance proxy, else 404.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/admin/", s.adminAuth(s.handleAdmin))
	mux.HandleFunc("/i/", s.handleProxy)
	return s.requestLogMiddleware(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// writeJSON sets content-type/content-length and encodes payload.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to encode response"}`))
		return
	}
	w.Header().Set("content-type", "application/json")
	w.Header().Set("content-length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	w.Write(data)
}

// writeError translates err into the JSON {error, code?} envelope, with the
// status apierr.HTTPStatus assigns to its kind.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	body := map[string]any{"error": err.Error()}
	if e, ok := apierr.As(err); ok {
		body["error"] = e.Message
		body["code"] = string(e.Kind)
		if e.Cause != nil {
			body["details"] = e.Cause.Error()
		}
	}
	writeJSON(w, status, body)
}
