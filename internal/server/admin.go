package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r44vc0rp/serverbox/internal/apierr"
	"github.com/r44vc0rp/serverbox/internal/auth"
	"github.com/r44vc0rp/serverbox/internal/lifecycle"
	"github.com/r44vc0rp/serverbox/internal/models"
)

// adminAuth enforces the x-serverbox-admin-key header with a constant-time
// comparison, so response-time differences can't leak key bytes.
func (s *Server) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-serverbox-admin-key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized admin request."})
			return
		}
		next(w, r)
	}
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)
	if len(segments) < 1 || segments[0] != "admin" {
		http.NotFound(w, r)
		return
	}
	rest := segments[1:]

	if len(rest) >= 1 && rest[0] == "metrics" {
		promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}
	if len(rest) >= 1 && rest[0] == "instances" {
		s.handleAdminInstances(w, r, rest[1:])
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleAdminInstances(w http.ResponseWriter, r *http.Request, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			s.adminList(w, r)
		case http.MethodPost:
			s.adminCreate(w, r)
		default:
			writeError(w, apierr.New(apierr.UnsupportedOperation, "method not allowed"))
		}
	case 1:
		id := rest[0]
		switch r.Method {
		case http.MethodGet:
			s.adminGet(w, r, id)
		case http.MethodDelete:
			s.adminDestroy(w, r, id)
		default:
			writeError(w, apierr.New(apierr.UnsupportedOperation, "method not allowed"))
		}
	case 2:
		id, action := rest[0], rest[1]
		if r.Method != http.MethodPost {
			writeError(w, apierr.New(apierr.UnsupportedOperation, "method not allowed"))
			return
		}
		switch action {
		case "resume":
			s.adminResume(w, r, id)
		case "stop":
			s.adminStop(w, r, id)
		case "archive":
			s.adminArchive(w, r, id)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) adminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := lifecycle.ListOptions{
		Refresh: q.Get("refresh") == "true",
		State:   models.State(q.Get("state")),
	}
	instances, err := s.manager.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	serialized := make([]any, 0, len(instances))
	for _, inst := range instances {
		serialized = append(serialized, s.serialize(inst))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": serialized, "count": len(serialized)})
}

// createRequestBody is the JSON create-options body: an "auth" field
// accepting either a single entry or a list, plus optional
// id/labels/language/timeoutMs. Resources and lifecycle intervals are not
// read from the body.
type createRequestBody struct {
	ID        string            `json:"id"`
	Auth      json.RawMessage   `json:"auth"`
	Labels    map[string]string `json:"labels"`
	TimeoutMs int               `json:"timeoutMs"`
	Language  string            `json:"language"`
}

func (s *Server) adminCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		writeError(w, apierr.Wrap(apierr.InvalidConfig, "invalid JSON body", err))
		return
	}

	entries, err := decodeAuthEntries(body.Auth)
	if err != nil {
		writeError(w, err)
		return
	}

	timeout := time.Duration(body.TimeoutMs) * time.Millisecond
	inst, err := s.manager.Create(r.Context(), lifecycle.CreateOptions{
		ID:       body.ID,
		Auth:     entries,
		Labels:   body.Labels,
		Language: body.Language,
		Timeout:  timeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"instance": s.serialize(inst)})
}

// decodeAuthEntries accepts either a single {provider,apiKey,env} object or
// an array of them.
func decodeAuthEntries(raw json.RawMessage) ([]auth.Entry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	type wireEntry struct {
		Provider string            `json:"provider"`
		APIKey   string            `json:"apiKey"`
		Env      map[string]string `json:"env"`
	}

	var single wireEntry
	if err := json.Unmarshal(raw, &single); err == nil && single.Provider != "" {
		return []auth.Entry{{Provider: single.Provider, APIKey: single.APIKey, Env: single.Env}}, nil
	}

	var list []wireEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, apierr.Wrap(apierr.InvalidConfig, "invalid auth field", err)
	}
	out := make([]auth.Entry, 0, len(list))
	for _, e := range list {
		out = append(out, auth.Entry{Provider: e.Provider, APIKey: e.APIKey, Env: e.Env})
	}
	return out, nil
}

func (s *Server) adminGet(w http.ResponseWriter, r *http.Request, id string) {
	inst, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": s.serialize(inst)})
}

func (s *Server) adminResume(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		ResumeTimeoutMs int `json:"resumeTimeoutMs"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	timeout := time.Duration(body.ResumeTimeoutMs) * time.Millisecond
	inst, err := s.manager.Resume(r.Context(), id, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": s.serialize(inst)})
}

func (s *Server) adminStop(w http.ResponseWriter, r *http.Request, id string) {
	inst, err := s.manager.Stop(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": s.serialize(inst)})
}

func (s *Server) adminArchive(w http.ResponseWriter, r *http.Request, id string) {
	inst, err := s.manager.Archive(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": s.serialize(inst)})
}

func (s *Server) adminDestroy(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.manager.Destroy(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

// serialize renders the in-memory record plus the injected proxyUrl.
func (s *Server) serialize(inst models.Instance) map[string]any {
	return map[string]any{
		"id":           inst.ID,
		"sandboxId":    inst.SandboxID,
		"state":        string(inst.State),
		"url":          nullableString(inst.URL),
		"previewToken": nullableString(inst.PreviewToken),
		"username":     inst.Username,
		"password":     inst.Password,
		"providers":    inst.Providers,
		"labels":       inst.Labels,
		"createdAt":    inst.CreatedAt,
		"updatedAt":    inst.UpdatedAt,
		"proxyUrl":     s.proxyBaseURL() + "/i/" + inst.ID,
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Server) proxyBaseURL() string {
	return "http://" + s.cfg.ListenAddr()
}
