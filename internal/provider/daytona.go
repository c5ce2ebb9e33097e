package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// daytonaClient is the thin HTTP-transport seam daytonaAdapter depends on,
// satisfied in production by *httpDaytonaClient and in tests by a fake.
type daytonaClient interface {
	do(ctx context.Context, method, path string, body any, out any) error
}

// NewDaytonaAdapter builds the one concrete Backend dialect this repo
// ships, talking to the Daytona-shaped REST API named by the
// DAYTONA_API_KEY/DAYTONA_API_URL/DAYTONA_TARGET environment variables.
func NewDaytonaAdapter(apiKey, apiURL, target string) (Backend, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errMissingAPIKey
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = "https://app.daytona.io/api"
	}
	return &daytonaAdapter{
		client: &httpDaytonaClient{
			baseURL: strings.TrimRight(apiURL, "/"),
			apiKey:  apiKey,
			target:  target,
			http:    &http.Client{Timeout: 30 * time.Second},
		},
	}, nil
}

var errMissingAPIKey = fmt.Errorf("daytona api key is required")

type daytonaAdapter struct {
	client daytonaClient
}

// wireSandbox is the provider's wire shape for a sandbox. Fields are kept
// loose (string state) since the dialect is not guaranteed to emit exactly
// the normalized vocabulary this adapter exposes.
type wireSandbox struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (a *daytonaAdapter) CreateSandbox(ctx context.Context, spec CreateSpec) (Sandbox, error) {
	body := map[string]any{
		"id":       spec.ID,
		"language": spec.Language,
		"labels":   spec.Labels,
		"env":      spec.EnvVars,
	}
	if spec.Resources != (Resources{}) {
		body["resources"] = spec.Resources
	}
	body["autoStopInterval"] = spec.Lifecycle.AutoStopMinutes
	body["autoArchiveInterval"] = spec.Lifecycle.AutoArchiveMinutes
	if spec.Lifecycle.AutoDeleteMinutes != nil {
		body["autoDeleteInterval"] = spec.Lifecycle.AutoDeleteMinutes
	}

	var w wireSandbox
	if err := a.client.do(ctx, http.MethodPost, "/sandbox", body, &w); err != nil {
		return Sandbox{}, wrapErr(err)
	}
	return fromWire(w), nil
}

func (a *daytonaAdapter) FindSandbox(ctx context.Context, id string) (Sandbox, error) {
	var w wireSandbox
	if err := a.client.do(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(id), nil, &w); err != nil {
		if isNotFound(err) {
			return Sandbox{}, ErrSandboxNotFound
		}
		return Sandbox{}, wrapErr(err)
	}
	return fromWire(w), nil
}

func (a *daytonaAdapter) ListSandboxes(ctx context.Context) ([]Sandbox, error) {
	// The dialect may return a raw array or {items: [...]}; unwrap both.
	var raw json.RawMessage
	if err := a.client.do(ctx, http.MethodGet, "/sandbox", nil, &raw); err != nil {
		return nil, wrapErr(err)
	}

	var list []wireSandbox
	if err := json.Unmarshal(raw, &list); err == nil {
		return toSandboxes(list), nil
	}

	var wrapped struct {
		Items []wireSandbox `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, wrapErr(fmt.Errorf("unrecognized list response shape: %w", err))
	}
	return toSandboxes(wrapped.Items), nil
}

func (a *daytonaAdapter) RemoveSandbox(ctx context.Context, id string) error {
	err := a.client.do(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(id), nil, nil)
	if err != nil && isNotFound(err) {
		return ErrSandboxNotFound
	}
	return wrapErr(err)
}

func (a *daytonaAdapter) StartSandbox(ctx context.Context, id string) error {
	return wrapErr(a.client.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/start", nil, nil))
}

func (a *daytonaAdapter) StopSandbox(ctx context.Context, id string) error {
	return wrapErr(a.client.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/stop", nil, nil))
}

func (a *daytonaAdapter) ArchiveSandbox(ctx context.Context, id string) error {
	return wrapErr(a.client.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/archive", nil, nil))
}

func (a *daytonaAdapter) GetPreviewLink(ctx context.Context, id string, port int) (PreviewLink, error) {
	// Accepts either a bare string (token null) or {url, token}.
	var raw json.RawMessage
	path := fmt.Sprintf("/sandbox/%s/port/%d/preview-link", url.PathEscape(id), port)
	if err := a.client.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return PreviewLink{}, wrapErr(err)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return PreviewLink{URL: asString}, nil
	}
	var asStruct struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &asStruct); err != nil {
		return PreviewLink{}, wrapErr(fmt.Errorf("unrecognized preview link shape: %w", err))
	}
	return PreviewLink{URL: asStruct.URL, Token: asStruct.Token}, nil
}

func (a *daytonaAdapter) Exec(ctx context.Context, id string, cmd string, opts ExecOptions) (ExecResult, error) {
	body := map[string]any{"command": cmd}
	var result ExecResult
	if err := a.client.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/exec", body, &result); err != nil {
		return ExecResult{}, wrapErr(err)
	}
	return result, nil
}

func (a *daytonaAdapter) Upload(ctx context.Context, id string, path string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return wrapErr(fmt.Errorf("read upload content: %w", err))
	}
	body := map[string]any{"path": path, "content": data}
	return wrapErr(a.client.do(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/files/upload", body, nil))
}

func (a *daytonaAdapter) Download(ctx context.Context, id string, path string) ([]byte, error) {
	// Accept raw bytes, a string, or a typed-array shape regardless of how
	// the dialect serializes file content.
	var raw json.RawMessage
	reqPath := fmt.Sprintf("/sandbox/%s/files/download?path=%s", url.PathEscape(id), url.QueryEscape(path))
	if err := a.client.do(ctx, http.MethodGet, reqPath, nil, &raw); err != nil {
		return nil, wrapErr(err)
	}

	var asBytes []byte
	if err := json.Unmarshal(raw, &asBytes); err == nil {
		return asBytes, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []byte(asString), nil
	}
	var asArray []int
	if err := json.Unmarshal(raw, &asArray); err == nil {
		out := make([]byte, len(asArray))
		for i, b := range asArray {
			out[i] = byte(b)
		}
		return out, nil
	}
	return nil, wrapErr(fmt.Errorf("unrecognized download content shape"))
}

func fromWire(w wireSandbox) Sandbox {
	return Sandbox{ID: w.ID, State: normalizeState(w.State)}
}

func toSandboxes(in []wireSandbox) []Sandbox {
	out := make([]Sandbox, len(in))
	for i, w := range in {
		out[i] = fromWire(w)
	}
	return out
}

func normalizeState(raw string) State {
	switch strings.ToLower(raw) {
	case "running", "started":
		return StateRunning
	case "stopped":
		return StateStopped
	case "archived":
		return StateArchived
	case "destroyed", "deleted":
		return StateDestroyed
	case "provisioning", "creating":
		return StateProvisioning
	default:
		return StateError
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "status 404")
}

func wrapErr(err error) error {
	return err
}

// httpDaytonaClient is the production daytonaClient talking to a real
// Daytona-shaped HTTP endpoint.
type httpDaytonaClient struct {
	baseURL string
	apiKey  string
	target  string
	http    *http.Client
}

func (c *httpDaytonaClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.target != "" {
		req.Header.Set("X-Daytona-Target", c.target)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daytona request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daytona api error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
