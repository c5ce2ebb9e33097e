package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r44vc0rp/serverbox/internal/bootstrap"
	"github.com/r44vc0rp/serverbox/internal/config"
	"github.com/r44vc0rp/serverbox/internal/lifecycle"
	"github.com/r44vc0rp/serverbox/internal/metrics"
	"github.com/r44vc0rp/serverbox/internal/provider"
	"github.com/r44vc0rp/serverbox/internal/resume"
	"github.com/r44vc0rp/serverbox/internal/store"
)

// fakeBackend is a minimal in-memory provider.Backend double, mirroring
// internal/lifecycle's test double.
type fakeBackend struct {
	sandboxes map[string]provider.State
	upstream  string
}

func newFakeBackend(upstream string) *fakeBackend {
	return &fakeBackend{sandboxes: map[string]provider.State{}, upstream: upstream}
}

func (f *fakeBackend) CreateSandbox(_ context.Context, spec provider.CreateSpec) (provider.Sandbox, error) {
	id := "sandbox-" + spec.ID
	f.sandboxes[id] = provider.StateRunning
	return provider.Sandbox{ID: id, State: provider.StateRunning}, nil
}

func (f *fakeBackend) FindSandbox(_ context.Context, id string) (provider.Sandbox, error) {
	state, ok := f.sandboxes[id]
	if !ok {
		return provider.Sandbox{}, provider.ErrSandboxNotFound
	}
	return provider.Sandbox{ID: id, State: state}, nil
}

func (f *fakeBackend) ListSandboxes(_ context.Context) ([]provider.Sandbox, error) {
	out := make([]provider.Sandbox, 0, len(f.sandboxes))
	for id, state := range f.sandboxes {
		out = append(out, provider.Sandbox{ID: id, State: state})
	}
	return out, nil
}

func (f *fakeBackend) RemoveSandbox(_ context.Context, id string) error {
	if _, ok := f.sandboxes[id]; !ok {
		return provider.ErrSandboxNotFound
	}
	delete(f.sandboxes, id)
	return nil
}

func (f *fakeBackend) StartSandbox(_ context.Context, id string) error {
	f.sandboxes[id] = provider.StateRunning
	return nil
}

func (f *fakeBackend) StopSandbox(_ context.Context, id string) error {
	f.sandboxes[id] = provider.StateStopped
	return nil
}

func (f *fakeBackend) ArchiveSandbox(_ context.Context, id string) error {
	f.sandboxes[id] = provider.StateArchived
	return nil
}

func (f *fakeBackend) GetPreviewLink(_ context.Context, id string, _ int) (provider.PreviewLink, error) {
	return provider.PreviewLink{URL: f.upstream, Token: "tok-" + id}, nil
}

func (f *fakeBackend) Exec(_ context.Context, _ string, _ string, _ provider.ExecOptions) (provider.ExecResult, error) {
	return provider.ExecResult{}, nil
}

func (f *fakeBackend) Upload(_ context.Context, _ string, _ string, content io.Reader) error {
	_, err := io.ReadAll(content)
	return err
}

func (f *fakeBackend) Download(_ context.Context, _ string, _ string) ([]byte, error) {
	return []byte("data"), nil
}

type noopDriver struct{}

func (noopDriver) Bootstrap(_ context.Context, _ string, _ bootstrap.Config) error { return nil }

// testServer builds a fully wired Server against an in-memory store and a
// fake provider backend whose preview link always points at upstream.
func testServer(t *testing.T, upstream string, cfg config.Config) (*Server, *fakeBackend) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend := newFakeBackend(upstream)
	m := metrics.New()
	manager := lifecycle.NewManager(st, backend, noopDriver{})
	manager.Metrics = m
	coordinator := resume.New(manager, m, cfg.AutoResume, cfg.ResumeTimeout)

	srv := &Server{
		cfg:            cfg,
		manager:        manager,
		coordinator:    coordinator,
		metrics:        m,
		logger:         newLevelLogger(log.New(io.Discard, "", 0), cfg.LogLevel),
		store:          st,
		proxyTransport: newIdleTimeoutTransport(cfg.RequestTimeout),
	}
	srv.httpServer = &http.Server{Addr: cfg.ListenAddr(), Handler: srv.routes()}
	return srv, backend
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AdminAPIKey = "admin-secret"
	cfg.ProxyAPIKey = "admin-secret"
	return cfg
}

func doRequest(srv *Server, method, path, adminKey string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if adminKey != "" {
		req.Header.Set("x-serverbox-admin-key", adminKey)
	}
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}
