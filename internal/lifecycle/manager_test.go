package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r44vc0rp/serverbox/internal/apierr"
	"github.com/r44vc0rp/serverbox/internal/auth"
	"github.com/r44vc0rp/serverbox/internal/bootstrap"
	"github.com/r44vc0rp/serverbox/internal/models"
	"github.com/r44vc0rp/serverbox/internal/provider"
	"github.com/r44vc0rp/serverbox/internal/store"
)

// fakeBackend is an in-memory provider.Backend double.
type fakeBackend struct {
	mu        sync.Mutex
	sandboxes map[string]provider.State
	healthURL string
	removed   map[string]bool
}

func newFakeBackend(healthURL string) *fakeBackend {
	return &fakeBackend{sandboxes: map[string]provider.State{}, healthURL: healthURL, removed: map[string]bool{}}
}

func (f *fakeBackend) CreateSandbox(_ context.Context, spec provider.CreateSpec) (provider.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "sandbox-" + spec.ID
	f.sandboxes[id] = provider.StateRunning
	return provider.Sandbox{ID: id, State: provider.StateRunning}, nil
}

func (f *fakeBackend) FindSandbox(_ context.Context, id string) (provider.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.sandboxes[id]
	if !ok {
		return provider.Sandbox{}, provider.ErrSandboxNotFound
	}
	return provider.Sandbox{ID: id, State: state}, nil
}

func (f *fakeBackend) ListSandboxes(_ context.Context) ([]provider.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Sandbox, 0, len(f.sandboxes))
	for id, state := range f.sandboxes {
		out = append(out, provider.Sandbox{ID: id, State: state})
	}
	return out, nil
}

func (f *fakeBackend) RemoveSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sandboxes[id]; !ok {
		return provider.ErrSandboxNotFound
	}
	delete(f.sandboxes, id)
	f.removed[id] = true
	return nil
}

func (f *fakeBackend) StartSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[id] = provider.StateRunning
	return nil
}

func (f *fakeBackend) StopSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[id] = provider.StateStopped
	return nil
}

func (f *fakeBackend) ArchiveSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[id] = provider.StateArchived
	return nil
}

func (f *fakeBackend) GetPreviewLink(_ context.Context, id string, _ int) (provider.PreviewLink, error) {
	return provider.PreviewLink{URL: f.healthURL, Token: "tok-" + id}, nil
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

func newTestManager(t *testing.T, backend *fakeBackend) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, backend, noopDriver{})
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateWithoutAuthFailsMissingAuth(t *testing.T) {
	t.Setenv("OPENCODE_ZEN_API_KEY", "")
	t.Setenv("OPENCODE_API_KEY", "")
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)

	inst, err := m.Create(context.Background(), CreateOptions{
		ID:   "instance-1",
		Auth: nil,
	})
	require.Error(t, err)
	// No auth entries and no env set -> MISSING_AUTH from the normalizer
	// surfaces as the create error; assert that path explicitly instead.
	_ = inst
	assert.Equal(t, apierr.MissingAuth, apierr.KindOf(err))
}

func TestCreateWithAuthSucceeds(t *testing.T) {
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)

	inst, err := m.Create(context.Background(), CreateOptions{
		ID:   "instance-1",
		Auth: []auth.Entry{{Provider: "opencode", APIKey: "zen-key"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, inst.State)
	assert.Equal(t, srv.URL, inst.URL)
	assert.NotEmpty(t, inst.Password)
	assert.Len(t, inst.Password, 32)
}

func TestCreateCleansUpSandboxOnBootstrapFailure(t *testing.T) {
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)
	m.Driver = failingDriver{}

	_, err := m.Create(context.Background(), CreateOptions{
		ID:   "instance-1",
		Auth: []auth.Entry{{Provider: "opencode", APIKey: "zen-key"}},
	})
	require.Error(t, err)
	assert.Equal(t, apierr.CreateFailed, apierr.KindOf(err))
	assert.True(t, backend.removed["sandbox-instance-1"])
}

func TestGetReconcilesDestroyedSandbox(t *testing.T) {
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)

	inst, err := m.Create(context.Background(), CreateOptions{
		ID:   "instance-1",
		Auth: []auth.Entry{{Provider: "opencode", APIKey: "zen-key"}},
	})
	require.NoError(t, err)

	// Simulate the provider garbage-collecting the sandbox out from under us.
	backend.mu.Lock()
	delete(backend.sandboxes, inst.SandboxID)
	backend.mu.Unlock()

	got, err := m.Get(context.Background(), "instance-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDestroyed, got.State)
	assert.Equal(t, "", got.URL)
}

func TestStopThenGetSeesStoppedState(t *testing.T) {
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)

	_, err := m.Create(context.Background(), CreateOptions{ID: "instance-1", Auth: []auth.Entry{{Provider: "opencode", APIKey: "k"}}})
	require.NoError(t, err)

	stopped, err := m.Stop(context.Background(), "instance-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, stopped.State)
	assert.Equal(t, "", stopped.URL)

	got, err := m.Get(context.Background(), "instance-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, got.State)
}

func TestResumeRestoresRunningState(t *testing.T) {
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)

	_, err := m.Create(context.Background(), CreateOptions{ID: "instance-1", Auth: []auth.Entry{{Provider: "opencode", APIKey: "k"}}})
	require.NoError(t, err)
	_, err = m.Stop(context.Background(), "instance-1")
	require.NoError(t, err)

	resumed, err := m.Resume(context.Background(), "instance-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, resumed.State)
	assert.Equal(t, srv.URL, resumed.URL)
}

func TestDestroyUnknownIDIsNoOp(t *testing.T) {
	backend := newFakeBackend("http://unused")
	m := newTestManager(t, backend)
	assert.NoError(t, m.Destroy(context.Background(), "nope"))
}

func TestDestroyTwiceIsIdempotent(t *testing.T) {
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)

	_, err := m.Create(context.Background(), CreateOptions{ID: "instance-1", Auth: []auth.Entry{{Provider: "opencode", APIKey: "k"}}})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), "instance-1"))
	assert.NoError(t, m.Destroy(context.Background(), "instance-1"))

	_, err = m.Get(context.Background(), "instance-1")
	assert.Equal(t, apierr.InstanceNotFound, apierr.KindOf(err))
}

func TestRequireRunningFailsWhenNotRunning(t *testing.T) {
	srv := healthyServer(t)
	backend := newFakeBackend(srv.URL)
	m := newTestManager(t, backend)

	_, err := m.Create(context.Background(), CreateOptions{ID: "instance-1", Auth: []auth.Entry{{Provider: "opencode", APIKey: "k"}}})
	require.NoError(t, err)
	_, err = m.Stop(context.Background(), "instance-1")
	require.NoError(t, err)

	_, err = m.Exec(context.Background(), "instance-1", "echo hi", provider.ExecOptions{})
	assert.Equal(t, apierr.InstanceNotRunning, apierr.KindOf(err))
}

type failingDriver struct{}

func (failingDriver) Bootstrap(context.Context, string, bootstrap.Config) error {
	return errors.New("boom")
}
