// Package lifecycle implements the instance state machine over
// {provisioning, bootstrapping, running, stopped, archived, error,
// destroyed}. The Manager is the sole writer to the metadata store and
// reconciles persisted state with the provider's observed state whenever a
// record is read through Get (and through List when Refresh is set).
package lifecycle

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r44vc0rp/serverbox/internal/apierr"
	"github.com/r44vc0rp/serverbox/internal/auth"
	"github.com/r44vc0rp/serverbox/internal/bootstrap"
	"github.com/r44vc0rp/serverbox/internal/health"
	"github.com/r44vc0rp/serverbox/internal/metrics"
	"github.com/r44vc0rp/serverbox/internal/models"
	"github.com/r44vc0rp/serverbox/internal/provider"
	"github.com/r44vc0rp/serverbox/internal/store"
)

// UpstreamPort is the fixed port the bootstrap driver binds the upstream
// server to inside every sandbox.
const UpstreamPort = 4096

const passwordLength = 32

// Manager is the sole writer to the metadata store.
type Manager struct {
	Store   *store.Store
	Backend provider.Backend
	Driver  bootstrap.Driver
	Prober  health.Prober
	Metrics *metrics.Metrics

	Now func() time.Time
}

// NewManager wires the lifecycle manager's collaborators.
func NewManager(st *store.Store, backend provider.Backend, driver bootstrap.Driver) *Manager {
	return &Manager{
		Store:   st,
		Backend: backend,
		Driver:  driver,
		Prober:  health.Prober{},
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// CreateOptions is the input to Create.
type CreateOptions struct {
	ID        string
	Auth      []auth.Entry
	Labels    map[string]string
	Resources provider.Resources
	Lifecycle provider.Lifecycle
	Language  string
	Timeout   time.Duration // default 60s
}

// Create provisions a new sandbox, bootstraps the upstream server, waits
// for health, and persists the resulting running record. On any failure
// after sandbox creation it best-effort removes the sandbox before raising
// CREATE_FAILED.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (models.Instance, error) {
	start := time.Now()
	id := opts.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	normalized, err := auth.Normalize(opts.Auth, nil)
	if err != nil {
		return models.Instance{}, err
	}

	password, err := generatePassword(passwordLength)
	if err != nil {
		return models.Instance{}, apierr.Wrap(apierr.CreateFailed, "generate instance password", err)
	}
	username := "opencode"

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	providerEnv := auth.CollectProviderEnv(normalized)
	authRecord := auth.BuildAuthRecord(normalized)
	envVars := make(map[string]string, len(providerEnv)+2)
	for k, v := range providerEnv {
		envVars[k] = v
	}
	envVars["SERVERBOX_UPSTREAM_USERNAME"] = username
	envVars["SERVERBOX_UPSTREAM_PASSWORD"] = password

	spec := provider.CreateSpec{
		ID:        id,
		Language:  opts.Language,
		Labels:    opts.Labels,
		Resources: opts.Resources,
		Lifecycle: opts.Lifecycle,
		EnvVars:   envVars,
	}

	sandbox, err := createSandboxWithRetry(ctx, m.Backend, spec)
	if err != nil {
		return models.Instance{}, apierr.Wrap(apierr.CreateFailed, "create sandbox", err)
	}

	providers := make([]string, 0, len(normalized))
	for _, e := range normalized {
		providers = append(providers, e.Provider)
	}

	inst, err := m.finishCreate(ctx, id, sandbox.ID, username, password, providers, opts.Labels, timeout, true, authRecord, providerEnv)
	if err != nil {
		// Best-effort cleanup; secondary failures are swallowed.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_ = m.Backend.RemoveSandbox(cleanupCtx, sandbox.ID)
		cancel()
		return models.Instance{}, apierr.Wrap(apierr.CreateFailed, "bootstrap/health after create", err)
	}

	if m.Metrics != nil {
		m.Metrics.CreateSeconds.Observe(time.Since(start).Seconds())
	}
	return inst, nil
}

func (m *Manager) finishCreate(ctx context.Context, id, sandboxID, username, password string, providers []string, labels map[string]string, timeout time.Duration, installUpstream bool, authRecord, providerEnv map[string]string) (models.Instance, error) {
	if err := m.Driver.Bootstrap(ctx, sandboxID, bootstrap.Config{
		Username:        username,
		Password:        password,
		ProviderEnv:     providerEnv,
		AuthRecord:      authRecord,
		InstallUpstream: installUpstream,
		Port:            UpstreamPort,
	}); err != nil {
		return models.Instance{}, apierr.Wrap(apierr.BootstrapFailed, "bootstrap sandbox "+sandboxID, err)
	}

	link, err := m.Backend.GetPreviewLink(ctx, sandboxID, UpstreamPort)
	if err != nil {
		return models.Instance{}, apierr.Wrap(apierr.DaytonaAPIError, "fetch preview link", err)
	}

	healthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := m.Prober.WaitForHealth(healthCtx, link.URL, health.Creds{Username: username, Password: password, PreviewToken: link.Token}, timeout, 2*time.Second); err != nil {
		return models.Instance{}, err
	}

	now := m.now()
	inst := models.Instance{
		ID:           id,
		SandboxID:    sandboxID,
		State:        models.StateRunning,
		URL:          link.URL,
		PreviewToken: link.Token,
		Username:     username,
		Password:     password,
		Providers:    providers,
		Labels:       labels,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.Store.Set(inst); err != nil {
		return models.Instance{}, apierr.Wrap(apierr.StoreError, "persist created instance", err)
	}
	m.recordTransition("", string(models.StateRunning))
	return inst.Clone(), nil
}

// Get loads the record for id and reconciles it with the provider before
// returning.
func (m *Manager) Get(ctx context.Context, id string) (models.Instance, error) {
	inst, err := m.load(id)
	if err != nil {
		return models.Instance{}, err
	}
	return m.syncMetadata(ctx, inst)
}

func (m *Manager) load(id string) (models.Instance, error) {
	inst, err := m.Store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Instance{}, apierr.New(apierr.InstanceNotFound, "instance "+id+" not found")
	}
	if err != nil {
		return models.Instance{}, apierr.Wrap(apierr.StoreError, "load instance "+id, err)
	}
	return inst, nil
}

// ListOptions filters List.
type ListOptions struct {
	State   models.State // empty means any state
	Labels  map[string]string
	Refresh bool
}

// List returns every instance matching opts, ordered by createdAt
// descending. When Refresh is true, every record is reconciled with the
// provider in parallel; a failed reconciliation falls back to the stored
// record.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]models.Instance, error) {
	all, err := m.Store.List()
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "list instances", err)
	}

	if opts.Refresh {
		type result struct {
			idx  int
			inst models.Instance
		}
		resultsCh := make(chan result, len(all))
		for i, inst := range all {
			go func(i int, inst models.Instance) {
				refreshed, err := m.syncMetadata(ctx, inst)
				if err != nil {
					resultsCh <- result{idx: i, inst: inst}
					return
				}
				resultsCh <- result{idx: i, inst: refreshed}
			}(i, inst)
		}
		for range all {
			r := <-resultsCh
			all[r.idx] = r.inst
		}
	}

	out := make([]models.Instance, 0, len(all))
	for _, inst := range all {
		if opts.State != "" && inst.State != opts.State {
			continue
		}
		if !labelsMatch(inst.Labels, opts.Labels) {
			continue
		}
		out = append(out, inst.Clone())
	}
	return out, nil
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Stop stops the backing sandbox and clears the URL/preview token.
func (m *Manager) Stop(ctx context.Context, id string) (models.Instance, error) {
	inst, err := m.load(id)
	if err != nil {
		return models.Instance{}, err
	}
	if err := m.Backend.StopSandbox(ctx, inst.SandboxID); err != nil {
		return models.Instance{}, apierr.Wrap(apierr.DaytonaAPIError, "stop sandbox "+inst.SandboxID, err)
	}
	return m.transition(id, inst.State, models.StateStopped, "", "")
}

// Resume starts the backing sandbox, re-runs bootstrap without
// reinstalling, waits for health, and updates the record to running.
func (m *Manager) Resume(ctx context.Context, id string, timeout time.Duration) (models.Instance, error) {
	start := time.Now()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	inst, err := m.load(id)
	if err != nil {
		return models.Instance{}, err
	}

	if err := m.Backend.StartSandbox(ctx, inst.SandboxID); err != nil {
		if inst.State == models.StateArchived {
			return models.Instance{}, apierr.Wrap(apierr.InstanceNotRunning, "start sandbox "+inst.SandboxID, err)
		}
		return models.Instance{}, apierr.Wrap(apierr.DaytonaAPIError, "start sandbox "+inst.SandboxID, err)
	}
	if err := m.Driver.Bootstrap(ctx, inst.SandboxID, bootstrap.Config{
		Username:        inst.Username,
		Password:        inst.Password,
		InstallUpstream: false,
		Port:            UpstreamPort,
	}); err != nil {
		return models.Instance{}, apierr.Wrap(apierr.BootstrapFailed, "re-bootstrap sandbox "+inst.SandboxID, err)
	}

	link, err := m.Backend.GetPreviewLink(ctx, inst.SandboxID, UpstreamPort)
	if err != nil {
		return models.Instance{}, apierr.Wrap(apierr.DaytonaAPIError, "fetch preview link", err)
	}

	healthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := m.Prober.WaitForHealth(healthCtx, link.URL, health.Creds{Username: inst.Username, Password: inst.Password, PreviewToken: link.Token}, timeout, 2*time.Second); err != nil {
		return models.Instance{}, err
	}

	resumed, err := m.transition(id, inst.State, models.StateRunning, link.URL, link.Token)
	if err == nil && m.Metrics != nil {
		m.Metrics.ResumeSeconds.Observe(time.Since(start).Seconds())
	}
	return resumed, err
}

// Archive archives the backing sandbox.
func (m *Manager) Archive(ctx context.Context, id string) (models.Instance, error) {
	inst, err := m.load(id)
	if err != nil {
		return models.Instance{}, err
	}
	if err := m.Backend.ArchiveSandbox(ctx, inst.SandboxID); err != nil {
		return models.Instance{}, apierr.Wrap(apierr.DaytonaAPIError, "archive sandbox "+inst.SandboxID, err)
	}
	return m.transition(id, inst.State, models.StateArchived, "", "")
}

// Destroy best-effort removes the backing sandbox (a "not found" response is
// treated as success) and deletes the record. Destroying an unknown id is a
// no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	inst, err := m.Store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "load instance "+id, err)
	}

	if err := m.Backend.RemoveSandbox(ctx, inst.SandboxID); err != nil && !errors.Is(err, provider.ErrSandboxNotFound) {
		return apierr.Wrap(apierr.DaytonaAPIError, "remove sandbox "+inst.SandboxID, err)
	}
	if err := m.Store.Delete(id); err != nil {
		return apierr.Wrap(apierr.StoreError, "delete instance "+id, err)
	}
	m.recordTransition(string(inst.State), string(models.StateDestroyed))
	return nil
}

// Health requires the instance to be running and returns the upstream's
// health JSON.
func (m *Manager) Health(ctx context.Context, id string) (health.Result, error) {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Prober.WaitForHealth(ctx, inst.URL, health.Creds{Username: inst.Username, Password: inst.Password, PreviewToken: inst.PreviewToken}, 10*time.Second, time.Second)
}

// Exec requires the instance to be running and runs cmd inside its
// sandbox.
func (m *Manager) Exec(ctx context.Context, id, cmd string, opts provider.ExecOptions) (provider.ExecResult, error) {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return provider.ExecResult{}, err
	}
	res, err := m.Backend.Exec(ctx, inst.SandboxID, cmd, opts)
	if err != nil {
		return provider.ExecResult{}, apierr.Wrap(apierr.DaytonaAPIError, "exec in sandbox "+inst.SandboxID, err)
	}
	return res, nil
}

// UploadFile requires the instance to be running and writes content to
// path inside its sandbox. Accepts raw bytes or UTF-8 text.
func (m *Manager) UploadFile(ctx context.Context, id, path string, content []byte) error {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return err
	}
	if err := m.Backend.Upload(ctx, inst.SandboxID, path, bytes.NewReader(content)); err != nil {
		return apierr.Wrap(apierr.DaytonaAPIError, "upload to sandbox "+inst.SandboxID, err)
	}
	return nil
}

// DownloadFile requires the instance to be running and returns the raw
// bytes at path inside its sandbox.
func (m *Manager) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	inst, err := m.requireRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := m.Backend.Download(ctx, inst.SandboxID, path)
	if err != nil {
		return nil, apierr.Wrap(apierr.DaytonaAPIError, "download from sandbox "+inst.SandboxID, err)
	}
	return data, nil
}

func (m *Manager) requireRunning(ctx context.Context, id string) (models.Instance, error) {
	inst, err := m.Get(ctx, id)
	if err != nil {
		return models.Instance{}, err
	}
	if !inst.IsRunning() {
		return models.Instance{}, apierr.New(apierr.InstanceNotRunning, "instance "+id+" is not running")
	}
	return inst, nil
}

// transition performs the CAS write and returns the post-transition record.
func (m *Manager) transition(id string, from, to models.State, url, previewToken string) (models.Instance, error) {
	ok, err := m.Store.CompareAndSetState(id, from, to, url, previewToken, m.now())
	if err != nil {
		return models.Instance{}, apierr.Wrap(apierr.StoreError, "transition instance "+id, err)
	}
	if !ok {
		return models.Instance{}, apierr.New(apierr.StoreError, fmt.Sprintf("instance %s state changed concurrently (expected %s)", id, from))
	}
	m.recordTransition(string(from), string(to))
	inst, err := m.load(id)
	if err != nil {
		return models.Instance{}, err
	}
	return inst.Clone(), nil
}

// syncMetadata reconciles a stored record with the provider's observed
// state. Only writes when the projected record differs from storage.
func (m *Manager) syncMetadata(ctx context.Context, stored models.Instance) (models.Instance, error) {
	sandbox, err := m.Backend.FindSandbox(ctx, stored.SandboxID)
	if errors.Is(err, provider.ErrSandboxNotFound) {
		if stored.State != models.StateDestroyed {
			_, _ = m.transition(stored.ID, stored.State, models.StateDestroyed, "", "")
		}
		stored.State = models.StateDestroyed
		stored.URL = ""
		stored.PreviewToken = ""
		return stored.Clone(), nil
	}
	if err != nil {
		return models.Instance{}, apierr.Wrap(apierr.DaytonaAPIError, "find sandbox "+stored.SandboxID, err)
	}

	projectedState := providerStateToModel(sandbox.State)
	url, token := stored.URL, stored.PreviewToken
	if projectedState == models.StateRunning {
		if link, err := m.Backend.GetPreviewLink(ctx, stored.SandboxID, UpstreamPort); err == nil {
			url, token = link.URL, link.Token
		}
	} else {
		url, token = "", ""
	}

	if projectedState == stored.State && url == stored.URL && token == stored.PreviewToken {
		return stored.Clone(), nil
	}

	return m.transition(stored.ID, stored.State, projectedState, url, token)
}

func providerStateToModel(s provider.State) models.State {
	switch s {
	case provider.StateRunning:
		return models.StateRunning
	case provider.StateStopped:
		return models.StateStopped
	case provider.StateArchived:
		return models.StateArchived
	case provider.StateDestroyed:
		return models.StateDestroyed
	case provider.StateProvisioning:
		return models.StateProvisioning
	default:
		return models.StateError
	}
}

func (m *Manager) recordTransition(from, to string) {
	if m.Metrics == nil {
		return
	}
	m.Metrics.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// createSandboxWithRetry retries transient creation failures up to 3 times
// with exponential backoff (base 500ms, cap 5s, jitter <=150ms).
func createSandboxWithRetry(ctx context.Context, backend provider.Backend, spec provider.CreateSpec) (provider.Sandbox, error) {
	const maxAttempts = 4 // one initial attempt plus up to 3 retries
	base := 500 * time.Millisecond
	capDelay := 5 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sandbox, err := backend.CreateSandbox(ctx, spec)
		if err == nil {
			return sandbox, nil
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		delay := base * time.Duration(1<<attempt)
		if delay > capDelay {
			delay = capDelay
		}
		jitter, jerr := rand.Int(rand.Reader, big.NewInt(150))
		if jerr == nil {
			delay += time.Duration(jitter.Int64()) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return provider.Sandbox{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return provider.Sandbox{}, lastErr
}

func generatePassword(length int) (string, error) {
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(encoded) > length {
		encoded = encoded[:length]
	}
	return encoded, nil
}

