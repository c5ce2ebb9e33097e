package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaytonaClient lets tests control the wire shape returned for each
// path without standing up an HTTP server.
type fakeDaytonaClient struct {
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     []string
}

func (f *fakeDaytonaClient) do(_ context.Context, method, path string, _ any, out any) error {
	f.calls = append(f.calls, method+" "+path)
	if err, ok := f.errs[method+" "+path]; ok {
		return err
	}
	raw, ok := f.responses[method+" "+path]
	if !ok {
		return nil
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func newAdapter(f *fakeDaytonaClient) *daytonaAdapter {
	return &daytonaAdapter{client: f}
}

func TestListSandboxesUnwrapsRawArray(t *testing.T) {
	f := &fakeDaytonaClient{responses: map[string]json.RawMessage{
		"GET /sandbox": json.RawMessage(`[{"id":"a","state":"running"},{"id":"b","state":"stopped"}]`),
	}}
	a := newAdapter(f)

	got, err := a.ListSandboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StateRunning, got[0].State)
	assert.Equal(t, StateStopped, got[1].State)
}

func TestListSandboxesUnwrapsItemsEnvelope(t *testing.T) {
	f := &fakeDaytonaClient{responses: map[string]json.RawMessage{
		"GET /sandbox": json.RawMessage(`{"items":[{"id":"a","state":"archived"}]}`),
	}}
	a := newAdapter(f)

	got, err := a.ListSandboxes(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StateArchived, got[0].State)
}

func TestFindSandboxNotFound(t *testing.T) {
	f := &fakeDaytonaClient{errs: map[string]error{
		"GET /sandbox/missing": errors.New("daytona api error: status 404: not found"),
	}}
	a := newAdapter(f)

	_, err := a.FindSandbox(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestGetPreviewLinkAcceptsBareString(t *testing.T) {
	f := &fakeDaytonaClient{responses: map[string]json.RawMessage{
		"GET /sandbox/a/port/3000/preview-link": json.RawMessage(`"https://a.preview.example"`),
	}}
	a := newAdapter(f)

	link, err := a.GetPreviewLink(context.Background(), "a", 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://a.preview.example", link.URL)
	assert.Equal(t, "", link.Token)
}

func TestGetPreviewLinkAcceptsStructWithToken(t *testing.T) {
	f := &fakeDaytonaClient{responses: map[string]json.RawMessage{
		"GET /sandbox/a/port/3000/preview-link": json.RawMessage(`{"url":"https://a.preview.example","token":"tok"}`),
	}}
	a := newAdapter(f)

	link, err := a.GetPreviewLink(context.Background(), "a", 3000)
	require.NoError(t, err)
	assert.Equal(t, "https://a.preview.example", link.URL)
	assert.Equal(t, "tok", link.Token)
}

func TestDownloadAcceptsStringOrByteArray(t *testing.T) {
	f := &fakeDaytonaClient{responses: map[string]json.RawMessage{
		"GET /sandbox/a/files/download?path=%2Ftmp%2Fx": json.RawMessage(`"hello"`),
	}}
	a := newAdapter(f)

	data, err := a.Download(context.Background(), "a", "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	f.responses["GET /sandbox/a/files/download?path=%2Ftmp%2Fy"] = json.RawMessage(`[104,105]`)
	data, err = a.Download(context.Background(), "a", "/tmp/y")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestNormalizeState(t *testing.T) {
	tests := map[string]State{
		"running": StateRunning, "started": StateRunning,
		"stopped": StateStopped, "archived": StateArchived,
		"destroyed": StateDestroyed, "deleted": StateDestroyed,
		"provisioning": StateProvisioning, "creating": StateProvisioning,
		"something-else": StateError,
	}
	for raw, want := range tests {
		assert.Equal(t, want, normalizeState(raw), raw)
	}
}
