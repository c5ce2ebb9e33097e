package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r44vc0rp/serverbox/internal/models"
)

func sampleInstance(id string) models.Instance {
	now := time.Now().UTC().Truncate(time.Second)
	return models.Instance{
		ID:        id,
		SandboxID: "sandbox-" + id,
		State:     models.StateRunning,
		URL:       "https://preview.example/" + id,
		Username:  "opencode",
		Password:  "pw",
		Providers: []string{"opencode", "anthropic"},
		Labels:    map[string]string{"env": "test"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := sampleInstance("instance-1")

	require.NoError(t, s.Set(want))

	got, err := s.Get("instance-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.URL, got.URL)
	assert.Equal(t, want.Providers, got.Providers)
	assert.Equal(t, want.Labels, got.Labels)
}

func TestGetUnknownID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrderedByCreatedAtDescending(t *testing.T) {
	s := openTestStore(t)
	older := sampleInstance("a")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := sampleInstance("b")
	newer.CreatedAt = time.Now()

	require.NoError(t, s.Set(older))
	require.NoError(t, s.Set(newer))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
}

func TestCompareAndSetStateSucceedsOnMatch(t *testing.T) {
	s := openTestStore(t)
	inst := sampleInstance("instance-1")
	inst.State = models.StateStopped
	require.NoError(t, s.Set(inst))

	ok, err := s.CompareAndSetState("instance-1", models.StateStopped, models.StateRunning, "https://u", "tok", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get("instance-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, "https://u", got.URL)
}

func TestCompareAndSetStateFailsOnMismatch(t *testing.T) {
	s := openTestStore(t)
	inst := sampleInstance("instance-1")
	inst.State = models.StateRunning
	require.NoError(t, s.Set(inst))

	ok, err := s.CompareAndSetState("instance-1", models.StateStopped, models.StateRunning, "", "", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteUnknownIDIsNoOp(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Delete("nope"))
}

func TestUnknownPersistedStateDegradesToError(t *testing.T) {
	s := openTestStore(t)
	inst := sampleInstance("instance-1")
	require.NoError(t, s.Set(inst))

	_, err := s.db.Exec(`UPDATE instances SET state = ? WHERE id = ?`, "totally-unknown", "instance-1")
	require.NoError(t, err)

	got, err := s.Get("instance-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, got.State)
}
