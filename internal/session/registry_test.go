package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/shyguy/internal/blob"
	"github.com/example/shyguy/internal/mosaic"
	"github.com/example/shyguy/internal/usecase"
)

type echoClient struct{}

func (echoClient) Process(ctx context.Context, candidate mosaic.Candidate, params mosaic.Parameters) (*mosaic.Response, error) {
	return &mosaic.Response{Body: candidate.Data, MediaType: candidate.MediaType, FacesDetected: "1"}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *blob.MemoryStore) {
	t.Helper()
	store := blob.NewMemoryStore("")
	return NewRegistry(echoClient{}, store, nil, zap.NewNop()), store
}

func TestGetReusesOrchestratorPerKey(t *testing.T) {
	registry, _ := newTestRegistry(t)
	defer registry.Close()

	alice := registry.Get("alice")
	require.NotNil(t, alice)
	assert.Same(t, alice, registry.Get("alice"))
	assert.NotSame(t, alice, registry.Get("bob"))
	assert.Same(t, registry.Get(""), registry.Get(AnonymousKey))
	assert.Equal(t, 3, registry.Len())
}

func TestSessionsHoldIndependentHandles(t *testing.T) {
	registry, store := newTestRegistry(t)
	defer registry.Close()

	candidate := mosaic.Candidate{MediaType: mosaic.MediaTypePNG, Data: []byte("png")}
	alice := registry.Get("alice")
	bob := registry.Get("bob")
	require.NoError(t, alice.Submit(candidate, mosaic.DefaultParameters()))
	require.NoError(t, bob.Submit(candidate, mosaic.DefaultParameters()))
	alice.Wait()
	bob.Wait()

	assert.Equal(t, usecase.StatusSuccess, alice.State().Status)
	assert.Equal(t, usecase.StatusSuccess, bob.State().Status)
	assert.Equal(t, 2, store.Len())

	alice.Reset()
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, usecase.StatusSuccess, bob.State().Status)
}

func TestSweepClosesIdleSessions(t *testing.T) {
	registry, store := newTestRegistry(t)
	defer registry.Close()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return now }

	stale := registry.Get("stale")
	require.NoError(t, stale.Submit(mosaic.Candidate{MediaType: mosaic.MediaTypeJPEG, Data: []byte("jpg")}, mosaic.DefaultParameters()))
	stale.Wait()
	require.Equal(t, 1, store.Len())

	now = now.Add(10 * time.Minute)
	registry.Get("fresh")

	assert.Equal(t, 1, registry.Sweep(5*time.Minute))
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, 0, store.Len())
	assert.ErrorIs(t, stale.Submit(mosaic.Candidate{}, mosaic.DefaultParameters()), usecase.ErrClosed)
}

func TestClosedRegistryReturnsNil(t *testing.T) {
	registry, _ := newTestRegistry(t)
	registry.Get("alice")
	registry.Close()

	assert.Nil(t, registry.Get("alice"))
	assert.Equal(t, 0, registry.Len())
}
