package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/caravel/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestManager(t *testing.T, maxHistory int) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Root:            t.TempDir(),
		MaxHistoryItems: maxHistory,
	}, nil)
	require.NoError(t, err)
	return m
}

// =============================================================================
// Save / Load Tests
// =============================================================================

func TestSaveLoad_RoundTrip(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()
	payload := []byte(`{"domain":"a.com","status":"deploying"}`)

	saved, err := m.Save(ctx, "deploy-a.com", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.Checksum)
	assert.NotEmpty(t, saved.VersionID)
	assert.Equal(t, int64(len(payload)), saved.Size)

	loaded, err := m.Load(ctx, "deploy-a.com", LoadOptions{Validate: true})
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(loaded.Payload))
	assert.Equal(t, saved.Checksum, loaded.Checksum)
	assert.Equal(t, saved.VersionID, loaded.VersionID)
}

func TestLoad_NoState(t *testing.T) {
	m := newTestManager(t, 5)
	_, err := m.Load(context.Background(), "never-saved", LoadOptions{})
	assert.ErrorIs(t, err, ErrNoState)
}

func TestLoad_FromCache(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()

	_, err := m.Save(ctx, "phase", []byte(`{"v":1}`))
	require.NoError(t, err)

	// Remove the file; the cached copy must still serve.
	require.NoError(t, os.Remove(filepath.Join(m.phaseDir("phase"), currentFileName)))

	loaded, err := m.Load(ctx, "phase", LoadOptions{FromCache: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(loaded.Payload))

	// A direct read goes to disk and finds nothing.
	_, err = m.Load(ctx, "phase", LoadOptions{})
	assert.ErrorIs(t, err, ErrNoState)
}

func TestSave_CacheRefreshedOnSave(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()

	_, err := m.Save(ctx, "phase", []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = m.Save(ctx, "phase", []byte(`{"v":2}`))
	require.NoError(t, err)

	loaded, err := m.Load(ctx, "phase", LoadOptions{FromCache: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(loaded.Payload))
}

// =============================================================================
// Corruption Tests
// =============================================================================

func TestLoad_CorruptedState(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()

	_, err := m.Save(ctx, "phase", []byte(`{"v":"original"}`))
	require.NoError(t, err)

	// Corrupt one byte of the stored payload.
	path := filepath.Join(m.phaseDir("phase"), currentFileName)
	corruptStoredPayload(t, path)

	_, err = m.Load(ctx, "phase", LoadOptions{Validate: true})
	assert.ErrorIs(t, err, ErrCorruptedState)

	// History still holds the prior valid snapshot.
	history, err := m.History(ctx, "phase", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	recovered, err := m.LoadLatestValid(ctx, "phase")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"original"}`, string(recovered.Payload))
}

func TestLoad_UndecodableFileIsCorruption(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()

	_, err := m.Save(ctx, "phase", []byte(`{"v":1}`))
	require.NoError(t, err)

	path := filepath.Join(m.phaseDir("phase"), currentFileName)
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	_, err = m.Load(ctx, "phase", LoadOptions{Validate: true})
	assert.ErrorIs(t, err, ErrCorruptedState)
}

// corruptStoredPayload flips a byte inside the stored payload, keeping the
// file decodable so the checksum check is what fails.
func corruptStoredPayload(t *testing.T, path string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var snapshot Snapshot
	require.NoError(t, json.Unmarshal(raw, &snapshot))

	snapshot.Payload = json.RawMessage(`{"v":"tampered!"}`)
	tampered, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))
}

// =============================================================================
// History Tests
// =============================================================================

func TestHistory_BoundedEviction(t *testing.T) {
	m := newTestManager(t, 2)
	ctx := context.Background()

	var versions []string
	for _, payload := range []string{`{"v":1}`, `{"v":2}`, `{"v":3}`} {
		saved, err := m.Save(ctx, "phase", []byte(payload))
		require.NoError(t, err)
		versions = append(versions, saved.VersionID)
	}

	history, err := m.History(ctx, "phase", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Reverse-chronological: newest first, oldest evicted.
	assert.Equal(t, versions[2], history[0].VersionID)
	assert.Equal(t, versions[1], history[1].VersionID)
}

func TestHistory_Limit(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Save(ctx, "phase", []byte(`{"v":1}`))
		require.NoError(t, err)
	}

	history, err := m.History(ctx, "phase", 3)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestHistory_EmptyPhase(t *testing.T) {
	m := newTestManager(t, 5)
	history, err := m.History(context.Background(), "never-saved", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

// =============================================================================
// Clear Tests
// =============================================================================

func TestClear_ThenLoadReturnsNoState(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()

	_, err := m.Save(ctx, "phase", []byte(`{"v":1}`))
	require.NoError(t, err)

	require.NoError(t, m.Clear(ctx, "phase"))

	_, err = m.Load(ctx, "phase", LoadOptions{FromCache: true})
	assert.ErrorIs(t, err, ErrNoState)

	history, err := m.History(ctx, "phase", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestClearAll(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()

	for _, phase := range []string{"one", "two"} {
		_, err := m.Save(ctx, phase, []byte(`{"v":1}`))
		require.NoError(t, err)
	}

	require.NoError(t, m.ClearAll(ctx))

	for _, phase := range []string{"one", "two"} {
		_, err := m.Load(ctx, phase, LoadOptions{})
		assert.ErrorIs(t, err, ErrNoState)
	}
}

// =============================================================================
// Schema Validation Tests
// =============================================================================

const recordSchema = `{
	"type": "object",
	"required": ["domain", "status"],
	"properties": {
		"domain": {"type": "string"},
		"status": {"type": "string"},
		"attempt": {"type": "integer", "minimum": 1}
	}
}`

func TestSave_SchemaViolationsListed(t *testing.T) {
	m := newTestManager(t, 5)
	require.NoError(t, m.RegisterSchema("phase", []byte(recordSchema)))

	_, err := m.Save(context.Background(), "phase", []byte(`{"attempt": 0}`))
	require.Error(t, err)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	// Two required fields missing plus the minimum violation.
	assert.GreaterOrEqual(t, len(verr.Violations), 2)
}

func TestSave_SchemaValid(t *testing.T) {
	m := newTestManager(t, 5)
	require.NoError(t, m.RegisterSchema("phase", []byte(recordSchema)))

	_, err := m.Save(context.Background(), "phase", []byte(`{"domain":"a.com","status":"ok","attempt":1}`))
	assert.NoError(t, err)
}

func TestSave_NoSchemaRegisteredPasses(t *testing.T) {
	m := newTestManager(t, 5)
	_, err := m.Save(context.Background(), "phase", []byte(`"anything"`))
	assert.NoError(t, err)
}

// =============================================================================
// Locking Tests
// =============================================================================

func TestFileLock_HeldByAnotherProcess(t *testing.T) {
	m, err := NewManager(Config{
		Root:            t.TempDir(),
		MaxHistoryItems: 5,
		LockTimeout:     50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	dir := m.phaseDir("phase")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFileName), []byte("9999\n"), 0o644))

	_, err = m.Save(context.Background(), "phase", []byte(`{"v":1}`))
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestConcurrentSaves_DistinctPhases(t *testing.T) {
	m := newTestManager(t, 5)
	ctx := context.Background()

	done := make(chan error, 2)
	for _, phase := range []string{"alpha", "beta"} {
		go func(p string) {
			for i := 0; i < 10; i++ {
				if _, err := m.Save(ctx, p, []byte(`{"v":1}`)); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(phase)
	}
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-done)
	}
}
