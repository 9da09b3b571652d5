package persistence

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/llm-rotator/internal/core/usage"
)

func sampleSnapshot() *Snapshot {
	snapshot := NewSnapshot()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	state := usage.NewCredentialState("alice@example.com", "gemini", "/creds/alice.json", now)
	state.Totals.RequestCount = 12
	snapshot.Credentials[state.StableID] = state
	snapshot.AccessorIndex[state.StableID] = state.Accessor
	snapshot.FairCycleGlobal["gemini-pro"] = usage.GlobalFairCycleState{
		CycleStart: now,
		CycleCount: 3,
	}
	return snapshot
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "gemini", sampleSnapshot()))

	loaded, err := store.Load(ctx, "gemini")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
	state := loaded.Credentials["alice@example.com"]
	require.NotNil(t, state)
	assert.Equal(t, int64(12), state.Totals.RequestCount)
	assert.Equal(t, "/creds/alice.json", loaded.AccessorIndex["alice@example.com"])
	assert.Equal(t, int64(3), loaded.FairCycleGlobal["gemini-pro"].CycleCount)
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	snapshot, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestFileStoreCorruptFileQuarantined(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, nil)
	path := filepath.Join(dir, "usage_gemini.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	snapshot, err := store.Load(context.Background(), "gemini")
	require.NoError(t, err, "corrupt files never fail startup")
	assert.Nil(t, snapshot)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	foundBackup := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			foundBackup = true
		}
	}
	assert.True(t, foundBackup, "corrupt file should be backed up")
}

func TestFileStoreFutureSchemaQuarantined(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, nil)
	path := filepath.Join(dir, "usage_gemini.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 99}`), 0o644))

	snapshot, err := store.Load(context.Background(), "gemini")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestFileStoreMigratesOldSchema(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, nil)
	path := filepath.Join(dir, "usage_gemini.json")
	old := `{
		"schema_version": 1,
		"credentials": {
			"abc123": {"stable_id": "abc123", "provider": "gemini", "accessor": "sk-x", "priority": 1, "totals": {"request_count": 5}}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(old), 0o644))

	snapshot, err := store.Load(context.Background(), "gemini")
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	assert.Equal(t, SchemaVersion, snapshot.SchemaVersion)
	state := snapshot.Credentials["abc123"]
	require.NotNil(t, state)
	assert.NotNil(t, state.ModelUsage, "migration backfills nested maps")
	assert.NotNil(t, state.Cooldowns)
	assert.Equal(t, int64(5), state.Totals.RequestCount)
}

func TestFileStoreAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "gemini", sampleSnapshot()))

	second := sampleSnapshot()
	second.Credentials["alice@example.com"].Totals.RequestCount = 99
	require.NoError(t, store.Save(ctx, "gemini", second))

	loaded, err := store.Load(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, int64(99), loaded.Credentials["alice@example.com"].Totals.RequestCount)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

// flakyStore fails the first N saves.
type flakyStore struct {
	failures int32
	saves    int32
}

func (s *flakyStore) Load(ctx context.Context, provider string) (*Snapshot, error) {
	return nil, nil
}

func (s *flakyStore) Save(ctx context.Context, provider string, snapshot *Snapshot) error {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return assert.AnError
	}
	atomic.AddInt32(&s.saves, 1)
	return nil
}

func TestSnapshotterCoalescesAndRetries(t *testing.T) {
	store := &flakyStore{failures: 1}
	snapshotter := NewSnapshotter(store, "gemini", func() *Snapshot {
		return sampleSnapshot()
	}, 20*time.Millisecond, 1000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshotter.Start(ctx)

	snapshotter.Notify()

	// First flush fails, dirty stays set, a later tick retries.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&store.saves) >= 1
	}, 2*time.Second, 10*time.Millisecond, "failed flush must be retried")
}

func TestSnapshotterMutationBudgetForcesFlush(t *testing.T) {
	store := &flakyStore{}
	snapshotter := NewSnapshotter(store, "gemini", func() *Snapshot {
		return sampleSnapshot()
	}, time.Hour, 3, nil) // interval effectively never fires

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshotter.Start(ctx)

	for i := 0; i < 3; i++ {
		snapshotter.Notify()
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&store.saves) >= 1
	}, 2*time.Second, 10*time.Millisecond, "mutation budget must force a flush")
}

func TestSnapshotterCloseFlushes(t *testing.T) {
	store := &flakyStore{}
	snapshotter := NewSnapshotter(store, "gemini", func() *Snapshot {
		return sampleSnapshot()
	}, time.Hour, 1000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshotter.Start(ctx)

	snapshotter.Notify()
	snapshotter.Close()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&store.saves), int32(1), "close flushes pending state")
}
