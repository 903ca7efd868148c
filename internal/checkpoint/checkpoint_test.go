package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store, err := New(t.TempDir(), "news", zap.NewNop())
	require.NoError(t, err)

	_, found, _, err := store.Load()
	require.NoError(t, err)
	require.False(t, found)

	want := State{
		Frontier:  []Entry{{URL: "https://example.com/b", Depth: 1, Priority: 5}},
		Seen:      []string{"fp-a", "fp-b"},
		Items:     3,
		UpdatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, store.Save(want))

	got, found, repaired, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, repaired)
	require.Equal(t, want, got)
}

func TestLoadRepairsSeenWithEmptyFrontier(t *testing.T) {
	t.Parallel()
	store, err := New(t.TempDir(), "news", nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(State{Seen: []string{"fp-a"}, Items: 7}))

	got, found, repaired, err := store.Load()
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, repaired)
	require.Empty(t, got.Seen)
	require.Equal(t, 7, got.Items)
}

func TestOutputMarkerAndReset(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := New(dir, "news", nil)
	require.NoError(t, err)

	_, ok, err := store.OutputMarker()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetOutputMarker("/data/news_20250101.jsonl"))
	path, ok, err := store.OutputMarker()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/data/news_20250101.jsonl", path)

	require.NoError(t, store.Reset())
	_, err = os.Stat(filepath.Join(dir, "news"))
	require.True(t, os.IsNotExist(err))
	_, ok, err = store.OutputMarker()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()
	_, err := New("", "news", nil)
	require.Error(t, err)
	_, err = New(t.TempDir(), "../escape", nil)
	require.Error(t, err)
	_, err = New(t.TempDir(), "", nil)
	require.Error(t, err)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	store, err := New(t.TempDir(), "news", nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(store.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "state.json"), []byte("{not json"), 0o600))

	_, _, _, err = store.Load()
	require.Error(t, err)
}
