package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winspan/kooixhost/internal/hosts"
)

func TestOpenMissingWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kooix-host", "config.json")

	s, err := Open(path)
	require.NoError(t, err)

	cfg := s.Snapshot()
	assert.Equal(t, Default().Sources, cfg.Sources)
	assert.False(t, cfg.AutoUpdate)
	assert.Equal(t, 24, cfg.UpdateIntervalHours)
	assert.Nil(t, cfg.LastUpdate)
	assert.FileExists(t, path)

	var onDisk map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Contains(t, onDisk, "sources")
	assert.Contains(t, onDisk, "auto_update")
	assert.Contains(t, onDisk, "update_interval_hours")
	assert.Nil(t, onDisk["last_update"])
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestReplacePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)

	next := AppConfig{
		Sources:             []hosts.HostSource{{Name: "mine", URL: "https://example.com/hosts", Enabled: true}},
		AutoUpdate:          true,
		UpdateIntervalHours: 6,
	}
	require.NoError(t, s.Replace(next))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, next.Sources, reopened.Sources())
	assert.True(t, reopened.Snapshot().AutoUpdate)
	assert.Equal(t, 6, reopened.Snapshot().UpdateIntervalHours)
}

func TestReplaceRejectsInvalid(t *testing.T) {
	s := NewMemoryStore(Default())

	err := s.Replace(AppConfig{
		Sources:             []hosts.HostSource{{Name: "", URL: "https://example.com"}},
		UpdateIntervalHours: 1,
	})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	err = s.Replace(AppConfig{UpdateIntervalHours: 0})
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	assert.Equal(t, Default().Sources, s.Sources())
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewMemoryStore(Default())

	snap := s.Snapshot()
	snap.Sources[0].Name = "changed"

	assert.Equal(t, "GitHub520", s.Sources()[0].Name)
}

func TestSetLastUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)

	at := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetLastUpdate(at))

	got, ok := s.Snapshot().LastUpdateTime()
	require.True(t, ok)
	assert.True(t, at.Equal(got))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.NotNil(t, reopened.Snapshot().LastUpdate)
	assert.Equal(t, "2026-10-14T08:00:00Z", *reopened.Snapshot().LastUpdate)
}

func TestConcurrentAccess(t *testing.T) {
	s := NewMemoryStore(Default())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SetLastUpdate(time.Now())
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
	}
	wg.Wait()

	_, ok := s.Snapshot().LastUpdateTime()
	assert.True(t, ok)
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)

	edited := `{"sources":[{"name":"edited","url":"https://example.com/hosts","enabled":true}],"auto_update":true,"update_interval_hours":2,"last_update":null}`
	require.NoError(t, os.WriteFile(path, []byte(edited), 0644))
	require.NoError(t, s.Reload())
	assert.Equal(t, "edited", s.Sources()[0].Name)
	assert.Equal(t, 2, s.Snapshot().UpdateIntervalHours)

	require.NoError(t, os.WriteFile(path, []byte(`{"update_interval_hours":0}`), 0644))
	assert.ErrorIs(t, s.Reload(), ErrInvalidConfig)
	assert.Equal(t, "edited", s.Sources()[0].Name)
}
