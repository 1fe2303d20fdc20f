package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAuthHost, cfg.AuthHost)
	assert.Equal(t, 60, cfg.KeepAlive.IntervalMinutes)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.Equal(t, "INBOX", cfg.IMAP.Folder)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
account-email: ops@example.com
keep-alive:
  interval-minutes: 30
imap:
  host: imap.example.com
  username: ops@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", cfg.AccountEmail)
	assert.Equal(t, 30, cfg.KeepAlive.IntervalMinutes)
	assert.Equal(t, "imap.example.com", cfg.IMAP.Host)
	// untouched defaults survive
	assert.Equal(t, DefaultTargetURL, cfg.TargetURL)
	assert.Equal(t, 5, cfg.IMAP.PollSeconds)
}

func TestLoadFloorsDegenerateValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
keep-alive:
  interval-minutes: -5
  jitter-percent: 90
imap:
  poll-seconds: 0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.KeepAlive.IntervalMinutes)
	assert.Equal(t, 20, cfg.KeepAlive.JitterPercent)
	assert.Equal(t, 5, cfg.IMAP.PollSeconds)
}

func TestBundleMergeKeepsExistingFields(t *testing.T) {
	base := &CredentialBundle{
		SessionIndex: "12345",
		CookieRaw:    "SID=old",
		GroupID:      "group-1",
	}
	merged := base.Merge(&CredentialBundle{CookieRaw: "SID=new"})

	assert.Equal(t, "SID=new", merged.CookieRaw)
	assert.Equal(t, "12345", merged.SessionIndex)
	assert.Equal(t, "group-1", merged.GroupID)
	// original untouched
	assert.Equal(t, "SID=old", base.CookieRaw)
}

func TestBundleStoreSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	store, err := NewBundleStore(path)
	require.NoError(t, err)
	assert.Nil(t, store.Bundle())

	saved, err := store.Save(&CredentialBundle{SessionIndex: "77", CookieRaw: "SID=a"})
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())

	// second store sees the persisted state
	store2, err := NewBundleStore(path)
	require.NoError(t, err)
	got := store2.Bundle()
	require.NotNil(t, got)
	assert.Equal(t, "77", got.SessionIndex)
	assert.Equal(t, "SID=a", got.CookieRaw)

	// partial save merges
	_, err = store2.Save(&CredentialBundle{GroupID: "g9"})
	require.NoError(t, err)
	got = store2.Bundle()
	assert.Equal(t, "SID=a", got.CookieRaw)
	assert.Equal(t, "g9", got.GroupID)
}
