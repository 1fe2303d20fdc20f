package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// CredentialBundle is the persisted browser-session state everything
// else derives from. Renewals update it; other workers pick changes up
// through the file watcher.
type CredentialBundle struct {
	// SessionIndex is the csesidx value identifying the session.
	SessionIndex string `json:"csesidx"`
	// CookieRaw is the full Cookie header captured from the browser.
	CookieRaw string `json:"cookie_raw"`
	// GroupID is the organization id harvested from the landing URL.
	GroupID string `json:"group_id,omitempty"`
	// AccountEmail is the identity the session belongs to.
	AccountEmail string `json:"account_email,omitempty"`
	// UpdatedAt records the last write.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Clone returns a copy of the bundle.
func (b *CredentialBundle) Clone() *CredentialBundle {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}

// Merge overlays non-empty fields from other onto a copy of b. A
// renewal that only learned new cookies must not wipe the group id.
func (b *CredentialBundle) Merge(other *CredentialBundle) *CredentialBundle {
	out := b.Clone()
	if out == nil {
		out = &CredentialBundle{}
	}
	if other == nil {
		return out
	}
	if other.SessionIndex != "" {
		out.SessionIndex = other.SessionIndex
	}
	if other.CookieRaw != "" {
		out.CookieRaw = other.CookieRaw
	}
	if other.GroupID != "" {
		out.GroupID = other.GroupID
	}
	if other.AccountEmail != "" {
		out.AccountEmail = other.AccountEmail
	}
	return out
}

// BundleStore persists the credential bundle with atomic writes and
// serves a consistent in-memory copy to concurrent readers.
type BundleStore struct {
	mu     sync.RWMutex
	path   string
	bundle *CredentialBundle

	watcher  *fsnotify.Watcher
	onChange func(*CredentialBundle)
}

// NewBundleStore loads the bundle at path if it exists.
func NewBundleStore(path string) (*BundleStore, error) {
	s := &BundleStore{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BundleStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read credential bundle %s: %w", s.path, err)
	}
	var b CredentialBundle
	if err = json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("parse credential bundle %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.bundle = &b
	s.mu.Unlock()
	return nil
}

// Bundle returns a copy of the current bundle, or nil when none is
// stored yet.
func (s *BundleStore) Bundle() *CredentialBundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bundle.Clone()
}

// Save merges update into the stored bundle, stamps UpdatedAt and
// writes the file atomically (tmp file + rename).
func (s *BundleStore) Save(update *CredentialBundle) (*CredentialBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.bundle.Merge(update)
	merged.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode credential bundle: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, fmt.Errorf("write credential bundle: %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return nil, fmt.Errorf("replace credential bundle: %w", err)
	}
	s.bundle = merged
	return merged.Clone(), nil
}

// Watch reloads the bundle when another process rewrites the file and
// invokes onChange with the new copy. Call Close to stop watching.
func (s *BundleStore) Watch(onChange func(*CredentialBundle)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create bundle watcher: %w", err)
	}
	if err = watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch bundle directory: %w", err)
	}
	s.watcher = watcher
	s.onChange = onChange

	go func() {
		base := filepath.Base(s.path)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					log.WithError(err).Warn("credential bundle reload failed")
					continue
				}
				log.Debug("credential bundle reloaded from disk")
				if s.onChange != nil {
					s.onChange(s.Bundle())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("credential bundle watcher error")
			}
		}
	}()
	return nil
}

// Close stops the file watcher if one is running.
func (s *BundleStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
