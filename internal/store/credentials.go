package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	credentialPrefix = "session-"
	credentialSuffix = ".cred"
)

// CredentialStore keeps one opaque credential artifact file per session id
// under a single root directory.
type CredentialStore struct {
	root string
}

// NewCredentialStore returns a store rooted at dir. The directory is created
// on first write.
func NewCredentialStore(dir string) *CredentialStore {
	resolved := strings.TrimSpace(dir)
	if resolved == "" {
		resolved = filepath.Join("local", "data", "credentials")
	}
	return &CredentialStore{root: filepath.Clean(resolved)}
}

// Path is the deterministic artifact location for a session id.
func (c *CredentialStore) Path(id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return filepath.Join(c.root, credentialPrefix+id+credentialSuffix), nil
}

// Load returns the artifact for id; ok is false when none exists.
func (c *CredentialStore) Load(id string) ([]byte, bool, error) {
	p, err := c.Path(id)
	if err != nil {
		return nil, false, err
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read credential %q: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	return raw, true, nil
}

// Save overwrites the artifact for id.
func (c *CredentialStore) Save(id string, artifact []byte) error {
	p, err := c.Path(id)
	if err != nil {
		return err
	}
	return writeFileAtomic(p, artifact, 0o600)
}

// Delete removes the artifact for id. A missing artifact is not an error.
func (c *CredentialStore) Delete(id string) error {
	p, err := c.Path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete credential %q: %w", id, err)
	}
	return nil
}

// Exists reports whether an artifact file is present for id.
func (c *CredentialStore) Exists(id string) bool {
	p, err := c.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
