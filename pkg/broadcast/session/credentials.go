package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// credentialFile is the transport's session database inside a tenant dir.
const credentialFile = "session.db"

// CredentialStore manages the per-tenant credential directories on disk.
// Each tenant owns one directory under the root; its presence (with a
// session database inside) is what makes a tenant restorable.
type CredentialStore struct {
	root string
}

// NewCredentialStore returns a store rooted at dir, creating it if needed.
func NewCredentialStore(dir string) (*CredentialStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &CredentialStore{root: dir}, nil
}

// Dir returns the tenant's credential directory path.
func (c *CredentialStore) Dir(tenantID string) string {
	return filepath.Join(c.root, tenantID)
}

// Exists reports whether the tenant has stored credentials.
func (c *CredentialStore) Exists(tenantID string) bool {
	_, err := os.Stat(filepath.Join(c.Dir(tenantID), credentialFile))
	return err == nil
}

// Remove deletes the tenant's credential directory and everything in it.
// Removing a missing directory is not an error.
func (c *CredentialStore) Remove(tenantID string) error {
	if err := os.RemoveAll(c.Dir(tenantID)); err != nil {
		return fmt.Errorf("removing credentials for %s: %w", tenantID, err)
	}
	return nil
}

// List returns the tenants that have stored credentials, for restoring
// sessions at startup.
func (c *CredentialStore) List() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("reading sessions dir: %w", err)
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() && c.Exists(e.Name()) {
			tenants = append(tenants, e.Name())
		}
	}
	return tenants, nil
}

// validTenantID rejects IDs that would escape the credential root or
// collide with path syntax.
func validTenantID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
