package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/facturalink/sri-engine/internal/security/secretbox"
)

// Container is an encrypted credential container together with the
// passphrase that opens it.
type Container struct {
	Data       []byte
	Passphrase string
}

// Resolver locates the encrypted container for a tenant. Implementations
// must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (*Container, error)
}

// StaticResolver serves containers registered in memory. Used by tests and
// by single-tenant CLI invocations where the container comes from a flag.
type StaticResolver struct {
	mu         sync.RWMutex
	containers map[string]Container
}

// NewStaticResolver creates an empty in-memory resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{containers: make(map[string]Container)}
}

// Register associates a container with a tenant, replacing any previous one.
func (r *StaticResolver) Register(tenantID string, c Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[tenantID] = c
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, tenantID string) (*Container, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[tenantID]
	if !ok {
		return nil, ErrNotFound(tenantID)
	}
	return &Container{Data: c.Data, Passphrase: c.Passphrase}, nil
}

// FileResolver reads containers from a directory laid out as
// <dir>/<tenant>.p12 (or .pem) with the passphrase in <dir>/<tenant>.pass,
// encrypted at rest with the master key. Containers are read on every
// resolve; caching decrypted material is the Store's job.
type FileResolver struct {
	dir string
	box *secretbox.Box
}

// NewFileResolver creates a directory-backed resolver. box decrypts the
// stored passphrases; a nil box means passphrase files are plaintext, which
// is only acceptable in development setups.
func NewFileResolver(dir string, box *secretbox.Box) *FileResolver {
	return &FileResolver{dir: dir, box: box}
}

// Resolve implements Resolver.
func (r *FileResolver) Resolve(_ context.Context, tenantID string) (*Container, error) {
	data, err := r.readContainer(tenantID)
	if err != nil {
		return nil, err
	}

	passRaw, err := os.ReadFile(filepath.Join(r.dir, tenantID+".pass"))
	if err != nil {
		return nil, ErrFormat(tenantID, "passphrase file unreadable", err)
	}
	passphrase := string(passRaw)
	if r.box != nil {
		passphrase, err = r.box.Decrypt(passphrase)
		if err != nil {
			return nil, ErrDecryption(tenantID, fmt.Errorf("passphrase decryption: %w", err))
		}
	}

	return &Container{Data: data, Passphrase: passphrase}, nil
}

func (r *FileResolver) readContainer(tenantID string) ([]byte, error) {
	for _, ext := range []string{".p12", ".pfx", ".pem"} {
		data, err := os.ReadFile(filepath.Join(r.dir, tenantID+ext))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, ErrFormat(tenantID, "container file unreadable", err)
		}
	}
	return nil, ErrNotFound(tenantID)
}
