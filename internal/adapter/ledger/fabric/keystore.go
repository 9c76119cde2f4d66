package fabric

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyStore resolves an identity's PrivateKeyRef to PEM key material.
type KeyStore interface {
	PrivateKey(ref string) ([]byte, error)
}

// FileKeyStore reads keys from files below Dir. A ref is a path relative to Dir.
type FileKeyStore struct {
	Dir string
}

func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{Dir: dir}
}

// PrivateKey returns the PEM key stored at ref
func (s *FileKeyStore) PrivateKey(ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("private key reference is empty")
	}
	root, err := filepath.Abs(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key dir: %w", err)
	}
	path := filepath.Join(root, filepath.Clean("/"+ref))
	if !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("private key reference %q escapes key dir", ref)
	}

	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %q: %w", ref, err)
	}
	return key, nil
}
