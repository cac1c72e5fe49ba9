package keyring

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cipherchat/internal/crypto"
)

// ErrIdentityMissing means no local identity key pair exists yet.
// Recoverable: the manager generates one and uploads its public half.
var ErrIdentityMissing = errors.New("no local identity key")

// Store is the local secure storage boundary for identity key material.
// The private key never leaves this boundary except into process memory.
type Store interface {
	LoadIdentity(userID int) (*crypto.IdentityKeyPair, error)
	SaveIdentity(userID int, pair *crypto.IdentityKeyPair) error
}

// FileStore keeps identity keys as JWK files under a directory,
// one pair per user, readable only by the owner.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("key store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadIdentity(userID int) (*crypto.IdentityKeyPair, error) {
	data, err := os.ReadFile(s.privPath(userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrIdentityMissing
		}
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	priv, err := crypto.ParsePrivateJWK(data)
	if err != nil {
		return nil, fmt.Errorf("stored identity key unreadable: %w", err)
	}
	return &crypto.IdentityKeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

func (s *FileStore) SaveIdentity(userID int, pair *crypto.IdentityKeyPair) error {
	privJWK, err := crypto.MarshalPrivateJWK(pair.Private)
	if err != nil {
		return err
	}
	pubJWK, err := crypto.MarshalPublicJWK(pair.Public)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.privPath(userID), privJWK, 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	// The public half is kept alongside for convenience; it is not secret.
	if err := os.WriteFile(s.pubPath(userID), pubJWK, 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

func (s *FileStore) privPath(userID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("identity_%d.jwk", userID))
}

func (s *FileStore) pubPath(userID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("identity_%d.pub.jwk", userID))
}
