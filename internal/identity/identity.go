// Package identity owns the node's long-lived signing identity: an Ed25519
// keypair generated on first run and persisted encrypted at rest, in the
// load-or-create, 0600-permission style of getployz-ployz's
// machine/identity_state.go.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keyFileName  = "identity.key"
	passFileName = "identity.pass"
	passEnvVar   = "MIX_IDENTITY_PASSPHRASE"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	saltSize = 16
)

// Identity is the node's long-lived signing keypair.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// onDiskFile is the encrypted envelope persisted to identity.key.
type onDiskFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store owns a node's identity file on disk.
type Store struct {
	dataDir string
}

// New returns a Store rooted at dataDir.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// LoadOrCreate reads the identity from dataDir, generating and persisting a
// new one on first run.
func (s *Store) LoadOrCreate() (Identity, error) {
	path := s.keyPath()

	data, err := os.ReadFile(path)
	if err == nil {
		return s.decrypt(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity: %w", err)
	}
	id := Identity{PrivateKey: priv, PublicKey: pub}

	if err := s.save(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Reload re-reads the identity file from disk, for the engine's Refresh
// command (DESIGN.md Open Question #2).
func (s *Store) Reload() (Identity, error) {
	data, err := os.ReadFile(s.keyPath())
	if err != nil {
		return Identity{}, fmt.Errorf("reload identity: %w", err)
	}
	return s.decrypt(data)
}

func (s *Store) save(id Identity) error {
	passphrase, err := s.passphrase()
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, id.PrivateKey, &nonce, &key)

	f := onDiskFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	tmp := s.keyPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, s.keyPath()); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

func (s *Store) decrypt(data []byte) (Identity, error) {
	var f onDiskFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Identity{}, fmt.Errorf("parse identity: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return Identity{}, fmt.Errorf("decode salt: %w", err)
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		return Identity{}, fmt.Errorf("decode nonce: %w", err)
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	ciphertext, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return Identity{}, fmt.Errorf("decode ciphertext: %w", err)
	}

	passphrase, err := s.passphrase()
	if err != nil {
		return Identity{}, err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return Identity{}, err
	}

	priv, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return Identity{}, errors.New("decrypt identity: wrong passphrase or corrupt file")
	}

	privKey := ed25519.PrivateKey(priv)
	pubKey, ok := privKey.Public().(ed25519.PublicKey)
	if !ok {
		return Identity{}, errors.New("decrypt identity: malformed private key")
	}

	return Identity{PrivateKey: privKey, PublicKey: pubKey}, nil
}

// passphrase resolves the unlock material: the environment variable first,
// falling back to identity.pass on disk, generating one on first run.
func (s *Store) passphrase() ([]byte, error) {
	if v := os.Getenv(passEnvVar); v != "" {
		return []byte(v), nil
	}

	path := filepath.Join(s.dataDir, passFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}

	generated := make([]byte, 32)
	if _, err := rand.Read(generated); err != nil {
		return nil, fmt.Errorf("generate passphrase: %w", err)
	}
	encoded := []byte(base64.RawStdEncoding.EncodeToString(generated))

	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("write passphrase: %w", err)
	}
	return encoded, nil
}

func (s *Store) keyPath() string {
	return filepath.Join(s.dataDir, keyFileName)
}

func deriveKey(passphrase, salt []byte) ([32]byte, error) {
	var key [32]byte
	derived, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return key, fmt.Errorf("derive key: %w", err)
	}
	copy(key[:], derived)
	return key, nil
}
