// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"

	"github.com/yllada/ovpn-manager/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "ovpn-manager"
	probeKey    = "ovpn-manager-probe"
)

// Key derivation parameters for the file fallback.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLength    = 32
)

// Store keeps per-profile credentials. It implements common.CredentialStore.
type Store struct {
	mu      sync.Mutex
	useFile bool
	file    string
	key     []byte
	log     *common.AppLogger
}

var _ common.CredentialStore = (*Store)(nil)

// New opens the credential store. When useKeyring is set and the system
// keyring answers, secrets go there; otherwise they are kept encrypted in
// dir/.credentials.
func New(dir string, useKeyring bool) *Store {
	s := &Store{
		file: filepath.Join(dir, common.CredentialsFileName),
		key:  deriveKey(machineID(), os.Getuid()),
		log:  common.GetLogger().With("keyring"),
	}

	s.useFile = !useKeyring || !keyringAvailable()
	if s.useFile {
		s.log.Debug("Using encrypted file storage at %s", s.file)
	}
	return s
}

func keyringAvailable() bool {
	if err := keyring.Set(serviceName, probeKey, "probe"); err != nil {
		return false
	}
	keyring.Delete(serviceName, probeKey)
	return true
}

// Backend names the storage in use.
func (s *Store) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useFile {
		return "file"
	}
	return "keyring"
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	hostname, _ := os.Hostname()
	return hostname
}

func deriveKey(secret string, uid int) []byte {
	salt := []byte(fmt.Sprintf("%s-%d", serviceName, uid))
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, keyLength)
}

// Store saves credentials for a VPN profile.
func (s *Store) Store(profileID string, creds common.Credentials) error {
	if profileID == "" {
		return common.ErrEmptyID
	}
	if creds.Empty() {
		return fmt.Errorf("%w: username and password cannot both be empty", common.ErrCredentialStorage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useFile {
		data, err := json.Marshal(creds)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
		err = keyring.Set(serviceName, profileID, string(data))
		if err == nil {
			return nil
		}
		s.log.Warn("System keyring failed, falling back to file storage: %v", err)
		s.useFile = true
	}

	all, err := s.load()
	if err != nil {
		return err
	}
	all[profileID] = creds
	return s.save(all)
}

// Get retrieves credentials for a VPN profile.
func (s *Store) Get(profileID string) (common.Credentials, error) {
	if profileID == "" {
		return common.Credentials{}, common.ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useFile {
		secret, err := keyring.Get(serviceName, profileID)
		switch {
		case err == nil:
			var creds common.Credentials
			if err := json.Unmarshal([]byte(secret), &creds); err != nil {
				return common.Credentials{}, fmt.Errorf("%w: %v", common.ErrDecryption, err)
			}
			return creds, nil
		case !errors.Is(err, keyring.ErrNotFound):
			s.log.Warn("System keyring read failed: %v", err)
		}
	}

	// The file also holds anything written after a keyring failure.
	all, err := s.load()
	if err != nil {
		return common.Credentials{}, err
	}
	creds, ok := all[profileID]
	if !ok {
		return common.Credentials{}, fmt.Errorf("%w: %s", common.ErrCredentialsNotFound, profileID)
	}
	return creds, nil
}

// Delete removes credentials for a VPN profile. Deleting missing
// credentials is not an error.
func (s *Store) Delete(profileID string) error {
	if profileID == "" {
		return common.ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useFile {
		if err := keyring.Delete(serviceName, profileID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			s.log.Warn("System keyring delete failed: %v", err)
		}
	}

	if !common.FileExists(s.file) {
		return nil
	}
	all, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := all[profileID]; !ok {
		return nil
	}
	delete(all, profileID)
	return s.save(all)
}

// Exists checks if credentials exist for a VPN profile.
func (s *Store) Exists(profileID string) bool {
	_, err := s.Get(profileID)
	return err == nil
}

func (s *Store) load() (map[string]common.Credentials, error) {
	all := make(map[string]common.Credentials)
	data, err := os.ReadFile(s.file)
	if errors.Is(err, os.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}

	plain, err := s.decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if err := json.Unmarshal(plain, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return all, nil
}

func (s *Store) save(all map[string]common.Credentials) error {
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	encrypted, err := s.encrypt(data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := os.WriteFile(s.file, encrypted, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
