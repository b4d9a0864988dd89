package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/types"
)

// File layout, all lengths big-endian:
//
//	[0]     version byte (currently 1)
//	[1:5]   key-id (uint32, bumped on rotation)
//	[5:7]   wrapped data-key length
//	[...]   wrapped data key (nonce + GCM ciphertext under the KEK)
//	[...]   nonce + GCM ciphertext of the JSON entry set under the data key
const fileVersion = 1

const (
	filePerm = 0o600
	seedSize = 32
	keySize  = 32 // AES-256
)

type entry struct {
	Username  string    `json:"username"`
	Secret    string    `json:"secret"`
	Token     string    `json:"token,omitempty"`
	RotatedAt time.Time `json:"rotated_at"`
	Valid     bool      `json:"valid"`
}

// Vault stores upstream credentials encrypted at rest. The data key is
// wrapped by a key derived from a machine-local seed created at first
// start; plaintext credentials exist only in process memory.
type Vault struct {
	mu      sync.RWMutex
	path    string
	kek     []byte
	dataKey []byte
	keyID   uint32
	entries map[types.Source]*entry
}

// Open loads the vault at path, creating an empty one on first start.
// pepper is optional operator-supplied key material (SECRET_KEY) mixed
// into the key derivation; a vault written with a pepper cannot be
// opened without it. A present but unreadable or undecryptable file is
// a vault_corrupt error; callers must treat it as fatal rather than
// re-initializing.
func Open(path, seedPath string, pepper []byte) (*Vault, error) {
	kek, err := deriveKEK(seedPath, pepper)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		path:    path,
		kek:     kek,
		entries: make(map[types.Source]*entry),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		v.dataKey, err = randomKey()
		if err != nil {
			return nil, err
		}
		v.keyID = 1
		if err := v.persistLocked(); err != nil {
			return nil, err
		}
		logger := log.WithComponent("vault")
		logger.Info().Str("path", path).Msg("initialized new credential vault")
		return v, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindVaultCorrupt, "read vault file", err)
	}

	if err := v.decode(data); err != nil {
		return nil, err
	}

	// Permission drift is repaired, not ignored.
	if err := os.Chmod(path, filePerm); err != nil {
		return nil, types.Wrap(types.KindVaultCorrupt, "enforce vault permissions", err)
	}
	return v, nil
}

func (v *Vault) decode(data []byte) error {
	if len(data) < 7 {
		return types.E(types.KindVaultCorrupt, "vault file truncated")
	}
	if data[0] != fileVersion {
		return types.Ef(types.KindVaultCorrupt, "unsupported vault version %d", data[0])
	}
	v.keyID = binary.BigEndian.Uint32(data[1:5])
	wrappedLen := int(binary.BigEndian.Uint16(data[5:7]))
	if len(data) < 7+wrappedLen {
		return types.E(types.KindVaultCorrupt, "vault file truncated")
	}
	wrapped := data[7 : 7+wrappedLen]
	body := data[7+wrappedLen:]

	dataKey, err := unseal(v.kek, wrapped)
	if err != nil {
		return types.Wrap(types.KindVaultCorrupt, "unwrap data key", err)
	}
	if len(dataKey) != keySize {
		return types.E(types.KindVaultCorrupt, "unwrapped data key has wrong size")
	}
	plaintext, err := unseal(dataKey, body)
	if err != nil {
		return types.Wrap(types.KindVaultCorrupt, "decrypt entries", err)
	}
	entries := make(map[types.Source]*entry)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return types.Wrap(types.KindVaultCorrupt, "parse entries", err)
	}
	v.dataKey = dataKey
	v.entries = entries
	return nil
}

// Get returns the decrypted credential for source.
func (v *Vault) Get(source types.Source) (*types.Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	e, ok := v.entries[source]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "no credential for %s", source)
	}
	return &types.Credential{
		Source:    source,
		Username:  e.Username,
		Secret:    e.Secret,
		Token:     e.Token,
		RotatedAt: e.RotatedAt,
		Valid:     e.Valid,
	}, nil
}

// Put replaces the credential for source and persists the vault.
func (v *Vault) Put(source types.Source, username, secret string) error {
	return v.put(source, username, secret, "")
}

// PutToken stores an operator-injected long-lived bearer token alongside
// the account credentials, covering upstreams with interactive second
// factors the collector cannot traverse.
func (v *Vault) PutToken(source types.Source, token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[source]
	if !ok {
		e = &entry{Valid: true}
		v.entries[source] = e
	}
	e.Token = token
	e.RotatedAt = time.Now()
	return v.persistLocked()
}

func (v *Vault) put(source types.Source, username, secret, token string) error {
	if username == "" || secret == "" {
		return types.E(types.KindValidationError, "username and secret are required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries[source] = &entry{
		Username:  username,
		Secret:    secret,
		Token:     token,
		RotatedAt: time.Now(),
		Valid:     true,
	}
	return v.persistLocked()
}

// Rotate generates a new data-encryption key, re-encrypts all entries
// and bumps the key-version counter. The old key is discarded only
// after the re-encrypted file has been durably written.
func (v *Vault) Rotate() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldKey, oldID := v.dataKey, v.keyID
	newKey, err := randomKey()
	if err != nil {
		return err
	}
	v.dataKey = newKey
	v.keyID = oldID + 1
	if err := v.persistLocked(); err != nil {
		v.dataKey, v.keyID = oldKey, oldID
		return err
	}
	logger := log.WithComponent("vault")
	logger.Info().Uint32("key_id", v.keyID).Msg("vault key rotated")
	return nil
}

// Probe records the outcome of the most recent upstream authentication
// and flips the credential's validity flag.
func (v *Vault) Probe(source types.Source, ok bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, found := v.entries[source]
	if !found {
		return types.Ef(types.KindNotFound, "no credential for %s", source)
	}
	if e.Valid == ok {
		return nil
	}
	e.Valid = ok
	return v.persistLocked()
}

// List returns redacted credentials for the control plane. Secrets and
// tokens are never included.
func (v *Vault) List() []types.Credential {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]types.Credential, 0, len(v.entries))
	for src, e := range v.entries {
		out = append(out, types.Credential{
			Source:    src,
			Username:  e.Username,
			RotatedAt: e.RotatedAt,
			Valid:     e.Valid,
		})
	}
	return out
}

// KeyID returns the current key-version counter.
func (v *Vault) KeyID() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keyID
}

// persistLocked writes the vault atomically: tempfile in the same
// directory, fsync, then rename over the previous file. Callers hold mu.
func (v *Vault) persistLocked() error {
	plaintext, err := json.Marshal(v.entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}
	body, err := seal(v.dataKey, plaintext)
	if err != nil {
		return err
	}
	wrapped, err := seal(v.kek, v.dataKey)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, 7+len(wrapped)+len(body))
	buf = append(buf, fileVersion)
	buf = binary.BigEndian.AppendUint32(buf, v.keyID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(wrapped)))
	buf = append(buf, wrapped...)
	buf = append(buf, body...)

	dir := filepath.Dir(v.path)
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return fmt.Errorf("create vault tempfile: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod vault tempfile: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("write vault tempfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync vault tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close vault tempfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return fmt.Errorf("replace vault file: %w", err)
	}
	return nil
}

// seal encrypts plaintext with AES-256-GCM, nonce prepended.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// unseal decrypts data produced by seal.
func unseal(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func randomKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// deriveKEK returns the key wrapping the data key, derived from the
// machine-local seed (created at first start) and the optional pepper.
func deriveKEK(path string, pepper []byte) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		seed = make([]byte, seedSize)
		if _, rerr := io.ReadFull(rand.Reader, seed); rerr != nil {
			return nil, fmt.Errorf("failed to generate seed: %w", rerr)
		}
		if werr := os.WriteFile(path, seed, filePerm); werr != nil {
			return nil, fmt.Errorf("write seed file: %w", werr)
		}
	} else if err != nil {
		return nil, types.Wrap(types.KindVaultCorrupt, "read seed file", err)
	}
	if len(seed) < seedSize {
		return nil, types.E(types.KindVaultCorrupt, "seed file too short")
	}
	h := sha256.New()
	h.Write(seed)
	h.Write(pepper)
	return h.Sum(nil), nil
}
