package capability

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

// VaultFile is the default vault file name.
const VaultFile = ".valet.vault"

// Argon2id parameters and salt length for key derivation.
const (
	vaultArgonTime    = 3
	vaultArgonMemory  = 64 * 1024
	vaultArgonThreads = 4
	vaultKeyLen       = 32
	vaultSaltLen      = 16
)

// vaultVerifyEntry is the sentinel used to check the master password.
const vaultVerifyEntry = "__verify__"

type vaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type vaultFile struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	Entries map[string]vaultEntry `json:"entries"`
}

// Vault stores capability credentials encrypted with AES-256-GCM under a
// key derived from a master password via Argon2id. The password itself is
// never written anywhere; the derived key lives in memory while unlocked.
type Vault struct {
	path string

	mu   sync.RWMutex
	key  []byte
	data *vaultFile
}

// NewVault points at a vault file. Call Create or Unlock before use.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether the vault file is on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Unlocked reports whether Get/Set are currently usable.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create initializes a fresh vault protected by password.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}

	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = vaultDeriveKey(password, salt)
	v.data = &vaultFile{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]vaultEntry),
	}

	verify, err := vaultSeal(v.key, []byte("valet-vault-ok"))
	if err != nil {
		return fmt.Errorf("seal verification entry: %w", err)
	}
	v.data.Entries[vaultVerifyEntry] = verify

	return v.flushLocked()
}

// Unlock loads the vault and verifies the password against the sentinel.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("read vault: %w", err)
	}

	var data vaultFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse vault: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}

	key := vaultDeriveKey(password, salt)
	if verify, ok := data.Entries[vaultVerifyEntry]; ok {
		if _, err := vaultOpen(key, verify); err != nil {
			return fmt.Errorf("wrong password")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.data = &data
	return nil
}

// Lock zeroes the derived key and locks the vault.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Set encrypts and stores a secret. The vault must be unlocked.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return fmt.Errorf("vault is locked")
	}

	entry, err := vaultSeal(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	return v.flushLocked()
}

// Get decrypts a secret; empty string when the name is absent.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return "", fmt.Errorf("vault is locked")
	}
	entry, ok := v.data.Entries[name]
	if !ok {
		return "", nil
	}
	plain, err := vaultOpen(v.key, entry)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes a secret. The vault must be unlocked.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return fmt.Errorf("vault is locked")
	}
	delete(v.data.Entries, name)
	return v.flushLocked()
}

// Names lists stored secret names, excluding internal entries.
func (v *Vault) Names() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil || v.data == nil {
		return nil
	}
	var names []string
	for k := range v.data.Entries {
		if k == vaultVerifyEntry {
			continue
		}
		names = append(names, k)
	}
	return names
}

func (v *Vault) flushLocked() error {
	raw, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	if err := os.WriteFile(v.path, raw, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

func vaultDeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt,
		vaultArgonTime, vaultArgonMemory, vaultArgonThreads, vaultKeyLen)
}

func vaultSeal(key, plaintext []byte) (vaultEntry, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return vaultEntry{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return vaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return vaultEntry{}, err
	}
	return vaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func vaultOpen(key []byte, entry vaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed")
	}
	return plain, nil
}

// ReadPassword prompts without echoing. Falls back to plain stdin when not
// attached to a terminal (piped input).
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	password, err := term.ReadPassword(fd)
	if err != nil {
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("read password: %w", readErr)
		}
		password = buf[:n]
	}
	fmt.Println()

	s := string(password)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s, nil
}
