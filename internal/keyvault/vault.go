package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// PlaintextVersion tags values that were never encrypted. Callers must treat
// it as "stored in the clear" and surface that to operators.
const PlaintextVersion = 0

const minSaltLength = 16

// VaultError signals a decryption or keyring integrity failure. Callers must
// never fall back to treating the ciphertext as plaintext.
type VaultError struct {
	Op  string
	Err error
}

func (e *VaultError) Error() string {
	return fmt.Sprintf("keyvault: %s: %v", e.Op, e.Err)
}

func (e *VaultError) Unwrap() error { return e.Err }

// Vault encrypts, decrypts, hashes, and redacts API key secrets. The keyring
// maps an integer version to an AES key so old ciphertexts stay readable
// after rotation; new encryptions always use the current version.
type Vault struct {
	keyring  map[int]cipher.AEAD
	current  int
	hashSalt []byte
}

// Options configure the vault from decoded configuration.
type Options struct {
	// Keyring maps version -> base64-encoded 16/24/32-byte AES key. An empty
	// keyring puts the vault in no-op mode: Encrypt returns the plaintext
	// tagged with PlaintextVersion.
	Keyring map[int]string
	// CurrentVersion selects the encryption key for new secrets. When absent
	// from the keyring the lowest configured version is used.
	CurrentVersion int
	// HashSalt feeds the deterministic lookup hash. Required, at least 16
	// characters.
	HashSalt string
}

// New builds a vault from the configured keyring and salt.
func New(opts Options) (*Vault, error) {
	if len(opts.HashSalt) < minSaltLength {
		return nil, fmt.Errorf("keyvault: hash salt must be at least %d characters", minSaltLength)
	}

	ring := make(map[int]cipher.AEAD, len(opts.Keyring))
	for version, encoded := range opts.Keyring {
		if version <= PlaintextVersion {
			return nil, fmt.Errorf("keyvault: keyring version %d is reserved", version)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("keyvault: keyring version %d must be base64: %w", version, err)
		}
		switch len(raw) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("keyvault: keyring version %d must decode to 16/24/32 bytes", version)
		}
		block, err := aes.NewCipher(raw)
		if err != nil {
			return nil, fmt.Errorf("keyvault: keyring version %d: %w", version, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("keyvault: keyring version %d: %w", version, err)
		}
		ring[version] = gcm
	}

	current := opts.CurrentVersion
	if _, ok := ring[current]; !ok && len(ring) > 0 {
		versions := make([]int, 0, len(ring))
		for v := range ring {
			versions = append(versions, v)
		}
		sort.Ints(versions)
		current = versions[0]
	}
	if len(ring) == 0 {
		current = PlaintextVersion
	}

	return &Vault{
		keyring:  ring,
		current:  current,
		hashSalt: []byte(opts.HashSalt),
	}, nil
}

// Enabled reports whether at least one encryption key is configured.
func (v *Vault) Enabled() bool {
	return len(v.keyring) > 0
}

// CurrentVersion returns the version used for new encryptions.
func (v *Vault) CurrentVersion() int {
	return v.current
}

// Encrypt seals the plaintext under the current keyring version and returns
// the base64 ciphertext with the version that produced it. With no keyring it
// returns the plaintext unchanged tagged PlaintextVersion.
func (v *Vault) Encrypt(plaintext string) (string, int, error) {
	if !v.Enabled() {
		return plaintext, PlaintextVersion, nil
	}

	gcm := v.keyring[v.current]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", 0, &VaultError{Op: "encrypt", Err: err}
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(payload), v.current, nil
}

// Decrypt opens a ciphertext produced under any configured keyring version.
// Version PlaintextVersion returns the input unchanged.
func (v *Vault) Decrypt(ciphertext string, version int) (string, error) {
	if version == PlaintextVersion {
		return ciphertext, nil
	}
	gcm, ok := v.keyring[version]
	if !ok {
		return "", &VaultError{Op: "decrypt", Err: fmt.Errorf("unknown key version %d", version)}
	}
	payload, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &VaultError{Op: "decrypt", Err: err}
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", &VaultError{Op: "decrypt", Err: fmt.Errorf("ciphertext too short")}
	}
	plain, err := gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", &VaultError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

// Hash returns the deterministic HMAC-SHA256 digest used for key lookup.
// HMAC keeps the comparison time independent of matching prefixes.
func (v *Vault) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, v.hashSalt)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Redact returns the last four characters for display.
func Redact(plaintext string) string {
	if len(plaintext) <= 4 {
		return plaintext
	}
	return plaintext[len(plaintext)-4:]
}
