package credkit

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeyLength is the size of the wrapped master key in bytes.
	MasterKeyLength = 32

	// storageDomainTag identifies the storage domain; it is bound into the
	// ciphertext as associated data and into the HKDF derivation, so records
	// from another domain never decrypt here.
	storageDomainTag = "tcred.credstore.v1"
)

var (
	errEmptyMasterKey  = errors.New("credstore.crypto.empty_master_key")
	errShortMasterKey  = errors.New("credstore.crypto.short_master_key")
	errEmptyKeyName    = errors.New("credstore.crypto.empty_key_name")
	errEmptyKeyDir     = errors.New("credstore.crypto.empty_key_directory")
	errMalformedSealed = errors.New("credstore.crypto.malformed_ciphertext")
)

// MasterKeySource supplies the wrapped master key from the platform's secure
// key facility, referenced by a fixed logical key name. The master key is only
// ever used to derive the data key; it never encrypts payloads directly.
type MasterKeySource interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// FileMasterKeySource keeps the master key in a mode-0600 file, creating a
// random key on first use. It stands in for a hardware keystore on platforms
// that do not expose one.
type FileMasterKeySource struct {
	keyPath string
}

// NewFileMasterKeySource constructs a file-backed key source under the given
// directory and logical key name.
func NewFileMasterKeySource(keyDirectory string, keyName string) (*FileMasterKeySource, error) {
	if strings.TrimSpace(keyDirectory) == "" {
		return nil, fmt.Errorf("credstore.keysource.new: %w", errEmptyKeyDir)
	}
	if strings.TrimSpace(keyName) == "" {
		return nil, fmt.Errorf("credstore.keysource.new: %w", errEmptyKeyName)
	}
	return &FileMasterKeySource{
		keyPath: filepath.Join(keyDirectory, keyName+".key"),
	}, nil
}

// MasterKey reads the key file, creating a fresh random key when absent.
func (source *FileMasterKeySource) MasterKey(ctx context.Context) ([]byte, error) {
	encoded, readErr := os.ReadFile(source.keyPath)
	if readErr == nil {
		keyBytes, decodeErr := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(encoded)))
		if decodeErr != nil {
			return nil, fmt.Errorf("credstore.keysource.decode: %w", decodeErr)
		}
		if len(keyBytes) < MasterKeyLength {
			return nil, fmt.Errorf("credstore.keysource.decode: %w", errShortMasterKey)
		}
		return keyBytes, nil
	}
	if !errors.Is(readErr, os.ErrNotExist) {
		return nil, fmt.Errorf("credstore.keysource.read: %w", readErr)
	}

	keyBytes := make([]byte, MasterKeyLength)
	if _, randomErr := rand.Read(keyBytes); randomErr != nil {
		return nil, fmt.Errorf("credstore.keysource.random: %w", randomErr)
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(source.keyPath), 0o700); mkdirErr != nil {
		return nil, fmt.Errorf("credstore.keysource.mkdir: %w", mkdirErr)
	}
	payload := base64.RawURLEncoding.EncodeToString(keyBytes)
	if writeErr := os.WriteFile(source.keyPath, []byte(payload), 0o600); writeErr != nil {
		return nil, fmt.Errorf("credstore.keysource.write: %w", writeErr)
	}
	return keyBytes, nil
}

// StaticMasterKeySource serves a fixed key; intended for tests and dev.
type StaticMasterKeySource struct {
	key []byte
}

// NewStaticMasterKeySource wraps the provided key bytes.
func NewStaticMasterKeySource(key []byte) *StaticMasterKeySource {
	return &StaticMasterKeySource{key: key}
}

// MasterKey returns the fixed key.
func (source *StaticMasterKeySource) MasterKey(ctx context.Context) ([]byte, error) {
	if len(source.key) == 0 {
		return nil, fmt.Errorf("credstore.keysource.static: %w", errEmptyMasterKey)
	}
	return source.key, nil
}

// aeadSealer encrypts and decrypts credential fields with XChaCha20-Poly1305.
// The data key is derived from the master key and the storage domain tag, and
// the tag doubles as associated data so tampering is always detected.
type aeadSealer struct {
	aead cipher.AEAD
}

func newAEADSealer(masterKey []byte) (*aeadSealer, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("credstore.crypto.derive: %w", errEmptyMasterKey)
	}
	derivedKey := make([]byte, chacha20poly1305.KeySize)
	keyReader := hkdf.New(sha256.New, masterKey, nil, []byte(storageDomainTag))
	if _, deriveErr := io.ReadFull(keyReader, derivedKey); deriveErr != nil {
		return nil, fmt.Errorf("credstore.crypto.derive: %w", deriveErr)
	}
	aead, cipherErr := chacha20poly1305.NewX(derivedKey)
	if cipherErr != nil {
		return nil, fmt.Errorf("credstore.crypto.cipher: %w", cipherErr)
	}
	return &aeadSealer{aead: aead}, nil
}

// seal encrypts plaintext and returns base64(nonce || ciphertext).
func (sealer *aeadSealer) seal(plaintext string) (string, error) {
	nonce := make([]byte, sealer.aead.NonceSize())
	if _, randomErr := rand.Read(nonce); randomErr != nil {
		return "", fmt.Errorf("credstore.crypto.seal: %w", ErrCryptoSealFailed)
	}
	sealed := sealer.aead.Seal(nonce, nonce, []byte(plaintext), []byte(storageDomainTag))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// open decrypts base64(nonce || ciphertext) and authenticates it. Any failure
// surfaces ErrCryptoOpenFailed; corrupted plaintext is never returned.
func (sealer *aeadSealer) open(encoded string) (string, error) {
	sealed, decodeErr := base64.RawURLEncoding.DecodeString(encoded)
	if decodeErr != nil {
		return "", fmt.Errorf("credstore.crypto.open: %w", ErrCryptoOpenFailed)
	}
	nonceSize := sealer.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("credstore.crypto.open: %w", errMalformedSealed)
	}
	plaintext, openErr := sealer.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(storageDomainTag))
	if openErr != nil {
		return "", fmt.Errorf("credstore.crypto.open: %w", ErrCryptoOpenFailed)
	}
	return string(plaintext), nil
}
