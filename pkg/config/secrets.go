package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets file parameters. The file layout is salt || nonce || ciphertext.
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// In-memory decrypted secrets, loaded once at startup.
//
//nolint:gochecknoglobals // Intentional in-memory secrets store
var (
	decryptedSecrets   map[string]string
	decryptedSecretsMu sync.RWMutex
)

// GetSecret resolves a secret by name with standard precedence:
// decrypted secrets file first, then environment variable of the same name.
func GetSecret(name string) (string, error) {
	decryptedSecretsMu.RLock()
	if value, exists := decryptedSecrets[name]; exists && value != "" {
		decryptedSecretsMu.RUnlock()
		return value, nil
	}
	decryptedSecretsMu.RUnlock()

	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %q not found in secrets store or environment", name)
}

// SetDecryptedSecrets stores decrypted secrets in memory.
func SetDecryptedSecrets(secrets map[string]string) {
	decryptedSecretsMu.Lock()
	defer decryptedSecretsMu.Unlock()
	decryptedSecrets = secrets
}

// LoadSecretsFile decrypts the secrets file at path with the given password
// and installs the result into the in-memory store.
func LoadSecretsFile(path, password string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}

	secrets, err := decryptSecrets(data, password)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets file: %w", err)
	}

	SetDecryptedSecrets(secrets)
	return nil
}

// SaveSecretsFile encrypts secrets with the given password and writes them to path.
func SaveSecretsFile(path, password string, secrets map[string]string) error {
	data, err := encryptSecrets(secrets, password)
	if err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

func deriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

func encryptSecrets(secrets map[string]string, password string) ([]byte, error) {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

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

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func decryptSecrets(data []byte, password string) (map[string]string, error) {
	if len(data) < saltSize {
		return nil, fmt.Errorf("secrets file too short")
	}
	salt := data[:saltSize]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	rest := data[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("secrets file truncated")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password?): %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	return secrets, nil
}
