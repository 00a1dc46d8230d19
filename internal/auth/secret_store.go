package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BradenHooton/totpgate/internal/models"
	"github.com/BradenHooton/totpgate/pkg/logger"
	"golang.org/x/crypto/argon2"
)

// SecretSource names where the active TOTP secret came from
type SecretSource string

const (
	SecretFromEnvironment SecretSource = "environment"
	SecretFromFile        SecretSource = "file"
	SecretGenerated       SecretSource = "generated"
)

// SecretInfo is the non-sensitive view of the active secret
type SecretInfo struct {
	Source    SecretSource `json:"source"`
	Prefix    string       `json:"secretPrefix"`
	CreatedAt time.Time    `json:"createdAt"`
	Issuer    string       `json:"issuer"`
	Encrypted bool         `json:"encrypted"`
}

// SecretCipher encrypts the persisted secret with AES-256-GCM under an
// argon2id key derived from an operator passphrase
type SecretCipher struct {
	passphrase []byte
}

// NewSecretCipher returns nil when passphrase is empty (plaintext file)
func NewSecretCipher(passphrase string) *SecretCipher {
	if passphrase == "" {
		return nil
	}
	return &SecretCipher{passphrase: []byte(passphrase)}
}

func (c *SecretCipher) deriveKey(salt []byte) []byte {
	return argon2.IDKey(c.passphrase, salt, 1, 64*1024, 4, 32)
}

// Encrypt returns (ciphertext, nonce, salt)
func (c *SecretCipher) Encrypt(plaintext []byte) ([]byte, []byte, []byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(c.deriveKey(salt))
	if err != nil {
		return nil, nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, salt, nil
}

// Decrypt reverses Encrypt
func (c *SecretCipher) Decrypt(ciphertext, nonce, salt []byte) ([]byte, error) {
	gcm, err := newGCM(c.deriveKey(salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// secretFile is the on-disk layout of the secret file
type secretFile struct {
	Secret     string    `json:"secret,omitempty"`
	Ciphertext string    `json:"ciphertext,omitempty"`
	Nonce      string    `json:"nonce,omitempty"`
	Salt       string    `json:"salt,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Issuer     string    `json:"issuer"`
}

// SecretProviderConfig selects how the secret is resolved
type SecretProviderConfig struct {
	EnvSecret string // Takes precedence when set
	FilePath  string // Persisted secret; empty disables persistence
	Cipher    *SecretCipher
}

// SecretProvider owns the single TOTP secret of the gate.
// Resolution order: environment, secret file, freshly generated.
type SecretProvider struct {
	mu     sync.RWMutex
	secret string
	info   SecretInfo
	cfg    SecretProviderConfig
	totp   *TOTPManager
	logger *slog.Logger
}

// NewSecretProvider resolves the active secret
func NewSecretProvider(cfg SecretProviderConfig, tm *TOTPManager, logger *slog.Logger) (*SecretProvider, error) {
	p := &SecretProvider{cfg: cfg, totp: tm, logger: logger}

	if cfg.EnvSecret != "" {
		if _, err := decodeSecret(cfg.EnvSecret); err != nil {
			return nil, fmt.Errorf("TOTP_SECRET: %w", err)
		}
		p.set(cfg.EnvSecret, SecretFromEnvironment, time.Now())
		logger.Info("using TOTP secret from environment")
		return p, nil
	}

	if cfg.FilePath != "" {
		secret, createdAt, err := p.readFile()
		switch {
		case err == nil:
			p.set(secret, SecretFromFile, createdAt)
			logger.Info("loaded TOTP secret from file", slog.String("path", cfg.FilePath))
			return p, nil
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	secret, err := tm.GenerateSecret()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := p.writeFile(secret, now); err != nil {
		return nil, err
	}
	p.set(secret, SecretGenerated, now)
	logger.Warn("generated new TOTP secret, complete setup before first login",
		slog.String("path", cfg.FilePath))

	return p, nil
}

// Current returns the active base32 secret
func (p *SecretProvider) Current() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.secret == "" {
		return "", models.ErrSecretUnavailable
	}
	return p.secret, nil
}

// Info returns the non-sensitive description of the active secret
func (p *SecretProvider) Info() SecretInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// Rotate replaces the active secret and persists it.
// Returns the new secret and the masked prefix of the previous one.
func (p *SecretProvider) Rotate() (string, string, error) {
	secret, err := p.totp.GenerateSecret()
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	if err := p.writeFile(secret, now); err != nil {
		return "", "", err
	}

	p.mu.Lock()
	previous := logger.MaskSecret(p.secret, 8)
	p.mu.Unlock()

	source := SecretFromFile
	if p.cfg.FilePath == "" {
		source = SecretGenerated
	}
	p.set(secret, source, now)

	p.logger.Warn("TOTP secret rotated, authenticator apps must be re-enrolled",
		slog.String("previous_prefix", previous))

	return secret, previous, nil
}

func (p *SecretProvider) set(secret string, source SecretSource, createdAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.secret = secret
	p.info = SecretInfo{
		Source:    source,
		Prefix:    logger.MaskSecret(secret, 8),
		CreatedAt: createdAt,
		Issuer:    p.totp.Issuer(),
		Encrypted: p.cfg.Cipher != nil && source != SecretFromEnvironment,
	}
}

func (p *SecretProvider) readFile() (string, time.Time, error) {
	data, err := os.ReadFile(p.cfg.FilePath)
	if err != nil {
		return "", time.Time{}, err
	}

	var f secretFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse secret file: %w", err)
	}

	if f.Ciphertext == "" {
		if _, err := decodeSecret(f.Secret); err != nil {
			return "", time.Time{}, fmt.Errorf("secret file: %w", err)
		}
		return f.Secret, f.CreatedAt, nil
	}

	if p.cfg.Cipher == nil {
		return "", time.Time{}, fmt.Errorf("secret file is encrypted but SECRET_ENCRYPTION_KEY is not set")
	}

	ciphertext, err1 := base64.StdEncoding.DecodeString(f.Ciphertext)
	nonce, err2 := base64.StdEncoding.DecodeString(f.Nonce)
	salt, err3 := base64.StdEncoding.DecodeString(f.Salt)
	if err := errors.Join(err1, err2, err3); err != nil {
		return "", time.Time{}, fmt.Errorf("secret file encoding: %w", err)
	}

	plaintext, err := p.cfg.Cipher.Decrypt(ciphertext, nonce, salt)
	if err != nil {
		return "", time.Time{}, err
	}
	return string(plaintext), f.CreatedAt, nil
}

func (p *SecretProvider) writeFile(secret string, createdAt time.Time) error {
	if p.cfg.FilePath == "" {
		return nil
	}

	f := secretFile{CreatedAt: createdAt, Issuer: p.totp.Issuer()}
	if p.cfg.Cipher != nil {
		ciphertext, nonce, salt, err := p.cfg.Cipher.Encrypt([]byte(secret))
		if err != nil {
			return err
		}
		f.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
		f.Nonce = base64.StdEncoding.EncodeToString(nonce)
		f.Salt = base64.StdEncoding.EncodeToString(salt)
	} else {
		f.Secret = secret
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode secret file: %w", err)
	}

	// Write then rename so a crash never leaves a truncated secret
	tmp := p.cfg.FilePath + ".tmp"
	if dir := filepath.Dir(p.cfg.FilePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create secret directory: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	if err := os.Rename(tmp, p.cfg.FilePath); err != nil {
		return fmt.Errorf("failed to replace secret file: %w", err)
	}
	return nil
}
