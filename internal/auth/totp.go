package auth

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	totpPeriod     = 30
	totpSecretSize = 20 // 160-bit secret, 32 base32 characters
	codeLength     = 6
)

// TOTPManager handles TOTP secret generation, provisioning and validation
type TOTPManager struct {
	issuer      string // Issuer name shown in authenticator apps
	accountName string // Account label shown in authenticator apps
	skew        uint   // Accepted time steps on either side of now
}

// NewTOTPManager creates a new TOTP manager.
// skew is the number of 30s steps accepted on each side of the current one;
// 2 gives the ±60s window authenticator apps usually need.
func NewTOTPManager(issuer, accountName string, skew uint) *TOTPManager {
	return &TOTPManager{
		issuer:      issuer,
		accountName: accountName,
		skew:        skew,
	}
}

// Issuer returns the issuer embedded in provisioning URIs
func (tm *TOTPManager) Issuer() string {
	return tm.issuer
}

// GenerateSecret creates a new base32 TOTP secret
func (tm *TOTPManager) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: tm.accountName,
		SecretSize:  totpSecretSize,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	return key.Secret(), nil
}

// ProvisioningURI builds the otpauth:// URI for an existing base32 secret
func (tm *TOTPManager) ProvisioningURI(secret string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: tm.accountName,
		Secret:      raw,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build provisioning key: %w", err)
	}

	return key.URL(), nil
}

// QRCodeDataURL renders the provisioning URI of secret as a PNG data URL
func (tm *TOTPManager) QRCodeDataURL(secret string) (string, error) {
	uri, err := tm.ProvisioningURI(secret)
	if err != nil {
		return "", err
	}

	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Validate checks a 6-digit code against secret at the given instant.
// A malformed secret is an error so callers can fail closed.
func (tm *TOTPManager) Validate(secret, code string, at time.Time) (bool, error) {
	if _, err := decodeSecret(secret); err != nil {
		return false, err
	}

	valid, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      tm.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		if err == otp.ErrValidateInputInvalidLength {
			return false, nil
		}
		return false, fmt.Errorf("failed to validate TOTP: %w", err)
	}

	return valid, nil
}

// GenerateCode returns the code for secret at the given instant
func (tm *TOTPManager) GenerateCode(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}

// IsValidCodeFormat reports whether code is exactly six ASCII digits
func IsValidCodeFormat(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimSpace(secret))
	if normalized == "" {
		return nil, fmt.Errorf("empty TOTP secret")
	}
	if n := len(normalized) % 8; n != 0 {
		normalized += strings.Repeat("=", 8-n)
	}
	raw, err := base32.StdEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid base32 TOTP secret: %w", err)
	}
	return raw, nil
}
