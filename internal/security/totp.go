package security

import (
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const defaultIssuer = "sntacc"

// TwoFactor generates and checks RFC 6238 codes: SHA1, 6 digits, 30s step,
// one step of skew either side.
type TwoFactor struct {
	Issuer string
}

// NewTwoFactor returns a TwoFactor for issuer, defaulting to "sntacc".
func NewTwoFactor(issuer string) TwoFactor {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	return TwoFactor{Issuer: issuer}
}

func (t TwoFactor) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateSecret creates a fresh random base32 secret and its provisioning URI.
func (t TwoFactor) GenerateSecret(label string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer(),
		AccountName: label,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// ProvisioningURI renders the otpauth:// URI for an existing secret.
func (t TwoFactor) ProvisioningURI(secret, label string) (string, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return "", fmt.Errorf("%w: malformed totp secret", ErrInvalidInput)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer(),
		AccountName: label,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Secret:      raw,
	})
	if err != nil {
		return "", fmt.Errorf("build provisioning uri: %w", err)
	}
	return key.URL(), nil
}

// Verify checks code against secret at now. It has no side effects.
func (t TwoFactor) Verify(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != int(otp.DigitsSix) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), t.validateOpts())
	return err == nil && ok
}

// Code returns the current code for secret; used by tooling and tests.
func (t TwoFactor) Code(secret string, now time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, now.UTC(), t.validateOpts())
}

func (t TwoFactor) issuer() string {
	if t.Issuer == "" {
		return defaultIssuer
	}
	return t.Issuer
}
