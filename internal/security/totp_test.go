package security

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTwoFactorRoundTrip(t *testing.T) {
	tf := NewTwoFactor("")
	require.Equal(t, "sntacc", tf.Issuer)

	secret, uri, err := tf.GenerateSecret("ivanov")
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	u, err := url.Parse(uri)
	require.NoError(t, err)
	require.Equal(t, "otpauth", u.Scheme)
	require.Equal(t, "totp", u.Host)
	require.Equal(t, secret, u.Query().Get("secret"))
	require.Equal(t, "sntacc", u.Query().Get("issuer"))

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	code, err := tf.Code(secret, now)
	require.NoError(t, err)
	require.Len(t, code, 6)
	require.True(t, tf.Verify(secret, code, now))
	require.True(t, tf.Verify(secret, code, now.Add(30*time.Second)), "one step of skew")
	require.False(t, tf.Verify(secret, code, now.Add(5*time.Minute)))
	require.False(t, tf.Verify(secret, "12345", now))
	require.False(t, tf.Verify("", code, now))
}

func TestProvisioningURIForExistingSecret(t *testing.T) {
	tf := NewTwoFactor("СНТ")
	secret, _, err := tf.GenerateSecret("petrov")
	require.NoError(t, err)

	uri, err := tf.ProvisioningURI(secret, "petrov")
	require.NoError(t, err)
	u, err := url.Parse(uri)
	require.NoError(t, err)
	require.Equal(t, secret, u.Query().Get("secret"))

	_, err = tf.ProvisioningURI("not base32 !!", "petrov")
	require.ErrorIs(t, err, ErrInvalidInput)
}
