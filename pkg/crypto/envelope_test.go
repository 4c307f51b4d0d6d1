package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("test-key")
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "simple secret", plaintext: "abc"},
		{name: "empty string", plaintext: ""},
		{name: "json payload", plaintext: `{"TOKEN":"abc","OTHER":"value"}`},
		{name: "large value", plaintext: strings.Repeat("x", 64*1024)},
		{name: "binary-ish", plaintext: "line1\nline2\x00tail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			token, err := env.EncryptString(tt.plaintext)
			require.NoError(t, err)
			assert.NotContains(t, token, tt.plaintext)

			recovered, err := env.DecryptString(token)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, recovered)
		})
	}
}

func TestEnvelope_FreshNoncePerCall(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("test-key")
	require.NoError(t, err)

	first, err := env.EncryptString("same plaintext")
	require.NoError(t, err)
	second, err := env.EncryptString("same plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "two encryptions of the same plaintext must differ")
}

func TestEnvelope_TamperedCiphertext(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("test-key")
	require.NoError(t, err)

	token, err := env.EncryptString("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flip one byte past the version and nonce.
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = env.DecryptString(tampered)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEnvelope_WrongKey(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("key-one")
	require.NoError(t, err)
	other, err := NewEnvelope("key-two")
	require.NoError(t, err)

	token, err := env.EncryptString("secret")
	require.NoError(t, err)

	_, err = other.DecryptString(token)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEnvelope_UnknownVersion(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("test-key")
	require.NoError(t, err)

	token, err := env.EncryptString("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	raw[0] = 0x7f

	_, err = env.DecryptString(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestEnvelope_MalformedTokens(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope("test-key")
	require.NoError(t, err)

	for _, token := range []string{"", "not base64!!!", base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})} {
		_, err := env.DecryptString(token)
		assert.Error(t, err, "token %q should fail", token)
	}
}

func TestNewEnvelope_EmptyKey(t *testing.T) {
	t.Parallel()

	_, err := NewEnvelope("")
	assert.Error(t, err)
}
