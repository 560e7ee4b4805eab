package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, KeySize)
}

func TestFieldCipherRoundTrip(t *testing.T) {
	cipher := NewFieldCipher()
	key := testKey(0xAA)
	aad := []byte("patients|ssn|v1|0303")

	iv, ciphertext, tag, err := cipher.Seal(key, []byte("123-45-6789"), aad)
	require.NoError(t, err)

	assert.Len(t, iv, protection.IVSize)
	assert.Len(t, tag, protection.AuthTagSize)
	assert.Len(t, ciphertext, len("123-45-6789"))
	assert.NotEqual(t, []byte("123-45-6789"), ciphertext)

	plaintext, err := cipher.Open(key, iv, ciphertext, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", string(plaintext))
}

func TestFieldCipherFreshIVPerSeal(t *testing.T) {
	cipher := NewFieldCipher()
	key := testKey(0xAA)

	iv1, ct1, _, err := cipher.Seal(key, []byte("same value"), nil)
	require.NoError(t, err)
	iv2, ct2, _, err := cipher.Seal(key, []byte("same value"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
	assert.NotEqual(t, ct1, ct2)
}

func TestFieldCipherAuthenticationFailures(t *testing.T) {
	cipher := NewFieldCipher()
	key := testKey(0xAA)
	aad := []byte("patients|ssn|v1|0303")

	iv, ciphertext, tag, err := cipher.Seal(key, []byte("secret"), aad)
	require.NoError(t, err)

	flip := func(b []byte) []byte {
		out := make([]byte, len(b))
		copy(out, b)
		out[0] ^= 0x01
		return out
	}

	tests := []struct {
		name string
		open func() ([]byte, error)
	}{
		{"wrong key", func() ([]byte, error) {
			return cipher.Open(testKey(0xBB), iv, ciphertext, tag, aad)
		}},
		{"tampered ciphertext", func() ([]byte, error) {
			return cipher.Open(key, iv, flip(ciphertext), tag, aad)
		}},
		{"tampered tag", func() ([]byte, error) {
			return cipher.Open(key, iv, ciphertext, flip(tag), aad)
		}},
		{"tampered iv", func() ([]byte, error) {
			return cipher.Open(key, flip(iv), ciphertext, tag, aad)
		}},
		{"different associated data", func() ([]byte, error) {
			return cipher.Open(key, iv, ciphertext, tag, []byte("patients|ssn|v2|0303"))
		}},
		{"missing associated data", func() ([]byte, error) {
			return cipher.Open(key, iv, ciphertext, tag, nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext, err := tt.open()
			require.Error(t, err)
			assert.Nil(t, plaintext)

			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "AUTH_TAG_MISMATCH", appErr.Code)
			assert.Equal(t, errors.ErrorTypeCrypto, appErr.Type)
		})
	}
}

func TestFieldCipherInputValidation(t *testing.T) {
	cipher := NewFieldCipher()
	key := testKey(0xAA)

	t.Run("short key rejected on seal", func(t *testing.T) {
		_, _, _, err := cipher.Seal([]byte("short"), []byte("x"), nil)
		require.Error(t, err)

		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "ENCRYPTION_FAILED", appErr.Code)
	})

	iv, ciphertext, tag, err := cipher.Seal(key, []byte("x"), nil)
	require.NoError(t, err)

	t.Run("short iv rejected on open", func(t *testing.T) {
		_, err := cipher.Open(key, iv[:8], ciphertext, tag, nil)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "DECRYPTION_FAILED", appErr.Code)
	})

	t.Run("short tag rejected on open", func(t *testing.T) {
		_, err := cipher.Open(key, iv, ciphertext, tag[:8], nil)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "DECRYPTION_FAILED", appErr.Code)
	})
}

func TestFieldCipherEmptyPlaintext(t *testing.T) {
	cipher := NewFieldCipher()
	key := testKey(0xAA)

	iv, ciphertext, tag, err := cipher.Seal(key, []byte{}, nil)
	require.NoError(t, err)
	assert.Empty(t, ciphertext)

	plaintext, err := cipher.Open(key, iv, ciphertext, tag, nil)
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}
