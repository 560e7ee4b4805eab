package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
)

func TestNewKeyDeriver(t *testing.T) {
	tests := []struct {
		name       string
		masterKey  []byte
		iterations int
		errCode    string
	}{
		{
			name:       "valid",
			masterKey:  []byte("master-key-material"),
			iterations: MinIterations,
		},
		{
			name:       "zero iterations selects minimum",
			masterKey:  []byte("master-key-material"),
			iterations: 0,
		},
		{
			name:       "above minimum accepted",
			masterKey:  []byte("master-key-material"),
			iterations: 250_000,
		},
		{
			name:       "empty master key",
			masterKey:  nil,
			iterations: MinIterations,
			errCode:    "KEY_DERIVATION_FAILED",
		},
		{
			name:       "weak iteration count",
			masterKey:  []byte("master-key-material"),
			iterations: 99_999,
			errCode:    "INSUFFICIENT_ITERATIONS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deriver, err := NewKeyDeriver(tt.masterKey, tt.iterations)
			if tt.errCode != "" {
				require.Error(t, err)
				var appErr *errors.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.errCode, appErr.Code)
				return
			}
			require.NoError(t, err)
			assert.GreaterOrEqual(t, deriver.Iterations(), MinIterations)
		})
	}
}

func TestKeyDeriverDerive(t *testing.T) {
	deriver, err := NewKeyDeriver([]byte("master-key-material"), MinIterations)
	require.NoError(t, err)

	salt := []byte("0123456789abcdef")
	info := "patients.ssn.treatment.v1"

	key1, err := deriver.Derive(salt, info)
	require.NoError(t, err)
	assert.Len(t, key1, KeySize)

	t.Run("deterministic for same inputs", func(t *testing.T) {
		key2, err := deriver.Derive(salt, info)
		require.NoError(t, err)
		assert.Equal(t, key1, key2)
	})

	t.Run("binding string changes the key", func(t *testing.T) {
		key2, err := deriver.Derive(salt, "patients.ssn.treatment.v2")
		require.NoError(t, err)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("salt changes the key", func(t *testing.T) {
		key2, err := deriver.Derive([]byte("fedcba9876543210"), info)
		require.NoError(t, err)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("master key changes the key", func(t *testing.T) {
		other, err := NewKeyDeriver([]byte("different-master"), MinIterations)
		require.NoError(t, err)
		key2, err := other.Derive(salt, info)
		require.NoError(t, err)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("empty salt rejected", func(t *testing.T) {
		_, err := deriver.Derive(nil, info)
		require.Error(t, err)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "KEY_DERIVATION_FAILED", appErr.Code)
	})
}

func TestKeyDeriverCopiesMasterKey(t *testing.T) {
	master := []byte("master-key-material")
	deriver, err := NewKeyDeriver(master, MinIterations)
	require.NoError(t, err)

	salt := []byte("0123456789abcdef")
	key1, err := deriver.Derive(salt, "info")
	require.NoError(t, err)

	// Mutating the caller's buffer must not change future derivations.
	master[0] ^= 0xFF
	key2, err := deriver.Derive(salt, "info")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestNewSalt(t *testing.T) {
	salt1, err := NewSalt()
	require.NoError(t, err)
	assert.Len(t, salt1, protection.SaltSize)

	salt2, err := NewSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt2)
}

func TestSearchHash(t *testing.T) {
	key := testKey(0xAA)

	hash := SearchHash(key, "123-45-6789")
	assert.Len(t, hash, 64)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, hash, SearchHash(key, "123-45-6789"))
	})

	t.Run("value dependent", func(t *testing.T) {
		assert.NotEqual(t, hash, SearchHash(key, "123-45-6780"))
	})

	t.Run("key dependent", func(t *testing.T) {
		assert.NotEqual(t, hash, SearchHash(testKey(0xBB), "123-45-6789"))
	})

	t.Run("constant time match", func(t *testing.T) {
		assert.True(t, SearchHashMatches(key, "123-45-6789", hash))
		assert.False(t, SearchHashMatches(key, "123-45-6780", hash))
	})
}
