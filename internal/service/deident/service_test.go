package deident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/service/detection"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	detector := detection.NewService(nil, nil, zaptest.NewLogger(t), nil)
	svc, err := NewService(detector, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return svc
}

func TestNewService(t *testing.T) {
	t.Run("requires detector", func(t *testing.T) {
		_, err := NewService(nil, nil, nil)

		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "MISSING_DETECTOR", appErr.Code)
	})

	t.Run("nil logger tolerated", func(t *testing.T) {
		detector := detection.NewService(nil, nil, nil, nil)
		svc, err := NewService(detector, nil, nil)

		require.NoError(t, err)
		assert.NotNil(t, svc.logger)
	})
}
