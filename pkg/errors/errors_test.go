package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/koopa0/pong-arena/pkg/errors"
)

// TestAppError 測試錯誤的構造與展開
func TestAppError(t *testing.T) {
	t.Run("new error carries code", func(t *testing.T) {
		err := apperrors.New(apperrors.ErrCodeRoomFull, "房間已滿")
		assert.Contains(t, err.Error(), "ROOM_FULL")
		assert.Contains(t, err.Error(), "房間已滿")
	})

	t.Run("wrap preserves cause", func(t *testing.T) {
		cause := stderrors.New("connection refused")
		err := apperrors.Wrap(apperrors.ErrCodeUpstream, "寫入失敗", cause)

		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("is matches by code", func(t *testing.T) {
		err := apperrors.New(apperrors.ErrCodeNotFound, "房間不存在")
		target := apperrors.New(apperrors.ErrCodeNotFound, "別的訊息")
		assert.ErrorIs(t, err, target)
	})

	t.Run("with details", func(t *testing.T) {
		err := apperrors.New(apperrors.ErrCodeInvalidInput, "無效輸入").WithDetails("direction=sideways")
		assert.Equal(t, "direction=sideways", err.Details)
	})
}

// TestCode 測試錯誤碼提取
func TestCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "app error",
			err:      apperrors.New(apperrors.ErrCodeRoomFull, "滿了"),
			expected: apperrors.ErrCodeRoomFull,
		},
		{
			name:     "wrapped app error",
			err:      fmt.Errorf("outer: %w", apperrors.New(apperrors.ErrCodeTimeout, "超時")),
			expected: apperrors.ErrCodeTimeout,
		},
		{
			name:     "plain error is internal",
			err:      stderrors.New("boom"),
			expected: apperrors.ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apperrors.Code(tt.err))
			assert.True(t, apperrors.IsCode(tt.err, tt.expected))
		})
	}
}
