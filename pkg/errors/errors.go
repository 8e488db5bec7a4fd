// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
//
// 對應遊戲伺服器的錯誤分類：
//   - 容量錯誤：房間已滿
//   - 身份錯誤：找不到玩家 / 房間
//   - 協議錯誤：訊息格式錯誤或未知類型
//   - 活性錯誤：心跳超時
//   - 上游錯誤：對戰紀錄寫入失敗
const (
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeNotFound 資源未找到（房間 / 玩家 / 槽位）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入（協議錯誤）
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeTimeout 超時錯誤（心跳 / 斷線寬限期）
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUpstream 上游持久化錯誤
	ErrCodeUpstream = "UPSTREAM_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝既有錯誤
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// Code 取得錯誤碼；非 AppError 一律視為內部錯誤
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode 檢查錯誤是否屬於指定錯誤碼
func IsCode(err error, code string) bool {
	return Code(err) == code
}
