// Package errors 提供快取與鎖子系統的錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeConnection 遠端層無法連線
	ErrCodeConnection = "CONNECTION_ERROR"
	// ErrCodeTimeout 操作或鎖等待超時
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeSerialization 序列化或反序列化失敗
	ErrCodeSerialization = "SERIALIZATION_ERROR"
	// ErrCodeKey 鍵名無效或過長
	ErrCodeKey = "KEY_ERROR"
	// ErrCodeLockAcquisition 鎖獲取失敗
	ErrCodeLockAcquisition = "LOCK_ACQUISITION_FAILED"
	// ErrCodeLockRelease 鎖釋放失敗
	ErrCodeLockRelease = "LOCK_RELEASE_FAILED"
	// ErrCodeDeadlock 等待圖中偵測到環
	ErrCodeDeadlock = "DEADLOCK_DETECTED"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
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

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊
//
// 返回副本，預定義錯誤不會被共享的細節污染。
func (e *AppError) WithDetails(details string) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// 預定義錯誤
var (
	// ErrRemoteUnavailable 遠端層不可用
	ErrRemoteUnavailable = New(ErrCodeConnection, "remote tier unavailable")

	// ErrLockWaitTimeout 鎖等待超時
	ErrLockWaitTimeout = New(ErrCodeTimeout, "lock wait timed out")

	// ErrOperationTimeout 操作超時
	ErrOperationTimeout = New(ErrCodeTimeout, "operation timed out")

	// ErrKeyEmpty 空鍵名
	ErrKeyEmpty = New(ErrCodeKey, "cache key must not be empty")

	// ErrKeyTooLong 鍵名過長
	ErrKeyTooLong = New(ErrCodeKey, "cache key exceeds max length")

	// ErrLockNotAcquired 鎖獲取失敗
	ErrLockNotAcquired = New(ErrCodeLockAcquisition, "lock not acquired")

	// ErrLockNotHeld 釋放未持有的鎖
	ErrLockNotHeld = New(ErrCodeLockRelease, "lock not held by caller")

	// ErrDeadlock 偵測到死鎖
	ErrDeadlock = New(ErrCodeDeadlock, "deadlock detected in wait-for graph")

	// ErrVersionConflict 樂觀鎖版本衝突
	ErrVersionConflict = New(ErrCodeLockAcquisition, "optimistic version conflict")
)

// IsConnection 檢查是否為連線錯誤
func IsConnection(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConnection
	}
	return false
}

// IsTimeout 檢查是否為超時錯誤
func IsTimeout(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeTimeout
	}
	return false
}

// IsSerialization 檢查是否為序列化錯誤
func IsSerialization(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeSerialization
	}
	return false
}

// IsKeyError 檢查是否為鍵名錯誤
func IsKeyError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeKey
	}
	return false
}

// IsDeadlock 檢查是否為死鎖錯誤
//
// 死鎖錯誤絕不應自動重試：以相同順序重新獲取，
// 很可能重現同一個環。
func IsDeadlock(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeDeadlock
	}
	return false
}

// IsLockAcquisition 檢查是否為鎖獲取錯誤
func IsLockAcquisition(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeLockAcquisition
	}
	return false
}
