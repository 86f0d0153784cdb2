package jobs

import (
	"errors"
	"fmt"
)

// エラーコード
const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeJobNotFound   = "JOB_NOT_FOUND"
	CodeDataNotFound  = "DATA_NOT_FOUND"
	CodeTimeout       = "TIMEOUT"
	CodeUnexpected    = "UNEXPECTED_ERROR"
	CodeCancelled     = "CANCELLED"
	CodeNoResults     = "NO_RESULTS"
	CodeEnqueueFailed = "ENQUEUE_FAILED"
	CodeInterrupted   = "INTERRUPTED"
)

// ErrNotFound はジョブが存在しない（期限切れを含む）ことを表します。
var ErrNotFound = errors.New("job not found")

// Error は利用者に返せるコード付きのエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は Error を作成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotReadyError は結果がまだ取得できない状態であることを表します。
type NotReadyError struct {
	JobID string
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job %s is %s", e.JobID, e.State)
}

// Hint は利用者向けの案内文です。
func (e *NotReadyError) Hint() string {
	switch e.State {
	case StateQueued:
		return "ジョブは待機中です。しばらくしてから再度取得してください。"
	case StateRunning:
		return "ジョブは実行中です。進捗を確認してから再度取得してください。"
	case StateFailed:
		return "ジョブは失敗しました。エラー内容はステータスで確認できます。"
	case StateCancelled:
		return "ジョブはキャンセルされました。"
	}
	return "結果はまだありません。"
}

// errorInfoFrom はエラーを保存用の ErrorInfo に変換します。
// コードを持たないエラーは UNEXPECTED_ERROR として扱い、内部の詳細は公開しません。
func errorInfoFrom(err error) *ErrorInfo {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return &ErrorInfo{Code: apiErr.Code, Message: apiErr.Message}
	}
	return &ErrorInfo{Code: CodeUnexpected, Message: "予期しないエラーが発生しました"}
}
