package jobs

import (
	"encoding/json"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// CachedJobID はキャッシュヒット時に返す固定のジョブIDです。
const CachedJobID = "cached"

// Terminal は終端状態かどうかを返します。終端状態からの遷移はありません。
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// WireStatus は API で返す状態名に変換します。
func (s State) WireStatus() string {
	switch s {
	case StateQueued:
		return "PENDING"
	case StateRunning:
		return "PROGRESS"
	case StateSucceeded:
		return "SUCCESS"
	case StateFailed:
		return "FAILURE"
	case StateCancelled:
		return "REVOKED"
	}
	return "UNKNOWN"
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int               `json:"percent"`
	Stage   string            `json:"stage,omitempty"`
	Message string            `json:"message,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID           string          `json:"jobId"`
	JobType         string          `json:"jobType"`
	State           State           `json:"state"`
	Progress        ProgressInfo    `json:"progress"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
	Params          json.RawMessage `json:"params"`
	Fingerprint     string          `json:"fingerprint"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

// Snapshot はジョブ履歴の1件分です。
type Snapshot struct {
	State    State        `json:"state"`
	Progress ProgressInfo `json:"progress"`
	Error    *ErrorInfo   `json:"error,omitempty"`
	At       time.Time    `json:"at"`
}

func (r *Record) snapshot() Snapshot {
	return Snapshot{
		State:    r.State,
		Progress: r.Progress,
		Error:    r.Error,
		At:       r.UpdatedAt,
	}
}
