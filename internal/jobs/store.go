package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
	logKeySuffix = ":log"

	maxTxRetries = 16
)

// Store はジョブ状態を Redis に保存します。
// 更新はすべて WATCH/MULTI による楽観的トランザクションで行い、
// 終端状態になったレコードは以後変更しません。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は Queued 状態のレコードを新規作成します。同じIDのレコードがあればエラーです。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := s.now()
	record.State = StateQueued
	record.CreatedAt = now
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(s.ttl)
	record.Result = nil
	record.Error = nil

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job already exists: %s", record.JobID)
	}

	snap, err := json.Marshal(record.snapshot())
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, logKey(record.JobID), snap)
		pipe.ExpireAt(ctx, logKey(record.JobID), record.ExpiresAt)
		return nil
	})
	return err
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// MarkRunning は Queued のジョブを Running にします。
func (s *Store) MarkRunning(ctx context.Context, jobID string) (*Record, bool, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.State != StateQueued {
			return false
		}
		record.State = StateRunning
		record.Progress = ProgressInfo{Stage: "started"}
		return true
	})
}

// UpdateProgress は Running のジョブの進捗を更新します。
// 進捗率は 0〜100 に丸め、前回値より小さくはしません。
// Running 以外のジョブに対しては何もせず、applied=false を返します。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) (*Record, bool, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.State != StateRunning {
			return false
		}
		percent := clampPercent(progress.Percent)
		if percent < record.Progress.Percent {
			percent = record.Progress.Percent
		}
		progress.Percent = percent
		record.Progress = progress
		return true
	})
}

// Complete はジョブを Succeeded にします。
func (s *Store) Complete(ctx context.Context, jobID string, result json.RawMessage) (*Record, bool, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.State != StateRunning {
			return false
		}
		record.State = StateSucceeded
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   "completed",
			Message: record.Progress.Message,
		}
		record.Result = result
		record.Error = nil
		return true
	})
}

// Fail はジョブを Failed にします。
func (s *Store) Fail(ctx context.Context, jobID string, errInfo *ErrorInfo) (*Record, bool, error) {
	if errInfo == nil {
		errInfo = &ErrorInfo{Code: CodeUnexpected, Message: "予期しないエラーが発生しました"}
	}
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.State != StateRunning {
			return false
		}
		record.State = StateFailed
		record.Error = errInfo
		record.Result = nil
		return true
	})
}

// MarkCancelled はジョブを Cancelled にします。
func (s *Store) MarkCancelled(ctx context.Context, jobID string) (*Record, bool, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.State != StateRunning {
			return false
		}
		record.State = StateCancelled
		record.Error = &ErrorInfo{Code: CodeCancelled, Message: "ジョブはキャンセルされました"}
		record.Result = nil
		return true
	})
}

// RequestCancel は終端前のジョブにキャンセル要求を記録します。
// 実行中のジョブは次の進捗報告時に、待機中のジョブはワーカーが取り出した時点で停止します。
func (s *Store) RequestCancel(ctx context.Context, jobID string) (*Record, bool, error) {
	return s.updatePartial(ctx, jobID, func(record *Record) bool {
		if record.State.Terminal() || record.CancelRequested {
			return false
		}
		record.CancelRequested = true
		return true
	})
}

// History はジョブの状態遷移の履歴を古い順に返します。
func (s *Store) History(ctx context.Context, jobID string) ([]Snapshot, error) {
	items, err := s.rdb.LRange(ctx, logKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	history := make([]Snapshot, 0, len(items))
	for _, item := range items {
		var snap Snapshot
		if err := json.Unmarshal([]byte(item), &snap); err != nil {
			return nil, err
		}
		history = append(history, snap)
	}
	return history, nil
}

// Delete はジョブと履歴を削除します。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID), logKey(jobID)).Err()
}

// updatePartial はレコードを読み、mutate が true を返した場合だけ書き戻します。
// 書き戻し時は TTL を維持し、履歴にスナップショットを追加します。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record) bool) (*Record, bool, error) {
	key := jobKey(jobID)
	var (
		current *Record
		applied bool
	)
	txf := func(tx *redis.Tx) error {
		current, applied = nil, false
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		current = &record
		if !mutate(&record) {
			return nil
		}
		record.UpdatedAt = s.now()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		snap, err := json.Marshal(record.snapshot())
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, payload, redis.SetArgs{KeepTTL: true})
			pipe.RPush(ctx, logKey(jobID), snap)
			pipe.ExpireAt(ctx, logKey(jobID), record.ExpiresAt)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return current, applied, nil
	}
	return nil, false, fmt.Errorf("job %s: too many concurrent updates", jobID)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func logKey(id string) string {
	return jobKeyPrefix + id + logKeySuffix
}
