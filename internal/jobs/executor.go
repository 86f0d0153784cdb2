package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/metrics"
	"github.com/yourusername/sculpture-forge/internal/progress"
)

const (
	// TaskTypeRun は Asynq に登録するタスク種別です。
	TaskTypeRun = "sculpture:run"
	// QueueName はジョブを投入するキュー名です。
	QueueName = "sculpture"

	finalizeTimeout = 10 * time.Second
	reportTimeout   = 5 * time.Second
)

var (
	errSoftTimeLimit   = errors.New("soft time limit exceeded")
	errHardTimeLimit   = errors.New("hard time limit exceeded")
	errCancelRequested = errors.New("cancel requested")
)

// ResultCache は計算済み成果物のキャッシュです。
type ResultCache interface {
	Get(ctx context.Context, jobType, fingerprint string) (json.RawMessage, bool)
	Set(ctx context.Context, jobType, fingerprint string, artifact json.RawMessage, ttl time.Duration) error
}

// Publisher は進捗イベントの配信先です。
type Publisher interface {
	Publish(jobID string, ev progress.Event) int
}

// TaskPayload は Asynq タスクのペイロードです。
type TaskPayload struct {
	JobID   string `json:"jobId"`
	JobType string `json:"jobType"`
}

// ExecutorOptions はワーカープールの設定です。
type ExecutorOptions struct {
	Slots          int
	MaxJobsPerSlot int
	SoftLimit      time.Duration
	HardLimit      time.Duration
	ScratchSize    int
}

// Executor はジョブを1件ずつワーカースロット上で実行します。
type Executor struct {
	store    *Store
	cache    ResultCache
	pub      Publisher
	registry *Registry
	metrics  *metrics.Recorder
	logger   *zap.Logger
	opts     ExecutorOptions

	slots  chan *workerSlot
	nextID atomic.Int64
}

// workerSlot は同時に1件のジョブだけを実行する作業枠です。
type workerSlot struct {
	id        int64
	completed int
	scratch   *lru.Cache[string, any]
}

type runOutcome struct {
	value any
	err   error
}

// NewExecutor は Executor を作成します。
func NewExecutor(deps Deps, opts ExecutorOptions) (*Executor, error) {
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is nil")
	}
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.MaxJobsPerSlot <= 0 {
		opts.MaxJobsPerSlot = 50
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = 300 * time.Second
	}
	if opts.SoftLimit <= 0 || opts.SoftLimit > opts.HardLimit {
		opts.SoftLimit = opts.HardLimit
	}
	if opts.ScratchSize <= 0 {
		opts.ScratchSize = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Executor{
		store:    deps.Store,
		cache:    deps.Cache,
		pub:      deps.Broadcaster,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		logger:   logger.Named("executor"),
		opts:     opts,
		slots:    make(chan *workerSlot, opts.Slots),
	}
	for i := 0; i < opts.Slots; i++ {
		slot, err := e.newSlot()
		if err != nil {
			return nil, err
		}
		e.slots <- slot
	}
	return e, nil
}

// ProcessTask は Asynq のハンドラーです。
func (e *Executor) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	return e.Execute(ctx, payload.JobID)
}

// Execute は jobID のジョブを実行し、終端状態まで進めます。
// ジョブ自体の失敗は記録に残し、ストアへの書き込みに失敗した場合だけエラーを返します。
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	slot, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	abandoned := false
	defer func() { e.release(slot, abandoned) }()

	record, applied, err := e.store.MarkRunning(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("job record is missing, skipping", zap.String("jobId", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark running %s: %w", jobID, err)
	}
	if !applied {
		e.logger.Info("job is not queued, skipping", zap.String("jobId", jobID), zap.String("state", string(record.State)))
		return nil
	}

	logger := e.logger.With(
		zap.String("jobId", jobID),
		zap.String("jobType", record.JobType),
		zap.String("fingerprint", record.Fingerprint),
		zap.Int64("slot", slot.id),
	)
	started := time.Now()

	def, ok := e.registry.Lookup(record.JobType)
	if !ok {
		return e.fail(ctx, record, NewError(CodeUnexpected, "未登録のジョブ種別です", nil), started, logger)
	}
	if record.CancelRequested {
		return e.cancelled(ctx, record, started, logger)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	exec := NewExecution(jobID, record.JobType, record.Params, slot.scratch, logger, func(p ProgressInfo) {
		e.report(runCtx, cancel, jobID, p, logger)
	})

	done := make(chan runOutcome, 1)
	go func() {
		done <- e.run(runCtx, def, exec, logger)
	}()

	soft := time.NewTimer(e.opts.SoftLimit)
	defer soft.Stop()
	hard := time.NewTimer(e.opts.HardLimit)
	defer hard.Stop()

	for {
		select {
		case out := <-done:
			return e.finish(ctx, record, def, out, context.Cause(runCtx), started, logger)
		case <-soft.C:
			logger.Warn("soft time limit reached, asking job to stop", zap.Duration("limit", e.opts.SoftLimit))
			cancel(errSoftTimeLimit)
		case <-hard.C:
			logger.Error("hard time limit reached, abandoning job", zap.Duration("limit", e.opts.HardLimit))
			cancel(errHardTimeLimit)
			abandoned = true
			return e.fail(ctx, record, timeoutError(e.opts.HardLimit), started, logger)
		}
	}
}

func (e *Executor) run(ctx context.Context, def Definition, exec *Execution, logger *zap.Logger) (out runOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = runOutcome{err: NewError(CodeUnexpected, "予期しないエラーが発生しました", fmt.Errorf("panic: %v", r))}
		}
	}()
	value, err := def.Run(ctx, exec)
	return runOutcome{value: value, err: err}
}

// report は進捗をストアへ保存してから購読者へ配信します。
// キャンセル要求が記録されていれば実行中のジョブに停止を促します。
func (e *Executor) report(runCtx context.Context, cancel context.CancelCauseFunc, jobID string, p ProgressInfo, logger *zap.Logger) {
	ctx, done := context.WithTimeout(context.WithoutCancel(runCtx), reportTimeout)
	defer done()

	record, applied, err := e.store.UpdateProgress(ctx, jobID, p)
	if err != nil {
		logger.Warn("failed to update progress", zap.Error(err))
		return
	}
	if !applied {
		return
	}
	e.publish(jobID, progress.Event{
		Type:     progress.EventProgress,
		JobID:    jobID,
		Stage:    record.Progress.Stage,
		Progress: record.Progress.Percent,
		Message:  record.Progress.Message,
		Extra:    record.Progress.Extra,
	})
	if record.CancelRequested {
		cancel(errCancelRequested)
	}
}

func (e *Executor) finish(ctx context.Context, record *Record, def Definition, out runOutcome, cause error, started time.Time, logger *zap.Logger) error {
	if out.err == nil {
		return e.succeed(ctx, record, def, out.value, started, logger)
	}

	switch {
	case errors.Is(cause, errSoftTimeLimit), errors.Is(cause, context.DeadlineExceeded):
		return e.fail(ctx, record, timeoutError(e.opts.SoftLimit), started, logger)
	case cause != nil:
		return e.stopped(ctx, record, cause, started, logger)
	}

	var apiErr *Error
	if !errors.As(out.err, &apiErr) {
		logger.Error("job failed with unexpected error", zap.Error(out.err))
	} else {
		logger.Warn("job failed", zap.String("code", apiErr.Code), zap.Error(out.err))
	}
	return e.fail(ctx, record, out.err, started, logger)
}

// stopped は実行コンテキストが外部から止められた場合の後処理です。
// キャンセル要求があれば Cancelled、なければワーカー停止による中断として Failed にします。
func (e *Executor) stopped(ctx context.Context, record *Record, cause error, started time.Time, logger *zap.Logger) error {
	if errors.Is(cause, errCancelRequested) {
		return e.cancelled(ctx, record, started, logger)
	}
	fctx, done := finalizeContext(ctx)
	defer done()
	current, err := e.store.Get(fctx, record.JobID)
	if err == nil && current != nil && current.CancelRequested {
		return e.cancelled(ctx, record, started, logger)
	}
	logger.Warn("job interrupted", zap.NamedError("cause", cause))
	return e.fail(ctx, record, NewError(CodeInterrupted, "ワーカーの停止によりジョブが中断されました", cause), started, logger)
}

func (e *Executor) succeed(ctx context.Context, record *Record, def Definition, value any, started time.Time, logger *zap.Logger) error {
	payload, err := marshalResult(value)
	if err != nil {
		logger.Error("failed to encode job result", zap.Error(err))
		return e.fail(ctx, record, NewError(CodeUnexpected, "結果の保存に失敗しました", err), started, logger)
	}

	fctx, done := finalizeContext(ctx)
	defer done()

	_, applied, err := e.store.Complete(fctx, record.JobID, payload)
	if err != nil {
		return fmt.Errorf("complete %s: %w", record.JobID, err)
	}
	if !applied {
		logger.Info("job already finished, dropping result")
		return nil
	}

	if def.Cacheable && e.cache != nil {
		if err := e.cache.Set(fctx, record.JobType, record.Fingerprint, payload, def.CacheTTL); err != nil {
			logger.Warn("failed to write result to cache", zap.Error(err))
		}
	}

	e.publish(record.JobID, progress.Event{
		Type:     progress.EventSuccess,
		JobID:    record.JobID,
		Stage:    "completed",
		Progress: 100,
		Result:   payload,
	})
	e.metrics.JobFinished(record.JobType, string(StateSucceeded), time.Since(started))
	logger.Info("job succeeded", zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (e *Executor) fail(ctx context.Context, record *Record, cause error, started time.Time, logger *zap.Logger) error {
	info := errorInfoFrom(cause)

	fctx, done := finalizeContext(ctx)
	defer done()

	_, applied, err := e.store.Fail(fctx, record.JobID, info)
	if err != nil {
		return fmt.Errorf("fail %s: %w", record.JobID, err)
	}
	if !applied {
		return nil
	}
	e.publish(record.JobID, progress.Event{
		Type:  progress.EventError,
		JobID: record.JobID,
		Error: info.Message,
		Code:  info.Code,
	})
	e.metrics.JobFinished(record.JobType, string(StateFailed), time.Since(started))
	return nil
}

func (e *Executor) cancelled(ctx context.Context, record *Record, started time.Time, logger *zap.Logger) error {
	fctx, done := finalizeContext(ctx)
	defer done()

	updated, applied, err := e.store.MarkCancelled(fctx, record.JobID)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", record.JobID, err)
	}
	if !applied {
		return nil
	}
	e.publish(record.JobID, progress.Event{
		Type:  progress.EventError,
		JobID: record.JobID,
		Error: updated.Error.Message,
		Code:  CodeCancelled,
	})
	e.metrics.JobFinished(record.JobType, string(StateCancelled), time.Since(started))
	logger.Info("job cancelled")
	return nil
}

func (e *Executor) publish(jobID string, ev progress.Event) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(jobID, ev)
}

func (e *Executor) acquire(ctx context.Context) (*workerSlot, error) {
	select {
	case slot := <-e.slots:
		return slot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release はスロットを返却します。完了数が上限に達したスロットや
// タイムアウトで放棄したスロットは作業領域ごと作り直します。
func (e *Executor) release(slot *workerSlot, abandoned bool) {
	slot.completed++
	if abandoned || slot.completed >= e.opts.MaxJobsPerSlot {
		fresh, err := e.newSlot()
		if err == nil {
			e.logger.Info("recycled worker slot",
				zap.Int64("old", slot.id),
				zap.Int64("new", fresh.id),
				zap.Int("completed", slot.completed),
				zap.Bool("abandoned", abandoned))
			slot.scratch.Purge()
			e.metrics.SlotRecycled()
			slot = fresh
		} else {
			e.logger.Error("failed to recycle worker slot", zap.Error(err))
		}
	}
	e.slots <- slot
}

func (e *Executor) newSlot() (*workerSlot, error) {
	scratch, err := lru.New[string, any](e.opts.ScratchSize)
	if err != nil {
		return nil, err
	}
	return &workerSlot{
		id:      e.nextID.Add(1),
		scratch: scratch,
	}, nil
}

func marshalResult(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func timeoutError(limit time.Duration) *Error {
	return NewError(CodeTimeout, fmt.Sprintf("処理が制限時間（%s）を超えました", limit), nil)
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}
