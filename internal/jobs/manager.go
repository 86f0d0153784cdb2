// Package jobs は非同期ジョブの投入・実行・状態管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/config"
	"github.com/yourusername/sculpture-forge/internal/metrics"
)

// Queue はタスクの投入先です。*asynq.Client が満たします。
type Queue interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Canceller は実行中タスクへの停止通知です。*asynq.Inspector が満たします。
type Canceller interface {
	CancelProcessing(id string) error
}

// Deps は Manager と Executor が共有する依存関係です。
// Queue と Canceller が nil の場合は設定の Redis から Asynq のものを作ります。
type Deps struct {
	Store       *Store
	Cache       ResultCache
	Broadcaster Publisher
	Registry    *Registry
	Metrics     *metrics.Recorder
	Logger      *zap.Logger
	Queue       Queue
	Canceller   Canceller
}

// Submission は投入結果です。キャッシュヒット時は Result に成果物が入ります。
type Submission struct {
	JobID   string          `json:"taskId"`
	JobType string          `json:"jobType"`
	State   State           `json:"state"`
	Cached  bool            `json:"cached"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// CancelAck はキャンセル要求の受付結果です。
type CancelAck struct {
	JobID     string `json:"taskId"`
	State     State  `json:"state,omitempty"`
	Requested bool   `json:"requested"`
	Message   string `json:"message"`
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	queue     Queue
	canceller Canceller
	store     *Store
	cache     ResultCache
	registry  *Registry
	executor  *Executor
	metrics   *metrics.Recorder
	logger    *zap.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Registry == nil {
		return nil, errors.New("registry is nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	executor, err := NewExecutor(deps, ExecutorOptions{
		Slots:          cfg.WorkerConcurrency,
		MaxJobsPerSlot: cfg.MaxJobsPerWorker,
		SoftLimit:      cfg.SoftTimeLimit(),
		HardLimit:      cfg.HardTimeLimit(),
		ScratchSize:    cfg.WorkerSessionCacheLen,
	})
	if err != nil {
		return nil, err
	}

	logger := deps.Logger.Named("jobs")
	manager := &Manager{
		cfg:       cfg,
		queue:     deps.Queue,
		canceller: deps.Canceller,
		store:     deps.Store,
		cache:     deps.Cache,
		registry:  deps.Registry,
		executor:  executor,
		metrics:   deps.Metrics,
		logger:    logger,
	}
	if manager.queue == nil {
		manager.client = asynq.NewClient(opt)
		manager.queue = manager.client
	}
	if manager.canceller == nil {
		manager.inspector = asynq.NewInspector(opt)
		manager.canceller = manager.inspector
	}

	manager.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				QueueName: 1,
			},
			Logger:   logger.Named("asynq").Sugar(),
			LogLevel: asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("task handler returned error", zap.String("type", task.Type()), zap.Error(err))
			}),
		},
	)
	manager.mux = asynq.NewServeMux()
	manager.mux.HandleFunc(TaskTypeRun, executor.ProcessTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	m.logger.Info("workers started",
		zap.Int("concurrency", m.cfg.WorkerConcurrency),
		zap.Int("maxJobsPerWorker", m.cfg.MaxJobsPerWorker))
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	var errs []error
	if m.client != nil {
		errs = append(errs, m.client.Close())
	}
	if m.inspector != nil {
		errs = append(errs, m.inspector.Close())
	}
	return errors.Join(errs...)
}

// Executor はワーカー側の実行器を返します。
func (m *Manager) Executor() *Executor {
	return m.executor
}

// Registry は登録済みのジョブ定義を返します。
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Submit はジョブを投入します。キャッシュ対象のジョブでキャッシュがあれば
// ワーカーを使わず、固定ID "cached" と成果物を返します。
func (m *Manager) Submit(ctx context.Context, jobType string, params any) (*Submission, error) {
	def, ok := m.registry.Lookup(jobType)
	if !ok {
		return nil, NewError(CodeInvalidInput, fmt.Sprintf("未対応のジョブ種別です: %s", jobType), nil)
	}
	if params == nil {
		return nil, NewError(CodeInvalidInput, "パラメータが指定されていません", nil)
	}
	canonical, err := Canonicalize(params)
	if err != nil {
		return nil, NewError(CodeInvalidInput, "パラメータの形式が正しくありません", err)
	}
	fingerprint := Fingerprint(jobType, canonical)

	if def.Cacheable && m.cache != nil {
		if artifact, hit := m.cache.Get(ctx, jobType, fingerprint); hit {
			m.metrics.JobSubmitted(jobType, true)
			m.logger.Info("served from cache", zap.String("jobType", jobType), zap.String("fingerprint", fingerprint))
			return &Submission{
				JobID:   CachedJobID,
				JobType: jobType,
				State:   StateSucceeded,
				Cached:  true,
				Result:  artifact,
			}, nil
		}
	}

	jobID := uuid.NewString()
	record := &Record{
		JobID:       jobID,
		JobType:     jobType,
		Progress:    ProgressInfo{Stage: "queued"},
		Params:      canonical,
		Fingerprint: fingerprint,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	body, err := json.Marshal(&TaskPayload{JobID: jobID, JobType: jobType})
	if err != nil {
		return nil, err
	}
	task := asynq.NewTask(TaskTypeRun, body)
	if _, err := m.queue.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(0),
		asynq.Timeout(m.cfg.HardTimeLimit()+finalizeTimeout),
		asynq.Retention(m.cfg.ResultTTL()),
	); err != nil {
		if delErr := m.store.Delete(context.WithoutCancel(ctx), jobID); delErr != nil {
			m.logger.Warn("failed to remove unqueued job", zap.String("jobId", jobID), zap.Error(delErr))
		}
		m.logger.Error("failed to enqueue job", zap.String("jobId", jobID), zap.Error(err))
		return nil, NewError(CodeEnqueueFailed, "ジョブの投入に失敗しました", err)
	}

	m.metrics.JobSubmitted(jobType, false)
	m.logger.Info("job queued", zap.String("jobId", jobID), zap.String("jobType", jobType))
	return &Submission{
		JobID:   jobID,
		JobType: jobType,
		State:   StateQueued,
	}, nil
}

// GetStatus はジョブの現在状態を返します。
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*Record, error) {
	if jobID == CachedJobID {
		return &Record{
			JobID: CachedJobID,
			State: StateSucceeded,
			Progress: ProgressInfo{
				Percent: 100,
				Stage:   "completed",
				Message: "キャッシュから取得しました",
			},
		}, nil
	}
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	return record, nil
}

// GetResult は成功したジョブの成果物を返します。
func (m *Manager) GetResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	if jobID == CachedJobID {
		return nil, ErrNotFound
	}
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	if record.State != StateSucceeded {
		return nil, &NotReadyError{JobID: jobID, State: record.State}
	}
	return record.Result, nil
}

// Cancel はジョブにキャンセルを要求します。要求は常に受け付けますが、
// 既に完了間近のジョブはそのまま成功することがあります。
func (m *Manager) Cancel(ctx context.Context, jobID string) CancelAck {
	ack := CancelAck{JobID: jobID, Message: "キャンセル要求を受け付けました"}
	if jobID == CachedJobID {
		ack.State = StateSucceeded
		return ack
	}

	record, applied, err := m.store.RequestCancel(ctx, jobID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("failed to record cancel request", zap.String("jobId", jobID), zap.Error(err))
		}
		return ack
	}
	ack.State = record.State
	ack.Requested = applied
	if !applied {
		return ack
	}

	if record.State == StateRunning && m.canceller != nil {
		if err := m.canceller.CancelProcessing(jobID); err != nil {
			m.logger.Debug("cancel signal not delivered", zap.String("jobId", jobID), zap.Error(err))
		}
	}
	m.logger.Info("cancel requested", zap.String("jobId", jobID), zap.String("state", string(record.State)))
	return ack
}

// History はジョブの状態遷移履歴を返します。
func (m *Manager) History(ctx context.Context, jobID string) ([]Snapshot, error) {
	return m.store.History(ctx, jobID)
}

// WorkerServers は稼働中の Asynq サーバー数を返します。
func (m *Manager) WorkerServers() (int, error) {
	if m.inspector == nil {
		return 0, errors.New("inspector is not configured")
	}
	servers, err := m.inspector.Servers()
	if err != nil {
		return 0, err
	}
	return len(servers), nil
}
