package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// RunFunc はジョブ本体です。戻り値は JSON にシリアライズされて保存されます。
// ctx がキャンセルされたら速やかに戻ってください。
type RunFunc func(ctx context.Context, exec *Execution) (any, error)

// Definition はジョブ種別ごとの実行方法とキャッシュ方針です。
type Definition struct {
	Type      string
	Run       RunFunc
	Cacheable bool
	CacheTTL  time.Duration
}

// Registry はジョブ種別の登録簿です。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register はジョブ種別を登録します。
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("job type is required")
	}
	if def.Run == nil {
		return fmt.Errorf("job type %s: run func is nil", def.Type)
	}
	if def.Cacheable && def.CacheTTL <= 0 {
		return fmt.Errorf("job type %s: cacheable jobs need a positive ttl", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("job type %s is already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup は登録済みのジョブ種別を返します。
func (r *Registry) Lookup(jobType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	return def, ok
}

// Types は登録済みのジョブ種別を名前順に返します。
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Execution は1回のジョブ実行に渡されるコンテキストです。
type Execution struct {
	JobID   string
	JobType string
	Params  json.RawMessage
	// Scratch はワーカースロット単位で保持される作業領域です。
	// スロットが作り直されると破棄されます。
	Scratch *lru.Cache[string, any]
	Logger  *zap.Logger

	report func(ProgressInfo)
}

// NewExecution は Execution を作成します。report が nil の場合、進捗報告は捨てられます。
func NewExecution(jobID, jobType string, params json.RawMessage, scratch *lru.Cache[string, any], logger *zap.Logger, report func(ProgressInfo)) *Execution {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Execution{
		JobID:   jobID,
		JobType: jobType,
		Params:  params,
		Scratch: scratch,
		Logger:  logger,
		report:  report,
	}
}

// Decode はパラメータを v に展開します。
func (e *Execution) Decode(v any) error {
	if err := json.Unmarshal(e.Params, v); err != nil {
		return NewError(CodeInvalidInput, "パラメータの形式が正しくありません", err)
	}
	return nil
}

// Report は進捗を報告します。percent は 0〜100 に丸められます。
func (e *Execution) Report(stage string, percent int, message string, extra map[string]string) {
	if e.report == nil {
		return
	}
	e.report(ProgressInfo{
		Percent: clampPercent(percent),
		Stage:   stage,
		Message: message,
		Extra:   extra,
	})
}
