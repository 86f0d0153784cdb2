// Package progress はジョブ進捗のライブ配信（ファンアウト）を提供します。
//
// 配信はベストエフォートで、イベントのバッファリングや再送は行いません。
// 接続時点の状態はジョブストアから直接読み取る必要があります。
package progress

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// EventType はライブチャネルで送るメッセージの種別です。
type EventType string

const (
	EventConnected EventType = "connected"
	EventProgress  EventType = "progress"
	EventSuccess   EventType = "success"
	EventError     EventType = "error"
)

// Terminal は終端イベントかどうかを返します。
func (t EventType) Terminal() bool {
	return t == EventSuccess || t == EventError
}

// Event はライブチャネルで配信される1件のメッセージです。
type Event struct {
	Type     EventType         `json:"type"`
	JobID    string            `json:"taskId"`
	Stage    string            `json:"stage,omitempty"`
	Progress int               `json:"progress,omitempty"`
	Message  string            `json:"message,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Code     string            `json:"code,omitempty"`
}

// Handle は購読者側の接続です。登録簿はハンドルを参照するだけで所有しません。
// map のキーとして使うため、比較可能な型（ポインタなど）で実装してください。
type Handle interface {
	Send(Event) error
}

// Broadcaster はジョブIDごとの購読者集合を管理します。
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[Handle]struct{}
	logger *zap.Logger
}

// NewBroadcaster は Broadcaster を作成します。
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]map[Handle]struct{}),
		logger: logger,
	}
}

// Subscribe はハンドルをジョブの購読者として登録します。
func (b *Broadcaster) Subscribe(jobID string, h Handle) {
	if h == nil {
		return
	}
	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[Handle]struct{})
		b.subs[jobID] = set
	}
	set[h] = struct{}{}
	count := len(set)
	b.mu.Unlock()

	b.logger.Debug("subscriber registered", zap.String("job_id", jobID), zap.Int("subscribers", count))
}

// Unsubscribe はハンドルを登録解除し、空になった集合を削除します。
func (b *Broadcaster) Unsubscribe(jobID string, h Handle) {
	b.mu.Lock()
	b.removeLocked(jobID, h)
	b.mu.Unlock()
}

// Publish はイベントを現在の購読者全員へ配信し、配信できた数を返します。
// 購読者集合は mutex 内でコピーし、送信そのものはロック外で行います。
// 送信に失敗したハンドルだけを登録簿から外し、呼び出し元にはエラーを返しません。
func (b *Broadcaster) Publish(jobID string, ev Event) int {
	ev.JobID = jobID

	b.mu.Lock()
	set := b.subs[jobID]
	targets := make([]Handle, 0, len(set))
	for h := range set {
		targets = append(targets, h)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}

	delivered := 0
	var failed []Handle
	for _, h := range targets {
		if err := h.Send(ev); err != nil {
			b.logger.Debug("dropping subscriber after delivery failure",
				zap.String("job_id", jobID),
				zap.String("event", string(ev.Type)),
				zap.Error(err))
			failed = append(failed, h)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, h := range failed {
			b.removeLocked(jobID, h)
		}
		b.mu.Unlock()
	}
	return delivered
}

// Count はジョブの購読者数を返します。
func (b *Broadcaster) Count(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Total は全ジョブの購読者数の合計を返します。
func (b *Broadcaster) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, set := range b.subs {
		total += len(set)
	}
	return total
}

// ActiveJobs は購読者が1人以上いるジョブIDの一覧を返します。
func (b *Broadcaster) ActiveJobs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	return ids
}

func (b *Broadcaster) removeLocked(jobID string, h Handle) {
	set, ok := b.subs[jobID]
	if !ok {
		return
	}
	delete(set, h)
	if len(set) == 0 {
		delete(b.subs, jobID)
	}
}
