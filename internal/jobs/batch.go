package jobs

import (
	"context"
	"fmt"
)

// ItemResult はバッチ内の1項目の結果です。Err が nil なら成功です。
type ItemResult[T any] struct {
	Key   string
	Value T
	Err   error
}

// OK は項目が成功したかどうかを返します。
func (r ItemResult[T]) OK() bool {
	return r.Err == nil
}

// ItemFailure は失敗した項目の記録です。
type ItemFailure struct {
	Item   string `json:"item"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BatchOutcome は部分失敗を許容するバッチジョブの集計結果です。
type BatchOutcome[T any] struct {
	TotalRequested int           `json:"totalRequested"`
	TotalSucceeded int           `json:"totalSucceeded"`
	Items          []T           `json:"items"`
	Failures       []ItemFailure `json:"failures,omitempty"`
}

// BatchProgress は i 番目（0始まり）の項目に着手したときの進捗率です。
func BatchProgress(base, span, i, n int) int {
	if n <= 0 {
		return base
	}
	return base + i*span/n
}

// RunBatch は keys の各項目に fn を順に適用します。
// 項目の失敗やパニックは他の項目に影響せず、結果に記録されます。
// ctx がキャンセルされた場合はそこまでの結果と ctx のエラーを返します。
func RunBatch[T any](ctx context.Context, keys []string, fn func(ctx context.Context, i int, key string) (T, error)) ([]ItemResult[T], error) {
	results := make([]ItemResult[T], 0, len(keys))
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		value, err := runItem(ctx, i, key, fn)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return results, ctxErr
		}
		results = append(results, ItemResult[T]{Key: key, Value: value, Err: err})
	}
	return results, nil
}

func runItem[T any](ctx context.Context, i int, key string, fn func(context.Context, int, string) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(CodeUnexpected, "項目の処理中に予期しないエラーが発生しました", fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx, i, key)
}

// Reduce は項目ごとの結果を集計します。成功が1件もない場合は NO_RESULTS エラーを返します。
func Reduce[T any](results []ItemResult[T]) (*BatchOutcome[T], error) {
	outcome := &BatchOutcome[T]{
		TotalRequested: len(results),
		Items:          make([]T, 0, len(results)),
	}
	var firstErr error
	for _, r := range results {
		if r.OK() {
			outcome.Items = append(outcome.Items, r.Value)
			outcome.TotalSucceeded++
			continue
		}
		if firstErr == nil {
			firstErr = r.Err
		}
		info := errorInfoFrom(r.Err)
		outcome.Failures = append(outcome.Failures, ItemFailure{
			Item:   r.Key,
			Code:   info.Code,
			Reason: info.Message,
		})
	}
	if outcome.TotalSucceeded == 0 {
		return nil, NewError(CodeNoResults, "すべての項目の処理に失敗しました", firstErr)
	}
	return outcome, nil
}
