package sculpture

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yourusername/sculpture-forge/internal/jobs"
)

// Source は上流のテレメトリ提供元です。
type Source interface {
	LoadSession(ctx context.Context, p SessionParams) (*Session, error)
	FastestLap(ctx context.Context, s *Session, driver string) (*Telemetry, *LapInfo, error)
	Drivers(ctx context.Context, s *Session) ([]DriverMetadata, error)
	Events(ctx context.Context, year int) ([]EventInfo, error)
	EventSessions(ctx context.Context, year, round int) (*EventSessions, error)
}

// HTTPSource はテレメトリ API を HTTP で呼び出す Source です。
type HTTPSource struct {
	client *resty.Client
}

type fastestLapResponse struct {
	Lap       LapInfo   `json:"lap"`
	Telemetry Telemetry `json:"telemetry"`
}

type apiError struct {
	Detail string `json:"detail"`
}

// NewHTTPSource は baseURL の API を呼び出す HTTPSource を作成します。
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &HTTPSource{client: client}
}

// LoadSession はセッションを読み込みます。
func (s *HTTPSource) LoadSession(ctx context.Context, p SessionParams) (*Session, error) {
	var session Session
	err := s.get(ctx, &session, "/sessions/{year}/{round}/{session}", map[string]string{
		"year":    fmt.Sprint(p.Year),
		"round":   fmt.Sprint(p.Round),
		"session": p.Session,
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// FastestLap はドライバーの最速ラップのテレメトリを取得します。
func (s *HTTPSource) FastestLap(ctx context.Context, session *Session, driver string) (*Telemetry, *LapInfo, error) {
	var resp fastestLapResponse
	err := s.get(ctx, &resp, "/sessions/{year}/{round}/{session}/laps/{driver}/fastest", map[string]string{
		"year":    fmt.Sprint(session.Year),
		"round":   fmt.Sprint(session.Round),
		"session": session.Code,
		"driver":  driver,
	})
	if err != nil {
		return nil, nil, err
	}
	if resp.Telemetry.Len() == 0 {
		return nil, nil, jobs.NewError(jobs.CodeDataNotFound, fmt.Sprintf("%s のテレメトリがありません", driver), nil)
	}
	return &resp.Telemetry, &resp.Lap, nil
}

// Drivers はセッションの参加ドライバーを取得します。
func (s *HTTPSource) Drivers(ctx context.Context, session *Session) ([]DriverMetadata, error) {
	var drivers []DriverMetadata
	err := s.get(ctx, &drivers, "/sessions/{year}/{round}/{session}/drivers", map[string]string{
		"year":    fmt.Sprint(session.Year),
		"round":   fmt.Sprint(session.Round),
		"session": session.Code,
	})
	return drivers, err
}

// Events はシーズンのイベント一覧を取得します。
func (s *HTTPSource) Events(ctx context.Context, year int) ([]EventInfo, error) {
	var events []EventInfo
	err := s.get(ctx, &events, "/events/{year}", map[string]string{
		"year": fmt.Sprint(year),
	})
	return events, err
}

// EventSessions はイベントのセッション一覧を取得します。
func (s *HTTPSource) EventSessions(ctx context.Context, year, round int) (*EventSessions, error) {
	var sessions EventSessions
	err := s.get(ctx, &sessions, "/events/{year}/{round}/sessions", map[string]string{
		"year":  fmt.Sprint(year),
		"round": fmt.Sprint(round),
	})
	if err != nil {
		return nil, err
	}
	return &sessions, nil
}

func (s *HTTPSource) get(ctx context.Context, out any, path string, params map[string]string) error {
	var apiErr apiError
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParams(params).
		SetResult(out).
		SetError(&apiErr).
		Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("telemetry api %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		msg := apiErr.Detail
		if msg == "" {
			msg = "指定されたデータが見つかりません"
		}
		return jobs.NewError(jobs.CodeDataNotFound, msg, nil)
	case resp.IsError():
		return fmt.Errorf("telemetry api %s: status %d: %s", resp.Request.URL, resp.StatusCode(), apiErr.Detail)
	}
	return nil
}
