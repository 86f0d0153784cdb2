package sculpture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/jobs"
)

// Service はスカルプチャ関連のジョブを実装します。
type Service struct {
	source       Source
	logger       *zap.Logger
	sculptureTTL time.Duration
	sessionTTL   time.Duration
}

// NewService は Service を作成します。
func NewService(source Source, sculptureTTL, sessionTTL time.Duration, logger *zap.Logger) (*Service, error) {
	if source == nil {
		return nil, errors.New("source is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:       source,
		logger:       logger.Named("sculpture"),
		sculptureTTL: sculptureTTL,
		sessionTTL:   sessionTTL,
	}, nil
}

// Register はジョブ種別を registry に登録します。
func (s *Service) Register(registry *jobs.Registry) error {
	defs := []jobs.Definition{
		{Type: JobTypeSculpture, Run: s.runSculpture, Cacheable: true, CacheTTL: s.sculptureTTL},
		{Type: JobTypeCompare, Run: s.runCompare},
		{Type: JobTypeSessionMetadata, Run: s.runSessionMetadata, Cacheable: true, CacheTTL: s.sessionTTL},
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Events はシーズンのイベント一覧を返します。
func (s *Service) Events(ctx context.Context, year int) ([]EventInfo, error) {
	return s.source.Events(ctx, year)
}

// EventSessions はイベントのセッション一覧を返します。
func (s *Service) EventSessions(ctx context.Context, year, round int) (*EventSessions, error) {
	return s.source.EventSessions(ctx, year, round)
}

func (s *Service) runSculpture(ctx context.Context, exec *jobs.Execution) (any, error) {
	var p SculptureParams
	if err := exec.Decode(&p); err != nil {
		return nil, err
	}

	exec.Report(StageLoadingSession, 20, fmt.Sprintf("%d Round %d %s のセッションを読み込んでいます", p.Year, p.Round, p.Session), nil)
	session, err := s.loadSession(ctx, exec, p.SessionParams)
	if err != nil {
		return nil, err
	}
	extra := sessionExtra(session)
	exec.Report(StageLoadingSession, 25, fmt.Sprintf("%d %s - %s (%s)", session.Year, session.EventName, session.SessionName, session.Date), extra)

	extra["driver"] = p.Driver
	exec.Report(StageExtractingTelemetry, 50, fmt.Sprintf("%s のテレメトリを取得しています", p.Driver), extra)
	telemetry, lap, err := s.source.FastestLap(ctx, session, p.Driver)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exec.Report(StageProcessingSculpture, 80, fmt.Sprintf("%s の G フォースを計算しています", p.Driver), extra)
	result, err := Process(telemetry)
	if err != nil {
		return nil, jobs.NewError(jobs.CodeDataNotFound, fmt.Sprintf("%s のテレメトリが不足しています", p.Driver), err)
	}
	result.Driver = lap
	exec.Logger.Info("sculpture generated",
		zap.String("driver", p.Driver),
		zap.Int("vertices", len(result.Vertices)),
		zap.Float64("maxGForce", result.Metadata.MaxGForce))
	return result, nil
}

func (s *Service) runCompare(ctx context.Context, exec *jobs.Execution) (any, error) {
	var p CompareParams
	if err := exec.Decode(&p); err != nil {
		return nil, err
	}
	if len(p.Drivers) < 2 || len(p.Drivers) > 5 {
		return nil, jobs.NewError(jobs.CodeInvalidInput, "比較できるドライバーは2〜5人です", nil)
	}

	exec.Report(StageLoadingSession, 15, fmt.Sprintf("%d Round %d %s のセッションを読み込んでいます", p.Year, p.Round, p.Session), nil)
	session, err := s.loadSession(ctx, exec, p.SessionParams)
	if err != nil {
		return nil, err
	}

	n := len(p.Drivers)
	results, err := jobs.RunBatch(ctx, p.Drivers, func(ctx context.Context, i int, driver string) (Sculpture, error) {
		extra := sessionExtra(session)
		extra["driver"] = driver
		extra["index"] = strconv.Itoa(i + 1)
		extra["total"] = strconv.Itoa(n)
		exec.Report(StageExtractingTelemetry, jobs.BatchProgress(20, 75, i, n),
			fmt.Sprintf("ドライバー %d/%d: %s を処理しています", i+1, n, driver), extra)

		telemetry, lap, err := s.source.FastestLap(ctx, session, driver)
		if err != nil {
			return Sculpture{}, err
		}
		result, err := Process(telemetry)
		if err != nil {
			return Sculpture{}, jobs.NewError(jobs.CodeDataNotFound, fmt.Sprintf("%s のテレメトリが不足しています", driver), err)
		}
		result.Driver = lap
		result.DriverCode = driver
		return *result, nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if !r.OK() {
			exec.Logger.Warn("driver skipped in comparison", zap.String("driver", r.Key), zap.Error(r.Err))
		}
	}

	outcome, err := jobs.Reduce(results)
	if err != nil {
		return nil, err
	}
	exec.Logger.Info("comparison finished",
		zap.Int("requested", outcome.TotalRequested),
		zap.Int("succeeded", outcome.TotalSucceeded))
	return outcome, nil
}

func (s *Service) runSessionMetadata(ctx context.Context, exec *jobs.Execution) (any, error) {
	var p SessionParams
	if err := exec.Decode(&p); err != nil {
		return nil, err
	}

	exec.Report(StageLoadingSession, 50, "セッションのメタデータを読み込んでいます", nil)
	session, err := s.loadSession(ctx, exec, p)
	if err != nil {
		return nil, err
	}
	drivers, err := s.source.Drivers(ctx, session)
	if err != nil {
		return nil, err
	}
	return &SessionMetadata{
		EventName:    session.EventName,
		SessionName:  session.SessionName,
		SessionDate:  session.Date,
		Drivers:      drivers,
		TotalDrivers: len(drivers),
	}, nil
}

// loadSession はワーカーの作業領域にセッションがあればそれを使い、なければ読み込みます。
func (s *Service) loadSession(ctx context.Context, exec *jobs.Execution, p SessionParams) (*Session, error) {
	key := "session:" + p.Key()
	if exec.Scratch != nil {
		if v, ok := exec.Scratch.Get(key); ok {
			if session, ok := v.(*Session); ok {
				exec.Logger.Debug("session reused from worker scratch", zap.String("session", p.Key()))
				return session, nil
			}
		}
	}

	session, err := s.source.LoadSession(ctx, p)
	if err != nil {
		return nil, err
	}
	if session.Year == 0 {
		session.Year = p.Year
	}
	if session.Round == 0 {
		session.Round = p.Round
	}
	if session.Code == "" {
		session.Code = p.Session
	}
	if exec.Scratch != nil {
		exec.Scratch.Add(key, session)
	}
	exec.Logger.Info("session loaded", zap.String("event", session.EventName), zap.String("session", session.SessionName))
	return session, nil
}

func sessionExtra(s *Session) map[string]string {
	return map[string]string{
		"eventName":   s.EventName,
		"sessionName": s.SessionName,
		"sessionDate": s.Date,
		"year":        strconv.Itoa(s.Year),
	}
}
