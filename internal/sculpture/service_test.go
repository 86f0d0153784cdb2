package sculpture

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/sculpture-forge/internal/jobs"
)

type stubSource struct {
	mu        sync.Mutex
	loads     int
	missing   map[string]bool
	loadErr   error
	lapCalled []string
}

func (s *stubSource) LoadSession(ctx context.Context, p SessionParams) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return &Session{EventName: "Japanese Grand Prix", SessionName: "Race", Date: "2024-04-07"}, nil
}

func (s *stubSource) FastestLap(ctx context.Context, session *Session, driver string) (*Telemetry, *LapInfo, error) {
	s.mu.Lock()
	s.lapCalled = append(s.lapCalled, driver)
	missing := s.missing[driver]
	s.mu.Unlock()
	if missing {
		return nil, nil, jobs.NewError(jobs.CodeDataNotFound, "no laps for "+driver, nil)
	}
	return circleLap(20, 180), &LapInfo{Abbreviation: driver, LapTime: "1:33.0", Compound: "MEDIUM"}, nil
}

func (s *stubSource) Drivers(ctx context.Context, session *Session) ([]DriverMetadata, error) {
	return []DriverMetadata{{Abbreviation: "VER"}, {Abbreviation: "PER"}}, nil
}

func (s *stubSource) Events(ctx context.Context, year int) ([]EventInfo, error) {
	return []EventInfo{{Round: 1, Name: "Bahrain Grand Prix"}}, nil
}

func (s *stubSource) EventSessions(ctx context.Context, year, round int) (*EventSessions, error) {
	return &EventSessions{EventName: "Bahrain Grand Prix"}, nil
}

type reportLog struct {
	mu      sync.Mutex
	reports []jobs.ProgressInfo
}

func (l *reportLog) add(p jobs.ProgressInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, p)
}

func (l *reportLog) percents() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.reports))
	for _, r := range l.reports {
		out = append(out, r.Percent)
	}
	return out
}

func newTestService(t *testing.T, source *stubSource) (*Service, *jobs.Registry) {
	t.Helper()
	svc, err := NewService(source, time.Hour, 2*time.Hour, nil)
	require.NoError(t, err)
	registry := jobs.NewRegistry()
	require.NoError(t, svc.Register(registry))
	return svc, registry
}

func runJob(t *testing.T, registry *jobs.Registry, jobType string, params any, scratch *lru.Cache[string, any]) (any, *reportLog, error) {
	t.Helper()
	def, ok := registry.Lookup(jobType)
	require.True(t, ok)
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	log := &reportLog{}
	exec := jobs.NewExecution("job-1", jobType, raw, scratch, nil, log.add)
	out, err := def.Run(context.Background(), exec)
	return out, log, err
}

func TestRegisterDefinitions(t *testing.T) {
	_, registry := newTestService(t, &stubSource{})

	assert.Equal(t, []string{JobTypeCompare, JobTypeSculpture, JobTypeSessionMetadata}, registry.Types())
	def, _ := registry.Lookup(JobTypeSculpture)
	assert.True(t, def.Cacheable)
	assert.Equal(t, time.Hour, def.CacheTTL)
	def, _ = registry.Lookup(JobTypeCompare)
	assert.False(t, def.Cacheable)
	def, _ = registry.Lookup(JobTypeSessionMetadata)
	assert.True(t, def.Cacheable)
	assert.Equal(t, 2*time.Hour, def.CacheTTL)
}

func TestSculptureJobStages(t *testing.T) {
	_, registry := newTestService(t, &stubSource{})

	out, log, err := runJob(t, registry, JobTypeSculpture, SculptureParams{
		SessionParams: SessionParams{Year: 2024, Round: 4, Session: "R"},
		Driver:        "VER",
	}, nil)
	require.NoError(t, err)

	result, ok := out.(*Sculpture)
	require.True(t, ok)
	assert.Len(t, result.Vertices, 20)
	assert.Equal(t, "VER", result.Driver.Abbreviation)
	assert.Equal(t, []int{20, 25, 50, 80}, log.percents())
	assert.Equal(t, "Japanese Grand Prix", log.reports[1].Extra["eventName"])
	assert.Equal(t, "VER", log.reports[2].Extra["driver"])
}

func TestSculptureJobMissingDriver(t *testing.T) {
	_, registry := newTestService(t, &stubSource{missing: map[string]bool{"XXX": true}})

	_, _, err := runJob(t, registry, JobTypeSculpture, SculptureParams{
		SessionParams: SessionParams{Year: 2024, Round: 4, Session: "R"},
		Driver:        "XXX",
	}, nil)
	var apiErr *jobs.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, jobs.CodeDataNotFound, apiErr.Code)
}

func TestCompareJobPartialFailure(t *testing.T) {
	source := &stubSource{missing: map[string]bool{"BBB": true}}
	_, registry := newTestService(t, source)

	out, log, err := runJob(t, registry, JobTypeCompare, CompareParams{
		SessionParams: SessionParams{Year: 2024, Round: 4, Session: "R"},
		Drivers:       []string{"AAA", "BBB", "CCC"},
	}, nil)
	require.NoError(t, err)

	outcome, ok := out.(*jobs.BatchOutcome[Sculpture])
	require.True(t, ok)
	assert.Equal(t, 3, outcome.TotalRequested)
	assert.Equal(t, 2, outcome.TotalSucceeded)
	require.Len(t, outcome.Items, 2)
	assert.Equal(t, "AAA", outcome.Items[0].DriverCode)
	assert.Equal(t, "CCC", outcome.Items[1].DriverCode)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "BBB", outcome.Failures[0].Item)

	assert.Equal(t, []int{15, 20, 45, 70}, log.percents())
	assert.Equal(t, 1, source.loads, "session is loaded once for all drivers")
}

func TestCompareJobAllFailed(t *testing.T) {
	_, registry := newTestService(t, &stubSource{missing: map[string]bool{"AAA": true, "BBB": true}})

	_, _, err := runJob(t, registry, JobTypeCompare, CompareParams{
		SessionParams: SessionParams{Year: 2024, Round: 4, Session: "R"},
		Drivers:       []string{"AAA", "BBB"},
	}, nil)
	var apiErr *jobs.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, jobs.CodeNoResults, apiErr.Code)
}

func TestSessionReusedFromScratch(t *testing.T) {
	source := &stubSource{}
	_, registry := newTestService(t, source)
	scratch, err := lru.New[string, any](2)
	require.NoError(t, err)

	params := SessionParams{Year: 2024, Round: 4, Session: "R"}
	_, _, err = runJob(t, registry, JobTypeSessionMetadata, params, scratch)
	require.NoError(t, err)
	out, _, err := runJob(t, registry, JobTypeSculpture, SculptureParams{SessionParams: params, Driver: "VER"}, scratch)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, 1, source.loads)
}

func TestSessionMetadataJob(t *testing.T) {
	_, registry := newTestService(t, &stubSource{})

	out, log, err := runJob(t, registry, JobTypeSessionMetadata, SessionParams{Year: 2024, Round: 4, Session: "R"}, nil)
	require.NoError(t, err)
	meta, ok := out.(*SessionMetadata)
	require.True(t, ok)
	assert.Equal(t, 2, meta.TotalDrivers)
	assert.Equal(t, "Race", meta.SessionName)
	assert.Equal(t, []int{50}, log.percents())
}

func TestLoadFailurePropagates(t *testing.T) {
	_, registry := newTestService(t, &stubSource{loadErr: jobs.NewError(jobs.CodeDataNotFound, "no session", nil)})

	_, _, err := runJob(t, registry, JobTypeSessionMetadata, SessionParams{Year: 2024, Round: 4, Session: "R"}, nil)
	var apiErr *jobs.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, jobs.CodeDataNotFound, apiErr.Code)
}
