package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-patterns/internal/config"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, p.delay(0))
	assert.Equal(t, 200*time.Millisecond, p.delay(1))
	assert.Equal(t, 800*time.Millisecond, p.delay(3))
	assert.Equal(t, time.Second, p.delay(10))

	p.JitterEnabled = true
	for i := 0; i < 20; i++ {
		d := p.delay(1)
		assert.GreaterOrEqual(t, d, 175*time.Millisecond)
		assert.LessOrEqual(t, d, 225*time.Millisecond)
	}
}

func TestDefaultLoadRetryPolicy(t *testing.T) {
	p := DefaultLoadRetryPolicy(3)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, p.InitialDelay)
	assert.True(t, p.JitterEnabled)
}

func TestExecuteWithRetry_RecoversFromTransientErrors(t *testing.T) {
	attempts := 0
	value, err := ExecuteWithRetry(context.Background(), fastPolicy(3), "load_events", quietLogger(),
		func(ctx context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("connection reset")
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, attempts)
}

func TestExecuteWithRetry_GivesUp(t *testing.T) {
	boom := errors.New("connection refused")
	attempts := 0
	_, err := ExecuteWithRetry(context.Background(), fastPolicy(2), "load_events", quietLogger(),
		func(ctx context.Context) (int, error) {
			attempts++
			return 0, boom
		})

	assert.Same(t, boom, err)
	assert.Equal(t, 3, attempts)
}

func TestExecuteWithRetry_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", utils.NewValidationError("bad subject")},
		{"insufficient data", utils.NewInsufficientDataError("cycles", 60, 10)},
		{"canceled", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			_, err := ExecuteWithRetry(context.Background(), fastPolicy(5), "load_events", quietLogger(),
				func(ctx context.Context) (int, error) {
					attempts++
					return 0, tt.err
				})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestExecuteWithRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour, BackoffFactor: 1}

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := ExecuteWithRetry(ctx, policy, "load_events", quietLogger(),
		func(ctx context.Context) (int, error) {
			attempts++
			return 0, errors.New("connection reset")
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

type flakySource struct {
	fakeSource
	failures int
}

func (f *flakySource) LoadEvents(ctx context.Context, subjectID string, from, to time.Time) ([]models.RawEvent, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.fakeSource.LoadEvents(ctx, subjectID, from, to)
}

func TestAnalyzeSubject_RetriesEventLoad(t *testing.T) {
	source := &flakySource{
		fakeSource: fakeSource{values: map[string][]float64{"subject-1": monthlyValues(150, 0, 11)}},
		failures:   1,
	}
	svc := newTestService(config.DefaultAnalysisConfig(), source, nil)

	result, err := svc.AnalyzeSubject(context.Background(), "subject-1", start, start.AddDate(0, 0, 150))
	require.NoError(t, err)
	assert.Equal(t, "subject-1", result.SubjectID)
	assert.Equal(t, 1, source.callCount())

	noRetry := config.DefaultAnalysisConfig()
	noRetry.Orchestrator.LoadRetries = 0
	source = &flakySource{
		fakeSource: fakeSource{values: map[string][]float64{"subject-1": monthlyValues(150, 0, 11)}},
		failures:   1,
	}
	_, err = newTestService(noRetry, source, nil).AnalyzeSubject(context.Background(), "subject-1", start, start.AddDate(0, 0, 150))
	assert.ErrorContains(t, err, "connection reset by peer")
}
