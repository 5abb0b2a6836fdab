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
)

// TestTimeoutManager_NewTimeoutManager tests timeout manager creation
func TestTimeoutManager_NewTimeoutManager(t *testing.T) {
	logger := logrus.New()

	cfg := DefaultTimeoutConfig()
	tm := NewTimeoutManager(cfg, logger)

	assert.NotNil(t, tm)
	assert.Equal(t, cfg, tm.config)
	assert.Equal(t, logger, tm.logger)
	assert.NotNil(t, tm.activeContexts)
	assert.Equal(t, 30*time.Second, tm.defaultTimeout)
}

func TestTimeoutManager_DefaultTimeoutConfig(t *testing.T) {
	cfg := DefaultTimeoutConfig()

	assert.Equal(t, 30*time.Second, cfg.Cycles)
	assert.Equal(t, 60*time.Second, cfg.Regime)
	assert.Equal(t, 30*time.Second, cfg.Patterns)
	assert.Equal(t, 10*time.Second, cfg.LoadEvents)
	assert.Equal(t, 2*time.Second, cfg.Cache)
}

func TestTimeoutConfigFrom(t *testing.T) {
	cfg := TimeoutConfigFrom(config.OrchestratorConfig{
		CyclesTimeout: "5s",
		RegimeTimeout: "broken",
		LoadTimeout:   "1m",
	})

	assert.Equal(t, 5*time.Second, cfg.Cycles)
	assert.Equal(t, 60*time.Second, cfg.Regime)
	assert.Equal(t, 30*time.Second, cfg.Patterns)
	assert.Equal(t, time.Minute, cfg.LoadEvents)
}

func TestTimeoutManager_GetTimeoutForOperation(t *testing.T) {
	tm := NewTimeoutManager(nil, logrus.New())

	assert.Equal(t, 30*time.Second, tm.getTimeoutForOperation(OperationCycles))
	assert.Equal(t, 60*time.Second, tm.getTimeoutForOperation(OperationRegime))
	assert.Equal(t, 30*time.Second, tm.getTimeoutForOperation(OperationPatterns))
	assert.Equal(t, 10*time.Second, tm.getTimeoutForOperation(OperationLoadEvents))
	assert.Equal(t, 2*time.Second, tm.getTimeoutForOperation(OperationCache))
	assert.Equal(t, 30*time.Second, tm.getTimeoutForOperation("unknown"))
}

// TestTimeoutManager_CreateOperationContextWithParent tests operation context creation with parent
func TestTimeoutManager_CreateOperationContextWithParent(t *testing.T) {
	tm := NewTimeoutManager(nil, logrus.New())

	parentCtx, parentCancel := context.WithCancel(context.Background())
	defer parentCancel()

	opCtx := tm.CreateOperationContextWithParent(parentCtx, OperationRegime, "op1")
	assert.Equal(t, "op1", opCtx.OperationID)
	assert.Equal(t, 60*time.Second, opCtx.Timeout)
	assert.Equal(t, 1, tm.GetActiveOperationCount())

	parentCancel()
	select {
	case <-opCtx.Ctx.Done():
	default:
		t.Error("Child context should be cancelled when parent is cancelled")
	}

	tm.CompleteOperation("op1")
	assert.Equal(t, 0, tm.GetActiveOperationCount())
}

func TestTimeoutManager_CancelAllOperations(t *testing.T) {
	tm := NewTimeoutManager(nil, logrus.New())

	first := tm.CreateOperationContextWithParent(context.Background(), OperationCycles, "a")
	second := tm.CreateOperationContextWithParent(context.Background(), OperationPatterns, "b")
	assert.Equal(t, 2, tm.GetActiveOperationCount())

	tm.Shutdown()
	assert.Equal(t, 0, tm.GetActiveOperationCount())
	assert.Error(t, first.Ctx.Err())
	assert.Error(t, second.Ctx.Err())
}

func TestExecuteWithTimeout_Success(t *testing.T) {
	tm := NewTimeoutManager(nil, logrus.New())

	result, err := ExecuteWithTimeout(context.Background(), tm, OperationCycles, "run:cycles",
		func(ctx context.Context) (int, error) {
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 0, tm.GetActiveOperationCount())
}

func TestExecuteWithTimeout_PropagatesError(t *testing.T) {
	tm := NewTimeoutManager(nil, logrus.New())
	boom := errors.New("boom")

	_, err := ExecuteWithTimeout(context.Background(), tm, OperationRegime, "run:regime",
		func(ctx context.Context) (string, error) {
			return "", boom
		})

	assert.ErrorIs(t, err, boom)
}

func TestExecuteWithTimeout_TimesOut(t *testing.T) {
	tm := NewTimeoutManager(&TimeoutConfig{Patterns: 20 * time.Millisecond}, logrus.New())

	start := time.Now()
	_, err := ExecuteWithTimeout(context.Background(), tm, OperationPatterns, "run:patterns",
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return 1, nil
		})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, tm.GetActiveOperationCount())
}
