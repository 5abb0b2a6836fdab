package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-patterns/internal/config"
	"github.com/irfndi/celebrum-patterns/internal/models"
)

// Operation types understood by the timeout manager.
const (
	OperationCycles     = models.DetectorCycles
	OperationRegime     = models.DetectorRegime
	OperationPatterns   = models.DetectorPatterns
	OperationLoadEvents = "load_events"
	OperationCache      = "cache"
)

// TimeoutConfig defines timeout settings for different operation types
type TimeoutConfig struct {
	Cycles     time.Duration
	Regime     time.Duration
	Patterns   time.Duration
	LoadEvents time.Duration
	Cache      time.Duration
}

// TimeoutManager manages timeouts for concurrent operations
type TimeoutManager struct {
	config         *TimeoutConfig
	logger         *logrus.Logger
	activeContexts map[string]context.CancelFunc
	mu             sync.RWMutex
	defaultTimeout time.Duration
}

// OperationContext wraps a context with timeout and cancellation
type OperationContext struct {
	Ctx         context.Context
	Cancel      context.CancelFunc
	OperationID string
	StartTime   time.Time
	Timeout     time.Duration
}

// NewTimeoutManager creates a new timeout manager
func NewTimeoutManager(cfg *TimeoutConfig, logger *logrus.Logger) *TimeoutManager {
	if cfg == nil {
		cfg = DefaultTimeoutConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &TimeoutManager{
		config:         cfg,
		logger:         logger,
		activeContexts: make(map[string]context.CancelFunc),
		defaultTimeout: 30 * time.Second,
	}
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Cycles:     30 * time.Second,
		Regime:     60 * time.Second,
		Patterns:   30 * time.Second,
		LoadEvents: 10 * time.Second,
		Cache:      2 * time.Second,
	}
}

// TimeoutConfigFrom builds the timeout settings from the orchestrator configuration,
// keeping the defaults for empty or invalid values.
func TimeoutConfigFrom(cfg config.OrchestratorConfig) *TimeoutConfig {
	def := DefaultTimeoutConfig()
	return &TimeoutConfig{
		Cycles:     config.GetTimeout(cfg.CyclesTimeout, def.Cycles),
		Regime:     config.GetTimeout(cfg.RegimeTimeout, def.Regime),
		Patterns:   config.GetTimeout(cfg.PatternsTimeout, def.Patterns),
		LoadEvents: config.GetTimeout(cfg.LoadTimeout, def.LoadEvents),
		Cache:      def.Cache,
	}
}

// CreateOperationContextWithParent creates a new operation context with a parent context
func (tm *TimeoutManager) CreateOperationContextWithParent(parent context.Context, operationType string, operationID string) *OperationContext {
	timeout := tm.getTimeoutForOperation(operationType)
	ctx, cancel := context.WithTimeout(parent, timeout)

	tm.mu.Lock()
	tm.activeContexts[operationID] = cancel
	tm.mu.Unlock()

	return &OperationContext{
		Ctx:         ctx,
		Cancel:      cancel,
		OperationID: operationID,
		StartTime:   time.Now(),
		Timeout:     timeout,
	}
}

// getTimeoutForOperation returns the appropriate timeout for an operation type
func (tm *TimeoutManager) getTimeoutForOperation(operationType string) time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	switch operationType {
	case OperationCycles:
		return tm.config.Cycles
	case OperationRegime:
		return tm.config.Regime
	case OperationPatterns:
		return tm.config.Patterns
	case OperationLoadEvents:
		return tm.config.LoadEvents
	case OperationCache:
		return tm.config.Cache
	default:
		return tm.defaultTimeout
	}
}

// CompleteOperation marks an operation as complete and cleans up resources
func (tm *TimeoutManager) CompleteOperation(operationID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if cancel, exists := tm.activeContexts[operationID]; exists {
		cancel()
		delete(tm.activeContexts, operationID)
	}
}

// CancelAllOperations cancels all active operations
func (tm *TimeoutManager) CancelAllOperations() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for operationID, cancel := range tm.activeContexts {
		cancel()
		tm.logger.WithField("operation_id", operationID).Info("Operation cancelled during shutdown")
	}

	tm.activeContexts = make(map[string]context.CancelFunc)
}

// GetActiveOperationCount returns the number of active operations
func (tm *TimeoutManager) GetActiveOperationCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.activeContexts)
}

// GetTimeoutConfig returns the current timeout configuration
func (tm *TimeoutManager) GetTimeoutConfig() TimeoutConfig {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return *tm.config
}

// Shutdown cancels every operation still in flight.
func (tm *TimeoutManager) Shutdown() {
	tm.logger.Info("Shutting down timeout manager")
	tm.CancelAllOperations()
}

// ExecuteWithTimeout runs operation under the timeout of operationType. It returns as
// soon as either the operation finishes or its context is done; a late result is
// discarded.
func ExecuteWithTimeout[T any](
	parent context.Context,
	tm *TimeoutManager,
	operationType string,
	operationID string,
	operation func(ctx context.Context) (T, error),
) (T, error) {
	opCtx := tm.CreateOperationContextWithParent(parent, operationType, operationID)
	defer tm.CompleteOperation(operationID)

	type outcome struct {
		data T
		err  error
	}
	resultChan := make(chan outcome, 1)

	go func() {
		data, err := operation(opCtx.Ctx)
		resultChan <- outcome{data: data, err: err}
	}()

	select {
	case result := <-resultChan:
		tm.logger.WithFields(logrus.Fields{
			"operation_type": operationType,
			"operation_id":   operationID,
			"duration":       time.Since(opCtx.StartTime),
			"success":        result.err == nil,
		}).Debug("Operation completed")
		return result.data, result.err

	case <-opCtx.Ctx.Done():
		tm.logger.WithFields(logrus.Fields{
			"operation_type": operationType,
			"operation_id":   operationID,
			"duration":       time.Since(opCtx.StartTime),
			"timeout":        opCtx.Timeout,
		}).Warn("Operation timed out")
		var zero T
		return zero, opCtx.Ctx.Err()
	}
}
