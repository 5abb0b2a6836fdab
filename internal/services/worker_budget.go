package services

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// WorkerBudgetConfig holds the bounds for sizing the analysis fan-out.
type WorkerBudgetConfig struct {
	MinWorkers      int
	MaxWorkers      int
	CPUThreshold    float64 // percent
	MemoryThreshold float64 // percent
	SampleInterval  time.Duration
}

// DefaultWorkerBudgetConfig returns the default sizing bounds.
func DefaultWorkerBudgetConfig() WorkerBudgetConfig {
	return WorkerBudgetConfig{
		MinWorkers:      1,
		MaxWorkers:      16,
		CPUThreshold:    80.0,
		MemoryThreshold: 85.0,
		SampleInterval:  time.Second,
	}
}

// WorkerBudget sizes how many subjects a comparison analyzes at once. Detectors are
// CPU-bound, so the budget starts from the core count and shrinks on small or busy
// hosts.
type WorkerBudget struct {
	mu                 sync.RWMutex
	config             WorkerBudgetConfig
	cpuCores           int
	memoryGB           float64
	currentCPUUsage    float64
	currentMemoryUsage float64
	limit              int
	logger             *logrus.Logger
}

// NewWorkerBudget inspects the host and computes the initial limit.
func NewWorkerBudget(cfg WorkerBudgetConfig, logger *logrus.Logger) *WorkerBudget {
	def := DefaultWorkerBudgetConfig()
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = def.MinWorkers
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.CPUThreshold == 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.MemoryThreshold == 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if logger == nil {
		logger = logrus.New()
	}

	wb := &WorkerBudget{config: cfg, logger: logger}

	if cores, err := cpu.Counts(true); err == nil && cores > 0 {
		wb.cpuCores = cores
	} else {
		wb.cpuCores = runtime.NumCPU()
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		wb.memoryGB = float64(memInfo.Total) / (1024 * 1024 * 1024)
	} else {
		logger.WithError(err).Warn("Could not get memory info, using default")
		wb.memoryGB = 8.0
	}

	wb.recalculate()

	logger.WithFields(logrus.Fields{
		"cpu_cores": wb.cpuCores,
		"memory_gb": wb.memoryGB,
		"limit":     wb.Limit(),
	}).Info("Worker budget initialized")

	return wb
}

// recalculate derives the limit from cores, memory and current load.
func (wb *WorkerBudget) recalculate() {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	base := wb.cpuCores

	memoryFactor := 1.0
	if wb.memoryGB < 4.0 {
		memoryFactor = 0.5
	} else if wb.memoryGB < 8.0 {
		memoryFactor = 0.75
	}

	loadFactor := 1.0
	if wb.currentCPUUsage > wb.config.CPUThreshold {
		loadFactor = 0.7
	} else if wb.currentMemoryUsage > wb.config.MemoryThreshold {
		loadFactor = 0.8
	}

	limit := int(float64(base) * memoryFactor * loadFactor)
	if limit < wb.config.MinWorkers {
		limit = wb.config.MinWorkers
	}
	if limit > wb.config.MaxWorkers {
		limit = wb.config.MaxWorkers
	}
	wb.limit = limit
}

// Limit returns the current number of concurrent subject analyses.
func (wb *WorkerBudget) Limit() int {
	wb.mu.RLock()
	defer wb.mu.RUnlock()
	return wb.limit
}

// Resolve returns configured when positive and the computed limit otherwise.
func (wb *WorkerBudget) Resolve(configured int) int {
	if configured > 0 {
		return configured
	}
	return wb.Limit()
}

// Refresh samples CPU and memory usage and recomputes the limit.
func (wb *WorkerBudget) Refresh(ctx context.Context) error {
	cpuPercent, err := cpu.PercentWithContext(ctx, wb.config.SampleInterval, false)
	if err != nil {
		return fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get memory usage: %w", err)
	}

	wb.mu.Lock()
	if len(cpuPercent) > 0 {
		wb.currentCPUUsage = cpuPercent[0]
	}
	wb.currentMemoryUsage = memInfo.UsedPercent
	wb.mu.Unlock()

	wb.recalculate()
	wb.logger.WithFields(logrus.Fields{
		"cpu_usage":    cpuPercent,
		"memory_usage": memInfo.UsedPercent,
		"limit":        wb.Limit(),
	}).Debug("Worker budget refreshed")
	return nil
}
