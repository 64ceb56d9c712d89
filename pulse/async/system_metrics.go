package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/studioos/errors"
)

const (
	// memoryPerWorkerGB is the working set budgeted for one processing
	// attempt (decoded multitrack audio plus processor overhead)
	memoryPerWorkerGB = 1.5
	// memoryReserveGB is left for the OS, the database and the API server
	memoryReserveGB = 2.0
	// maxRecommendedWorkers caps the recommendation
	maxRecommendedWorkers = 32
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workersActive"` // Number of workers currently executing jobs
	WorkersTotal  int     `json:"workersTotal"`  // Total configured workers
	JobsProcessed int     `json:"jobsProcessed"` // Attempts finished since Start
	MemoryUsedGB  float64 `json:"memoryUsedGb"`
	MemoryTotalGB float64 `json:"memoryTotalGb"`
	MemoryPercent float64 `json:"memoryPercent"`
	JobsQueued    int     `json:"jobsQueued"`
	JobsRunning   int     `json:"jobsRunning"`
	JobsRetrying  int     `json:"jobsRetrying"`
}

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory
func calculateSafeWorkerCount(availableGB float64) int {
	if availableGB < memoryReserveGB {
		return 1
	}
	recommended := int((availableGB - memoryReserveGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	if recommended > maxRecommendedWorkers {
		return maxRecommendedWorkers
	}
	return recommended
}

// GetSystemMetrics returns current resource usage and job counts
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	active, total, processed, _ := wp.Stats()
	m := SystemMetrics{WorkersActive: active, WorkersTotal: total, JobsProcessed: processed}

	if memTotal, available, err := getMemoryStats(); err == nil && memTotal > 0 {
		m.MemoryTotalGB = float64(memTotal) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(memTotal-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}

	// Database errors leave the counts at zero
	if counts, err := wp.queue.store.CountByState(ctx); err == nil {
		m.JobsQueued = counts[StateQueued]
		m.JobsRunning = counts[StateRunning]
		m.JobsRetrying = counts[StateRetrying]
	}
	return m
}

// checkMemoryPressure returns a warning when the worker count exceeds what
// available memory supports, or "" when it is fine or cannot be checked
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing engine.workers to prevent memory pressure.",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
