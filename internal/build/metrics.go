package build

import (
	"sync"
	"time"
)

// CompileMetrics tracks compile pass outcomes.
type CompileMetrics struct {
	TotalPasses      int64         `json:"total_passes"`
	SuccessfulPasses int64         `json:"successful_passes"`
	FailedPasses     int64         `json:"failed_passes"`
	FilesCompiled    int64         `json:"files_compiled"`
	FilesSkipped     int64         `json:"files_skipped"`
	FilesPruned      int64         `json:"files_pruned"`
	MemoHits         int64         `json:"memo_hits"`
	AverageDuration  time.Duration `json:"average_duration"`
	TotalDuration    time.Duration `json:"total_duration"`
	LastPass         time.Time     `json:"last_pass"`
	mutex            sync.RWMutex
}

// NewCompileMetrics creates a new metrics tracker
func NewCompileMetrics() *CompileMetrics {
	return &CompileMetrics{}
}

// RecordPass records a finished compile pass.
func (m *CompileMetrics) RecordPass(result Result, memoHits int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.TotalPasses++
	m.TotalDuration += result.Duration
	m.FilesCompiled += int64(result.Compiled)
	m.FilesSkipped += int64(result.Skipped)
	m.FilesPruned += int64(result.Pruned)
	m.MemoHits += int64(memoHits)
	m.LastPass = result.Timestamp

	if err != nil {
		m.FailedPasses++
	} else {
		m.SuccessfulPasses++
	}

	if m.TotalPasses > 0 {
		m.AverageDuration = m.TotalDuration / time.Duration(m.TotalPasses)
	}
}

// GetSnapshot returns a snapshot of current metrics
func (m *CompileMetrics) GetSnapshot() CompileMetrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return CompileMetrics{
		TotalPasses:      m.TotalPasses,
		SuccessfulPasses: m.SuccessfulPasses,
		FailedPasses:     m.FailedPasses,
		FilesCompiled:    m.FilesCompiled,
		FilesSkipped:     m.FilesSkipped,
		FilesPruned:      m.FilesPruned,
		MemoHits:         m.MemoHits,
		AverageDuration:  m.AverageDuration,
		TotalDuration:    m.TotalDuration,
		LastPass:         m.LastPass,
	}
}

// Reset resets all metrics
func (m *CompileMetrics) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.TotalPasses = 0
	m.SuccessfulPasses = 0
	m.FailedPasses = 0
	m.FilesCompiled = 0
	m.FilesSkipped = 0
	m.FilesPruned = 0
	m.MemoHits = 0
	m.AverageDuration = 0
	m.TotalDuration = 0
	m.LastPass = time.Time{}
}

// SuccessRate returns the share of passes that succeeded, as a percentage.
func (m *CompileMetrics) SuccessRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.TotalPasses == 0 {
		return 0
	}
	return float64(m.SuccessfulPasses) / float64(m.TotalPasses) * 100
}

// SkipRate returns the share of visited files the hash gate skipped.
func (m *CompileMetrics) SkipRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	total := m.FilesCompiled + m.FilesSkipped
	if total == 0 {
		return 0
	}
	return float64(m.FilesSkipped) / float64(total) * 100
}
