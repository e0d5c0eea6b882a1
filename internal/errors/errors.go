package errors

import (
	"errors"
	"sync"
	"time"
)

// CompileFailure records one failed file of a compile pass
type CompileFailure struct {
	Path      string    `json:"path"`
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCollector keeps the failures of the most recent compile pass
type ErrorCollector struct {
	failures []CompileFailure
	mutex    sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		failures: make([]CompileFailure, 0),
	}
}

// AddError records err as a compile failure
func (ec *ErrorCollector) AddError(err error) {
	if err == nil {
		return
	}

	failure := CompileFailure{
		Type:      TypeOf(err),
		Message:   err.Error(),
		Timestamp: time.Now(),
	}
	var se *StrataError
	if errors.As(err, &se) {
		failure.Path = se.Path
	}

	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.failures = append(ec.failures, failure)
}

// GetErrors returns a copy of the collected failures
func (ec *ErrorCollector) GetErrors() []CompileFailure {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]CompileFailure, len(ec.failures))
	copy(result, ec.failures)
	return result
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.failures) > 0
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.failures = ec.failures[:0]
}

// GetErrorsByPath returns failures for a specific file
func (ec *ErrorCollector) GetErrorsByPath(path string) []CompileFailure {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	var matches []CompileFailure
	for _, f := range ec.failures {
		if f.Path == path {
			matches = append(matches, f)
		}
	}
	return matches
}
