package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy is responsible for tracking running tasks and determining
// if a new task can start based on the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if task can start given current state
	CanStart(task Task) bool
	// OnStart is called when a task starts
	OnStart(task Task)
	// OnComplete is called when a task completes
	OnComplete(task Task)
}

// ThrottledStrategy allows up to maxConcurrent tasks to run in parallel.
// This is the production strategy: the limit is the worker pool size.
type ThrottledStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
}

// NewThrottledStrategy creates a strategy that allows up to maxConcurrent
// tasks to run in parallel.
func NewThrottledStrategy(maxConcurrent int) *ThrottledStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ThrottledStrategy{
		maxConcurrent: maxConcurrent,
	}
}

func (s *ThrottledStrategy) CanStart(Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running < s.maxConcurrent
}

func (s *ThrottledStrategy) OnStart(Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
}

func (s *ThrottledStrategy) OnComplete(Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
}

// NewSerializedStrategy creates a strategy that runs one task at a time.
func NewSerializedStrategy() *ThrottledStrategy {
	return NewThrottledStrategy(1)
}

// PerKindStrategy applies a separate limit to each task kind, so a burst of
// repository link polling cannot starve membership reconciliation.
// Kinds without an explicit limit use defaultLimit.
type PerKindStrategy struct {
	mu           sync.Mutex
	limits       map[string]int
	defaultLimit int
	running      map[string]int
}

// NewPerKindStrategy creates a per-kind throttling strategy.
func NewPerKindStrategy(defaultLimit int, limits map[string]int) *PerKindStrategy {
	if defaultLimit < 1 {
		defaultLimit = 1
	}
	copied := make(map[string]int, len(limits))
	for k, v := range limits {
		if v < 1 {
			v = 1
		}
		copied[k] = v
	}
	return &PerKindStrategy{
		limits:       copied,
		defaultLimit: defaultLimit,
		running:      make(map[string]int),
	}
}

func (s *PerKindStrategy) limitFor(kind string) int {
	if l, ok := s.limits[kind]; ok {
		return l
	}
	return s.defaultLimit
}

func (s *PerKindStrategy) CanStart(task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[task.Kind()] < s.limitFor(task.Kind())
}

func (s *PerKindStrategy) OnStart(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[task.Kind()]++
}

func (s *PerKindStrategy) OnComplete(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[task.Kind()] > 0 {
		s.running[task.Kind()]--
	}
}
