package resilience

import (
	"encoding/json"
	"sync"

	"github.com/cryptonhq/crypton/internal/platform/atomicio"
)

type failureCountFile struct {
	Count int `json:"count"`
}

// FailureTracker counts consecutive dispatch failures and triggers Safe
// Mode on reaching threshold. Persisted across
// restarts: a restart with count >= threshold starts Safe Mode active.
type FailureTracker struct {
	path      string
	threshold int
	safeMode  *SafeMode

	mu    sync.Mutex
	count int
}

// NewFailureTracker loads any persisted count from path and, if it
// already meets threshold, activates Safe Mode immediately.
func NewFailureTracker(path string, threshold int, safeMode *SafeMode) *FailureTracker {
	if threshold <= 0 {
		threshold = 3
	}
	ft := &FailureTracker{path: path, threshold: threshold, safeMode: safeMode}
	if raw, err := atomicio.ReadFile(path); err == nil {
		var f failureCountFile
		if json.Unmarshal(raw, &f) == nil {
			ft.count = f.Count
		}
	}
	if ft.count >= ft.threshold {
		safeMode.Activate("failure_threshold")
	}
	return ft
}

// RecordFailure increments the consecutive-failure count and activates
// Safe Mode once threshold is reached.
func (ft *FailureTracker) RecordFailure() {
	ft.mu.Lock()
	ft.count++
	count := ft.count
	ft.mu.Unlock()
	ft.persist(count)
	if count >= ft.threshold {
		ft.safeMode.Activate("failure_threshold")
	}
}

// RecordSuccess resets the consecutive-failure count.
func (ft *FailureTracker) RecordSuccess() {
	ft.mu.Lock()
	ft.count = 0
	ft.mu.Unlock()
	ft.persist(0)
}

func (ft *FailureTracker) persist(count int) {
	raw, err := json.Marshal(failureCountFile{Count: count})
	if err != nil {
		return
	}
	_ = atomicio.WriteFile(ft.path, raw, 0o644)
}
