package downloadqueue

import "time"

// Statistics tracks queue throughput since construction or the last reset.
type Statistics struct {
	TotalEnqueued    int64
	Succeeded        int64
	Failed           int64
	Canceled         int64
	BytesTransferred int64
	// MaxQueueDepth is the historical peak number of items waiting behind
	// the in-flight transfer.
	MaxQueueDepth int

	totalWait     time.Duration
	totalTransfer time.Duration
}

// SuccessRate returns the fraction of resolved downloads that succeeded.
func (s Statistics) SuccessRate() float64 {
	resolved := s.Succeeded + s.Failed
	if resolved == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(resolved)
}

// AverageWaitTime is the mean time successful items spent queued before
// their transfer started.
func (s Statistics) AverageWaitTime() time.Duration {
	if s.Succeeded == 0 {
		return 0
	}
	return s.totalWait / time.Duration(s.Succeeded)
}

// AverageTransferTime is the mean duration of successful transfers,
// including retries.
func (s Statistics) AverageTransferTime() time.Duration {
	if s.Succeeded == 0 {
		return 0
	}
	return s.totalTransfer / time.Duration(s.Succeeded)
}

// Statistics returns a snapshot of the queue counters.
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// ResetStatistics zeroes all counters without affecting in-flight state.
func (q *Queue) ResetStatistics() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats = Statistics{}
}
