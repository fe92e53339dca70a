package payload

import "time"

// RetrySchedule holds one delay per retry attempt.
type RetrySchedule []time.Duration

// NewRetrySchedule converts millisecond delays into a schedule.
func NewRetrySchedule(delaysMilliseconds []int) RetrySchedule {
	schedule := make(RetrySchedule, 0, len(delaysMilliseconds))
	for _, ms := range delaysMilliseconds {
		schedule = append(schedule, time.Duration(ms)*time.Millisecond)
	}
	return schedule
}

// Delay returns the wait before the given 1-based attempt. Attempts past the end reuse the last delay.
func (s RetrySchedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(s) {
		i = len(s) - 1
	}
	return s[i]
}

// Exhausted reports whether retryCount has gone past the schedule.
func (s RetrySchedule) Exhausted(retryCount int) bool {
	return retryCount > len(s)
}
