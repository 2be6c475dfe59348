package queue

import "time"

// RetryBackoff computes the delay before attempt retryCount+1 of an instance:
// exponential on the base delay, doubling per attempt already made, capped so
// a long backoff never exceeds the instance timeout.
func RetryBackoff(base time.Duration, retryCount int, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if cap > 0 && delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}
