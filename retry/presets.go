package retry

import "time"

// Quick is tuned for fast, low-stakes operations: few attempts, short caps.
func Quick() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Standard is the default preset used by the agent runtime base to wrap a
// user-supplied execute call.
func Standard() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Aggressive retries more times with a longer cap, for operations known to
// be flaky but cheap to retry.
func Aggressive() Options {
	return Options{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.5,
	}
}

// Patient waits longer between attempts, for slow external dependencies.
func Patient() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      5 * time.Second,
		MaxDelay:          120 * time.Second,
		BackoffMultiplier: 3,
	}
}

// Network is tuned for flaky network calls: more attempts, wider jitter.
func Network() Options {
	return Options{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.2,
	}
}
