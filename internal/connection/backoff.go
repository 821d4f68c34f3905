package connection

import "time"

// Backoff returns min(base * 2^attempt, ceiling).
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}
