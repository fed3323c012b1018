package scanning

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Throttling constants. Rates are in simulated ports per second.
const (
	AsyncBaseRate    = 1000
	ThreadedBaseRate = 300
	RatePerWorker    = 5
	MinPortDelay     = 10 * time.Millisecond
)

// BaseRate returns the rate ceiling for a method.
func BaseRate(m Method) int {
	if m == MethodAsync {
		return AsyncBaseRate
	}
	return ThreadedBaseRate
}

// EffectiveRate is min(BaseRate(m), workers*RatePerWorker), never below 1.
// Worker counts past the base rate saturate without multiplying, so huge
// values cannot overflow.
func EffectiveRate(m Method, workers int) int {
	base := BaseRate(m)
	if workers > base/RatePerWorker {
		return base
	}
	rate := workers * RatePerWorker
	if rate < 1 {
		return 1
	}
	return rate
}

// PortDelay is the simulated per-port latency: max(1000/rate ms, 10 ms).
func PortDelay(m Method, workers int) time.Duration {
	ms := 1000.0 / float64(EffectiveRate(m, workers))
	d := time.Duration(math.Round(ms * float64(time.Millisecond)))
	return max(d, MinPortDelay)
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Percentage returns round(scanned/total*100); zero when total is zero.
func Percentage(scanned, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(scanned) / float64(total) * 100))
}

// Throughput returns round(scanned / max(elapsed seconds, 1)).
func Throughput(scanned int, elapsed time.Duration) int {
	secs := math.Max(elapsed.Seconds(), 1)
	return int(math.Round(float64(scanned) / secs))
}

// FormatElapsed renders a duration as MM:SS.
func FormatElapsed(d time.Duration) string {
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
