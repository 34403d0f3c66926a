package collector

import (
	"context"
	"time"
)

// ForEachBatch walks [0, total) in fixed-size batches with a cooldown between
// them, used by collectors that fan out across independent domains. The
// callback sees half-open index ranges; iteration stops on context
// cancellation.
func ForEachBatch(
	ctx context.Context,
	total, size int,
	cooldown time.Duration,
	fn func(start, end int),
) error {
	if size <= 0 {
		size = 1
	}
	for start := 0; start < total; start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + size
		if end > total {
			end = total
		}
		fn(start, end)
		if end < total && cooldown > 0 {
			timer := time.NewTimer(cooldown)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}
