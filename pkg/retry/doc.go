// Package retry implements bounded retries with exponential backoff and
// jittered delays.
//
// The scheduler uses it at startup while backing services come up later
// than the process itself, typically the Redis lock store:
//
//	cfg := retry.DefaultConfig()
//	cfg.MaxAttempts = 5
//	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
//		return pingBackend(ctx)
//	})
//
// DefaultRetryable classifies timeouts and transient network failures as
// retryable and everything else as fatal; DoWithRetryable takes a custom
// classifier when the caller knows better. An exhausted budget is reported
// as *ExhaustedError, which unwraps to the last attempt's error.
package retry
