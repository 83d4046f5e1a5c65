// Package resilience provides the retry and concurrency-limiting primitives
// used by the task executor.
//
//   - Retry: re-runs a failed attempt with exponential backoff, skipping
//     errors classified as non-retryable.
//   - Bulkhead: bounds how many tasks run at once.
//
// The two compose the way the executor uses them:
//
//	bh := resilience.NewBulkhead(resilience.BulkheadConfig{Name: "exec-1", MaxConcurrent: 10})
//	err := bh.Execute(ctx, func() error {
//	    return resilience.RetryFunc(ctx, retryCfg, func(attempt int) error {
//	        return runTask(ctx, attempt)
//	    })
//	})
package resilience
