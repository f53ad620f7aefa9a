// Package async provides a bounded worker pool for background batch
// work.
//
// The saga recovery sweep uses Batch to resume stalled purchases with a
// capped number of concurrent workers:
//
//	errs := async.Batch(ctx, stalled, workers, "saga recovery", timeout,
//		func(ctx context.Context, sg *saga.Saga) error {
//			return orchestrator.Resume(ctx, sg)
//		})
//
// Every task runs under its own timeout-bound context with panic
// recovery, so one bad item cannot take the whole batch down.
package async
