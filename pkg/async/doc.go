// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation, and error collection. Failures are logged
// through logrus with the task name attached.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, 10*time.Second, "webhook archive", func(ctx context.Context) error {
//		return archive.Put(ctx, event)
//	})
//
// Batch: Concurrent batch processing
//
//	errs := async.Batch(ctx, workspaceIDs, 4, "grace sweep", 30*time.Second,
//		func(ctx context.Context, id string) error {
//			_, err := controller.SweepWorkspace(ctx, id, billing.TriggerTimer)
//			return err
//		})
package async
