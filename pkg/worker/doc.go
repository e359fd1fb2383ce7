// Package worker provides a generic fixed-size worker pool.
//
// A SignalSlotable uses it to run slots that declared themselves parallel-safe
// off its serial executor:
//
//	pool := worker.NewPool(4, 16, func(ctx context.Context, t task) error {
//	    t.run(ctx)
//	    return nil
//	})
//	_ = pool.Start(ctx)
//	err := pool.SubmitWait(ctx, t)
//
// SubmitWait waits for queue space until its context ends. Stop closes the
// queue and waits for queued and in-flight work.
package worker
