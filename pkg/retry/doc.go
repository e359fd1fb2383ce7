// Package retry provides exponential backoff retry logic for transient failures.
//
// Do and DoWithResult run a function until it succeeds, the attempts run out,
// or the context ends. Backoff exposes the same delay sequence to loops that
// manage their own attempts, such as a broker session cycling through its URL
// list or a pipeline input reconnecting to an output channel.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s
//   - Quick(): 10 attempts, 50ms-1s
//   - Persistent(): 30 attempts, 200ms-10s
//   - Reconnect(): unlimited attempts, 100ms-10s
//
// Errors wrapped with NonRetryable stop the loop immediately:
//
//	err := retry.Do(ctx, retry.Reconnect(), func() error {
//	    conn, err := driver.Dial(ctx, url)
//	    if errors.Is(err, errBadURL) {
//	        return retry.NonRetryable(err)
//	    }
//	    ...
//	})
package retry
