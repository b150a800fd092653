// Package retry runs fallible remote calls with a fixed delay between a
// bounded number of attempts.
//
// Every cloud and remote-command call goes through Do. Failures are sorted by
// a Classifier: Retryable errors are attempted again, Fatal errors (and errors
// wrapped with Permanent) stop immediately. The outcome is a tagged Result
// with Ok, Exhausted and Fatal arms, so a caller cannot use a value without
// first learning whether it exists:
//
//	res := retry.Do(ctx, exec, "describe-instance", func(ctx context.Context) (*types.Instance, error) {
//		return provider.DescribeInstance(ctx, id)
//	})
//	inst, err := res.Unwrap()
//	if errors.Is(err, retry.ErrExhausted) {
//		...
//	}
package retry
