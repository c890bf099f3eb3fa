// Package shared defines the error taxonomy the scheduler speaks internally.
//
// Every failure that crosses a package boundary is classified into a Kind.
// Adapters mark errors at the edge, where the third-party dependency is
// visible, and everything above matches kinds instead of strings or
// driver-specific types:
//
//	// in the Redis adapter
//	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
//	if err != nil {
//	    return false, shared.MarkKind(err, shared.KindLockUnavailable)
//	}
//
//	// in the fire loop
//	if shared.IsLockUnavailable(err) {
//	    // store outage: skip this tick, the next one retries
//	}
//
// # Classification
//
// KindOf walks the whole wrap chain and returns one Kind per error.
// Cancellation and timeouts take precedence over marked kinds, so a run
// aborted during shutdown is reported as canceled even when the abort
// surfaced through a lock operation:
//
//	switch shared.KindOf(err) {
//	case shared.KindConfiguration:
//	    // reject the definition, keep the scheduler running
//	case shared.KindConflict:
//	    // duplicate id: caller may retry with replace
//	case shared.KindCanceled:
//	    // shutdown in progress, not a failure
//	}
//
// The Is helpers cover the common single-kind checks.
//
// # Wrapping
//
// Wrap and Wrapf add call-site context without breaking errors.Is:
//
//	if err := store.Append(ctx, recs); err != nil {
//	    return shared.Wrapf(err, "append %d run records", len(recs))
//	}
//
// Both pass nil through unchanged, so call sites can wrap unconditionally.
package shared
