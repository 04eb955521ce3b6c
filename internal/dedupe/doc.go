// Package dedupe provides an idempotency cache mapping request keys to
// cached results so retried requests replay the original outcome within a
// configurable window.
package dedupe
