// Package dedupe provides a time-bounded key set used to correlate an
// optimistic local action with its asynchronous confirmation. Keys are
// removed on match or after a TTL, whichever comes first.
package dedupe
