// Package notifier delivers fire-and-forget chat messages: worker alerts
// (frozen, resumed, returned for rework) and supervisor submissions with
// photo albums.
//
// Delivery goes through a bounded queue, a small worker pool, a token-bucket
// rate limit and retries with jittered backoff. Identical messages inside
// the dedup window are dropped; the window can be persisted in the store so
// it survives restarts.
//
// A failed delivery is logged and counted. It never rolls back task state.
package notifier
