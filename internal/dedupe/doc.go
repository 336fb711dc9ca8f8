// Package dedupe provides a bounded, time-based seen-set.
//
// The webhook dispatcher marks each (session, message id) pair before
// delivering it. A provider that replays history after a reconnect will
// then hit the window and the replayed message is dropped instead of being
// posted to the tenant a second time. Failed deliveries are forgotten so a
// replay can still get through.
package dedupe
