// Package record defines the persisted state of a download.
//
// A Record is created on enqueue, mutated by the transfer worker (progress,
// response headers, final state) or by control requests (pause, resume,
// cancel, restart) and destroyed on removal or retention eviction.
//
// # Status
//
//	pending → running → success
//	                  ↘ paused_user | paused_retry | paused_no_network | paused_queued_wifi
//	                  ↘ failed(reason) | canceled
//
// Paused and running states may alternate; terminal states only leave
// through a restart.
package record
