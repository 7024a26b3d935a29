// Package worker runs single download transfers.
//
// A Worker.Run call loads a record, performs as many HTTP attempts as the
// transfer needs (following redirects and restarting when the content
// changed under a resume), streams the body into the destination file and
// writes the outcome back to the store in one update.
//
// # Outcomes
//
// Every way a transfer ends is a record status, never a panic:
//   - SUCCESS once the body is complete, verified and synced
//   - PAUSED_RETRY for 503 responses and network errors while retries remain,
//     with retry_at set from Retry-After or the exponential schedule
//   - PAUSED_NO_NETWORK and PAUSED_QUEUED_WIFI when the connectivity policy
//     blocks the transfer
//   - PAUSED_USER and CANCELED when the Token is signalled
//   - PENDING when the process shuts down mid-transfer
//   - FAILED with a reason for everything else
//
// # Resuming
//
// A record with a non-empty partial file and a stored ETag resumes with
// Range and If-Match headers. A resumed response carrying another ETag,
// or a 412, discards the partial file and starts over from zero.
package worker
