package record

import "fmt"

// Status is the lifecycle state of a download.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusPausedUser       Status = "paused_user"
	StatusPausedRetry      Status = "paused_retry"
	StatusPausedNoNetwork  Status = "paused_no_network"
	StatusPausedQueuedWiFi Status = "paused_queued_wifi"
	StatusSuccess          Status = "success"
	StatusFailed           Status = "failed"
	StatusCanceled         Status = "canceled"
)

var statuses = []Status{
	StatusPending,
	StatusRunning,
	StatusPausedUser,
	StatusPausedRetry,
	StatusPausedNoNetwork,
	StatusPausedQueuedWiFi,
	StatusSuccess,
	StatusFailed,
	StatusCanceled,
}

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	return append([]Status(nil), statuses...)
}

// ParseStatus parses the string form of a status.
func ParseStatus(s string) (Status, error) {
	for _, st := range statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("record: unknown status %q", s)
}

// Completed reports whether s is terminal.
func (s Status) Completed() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Paused reports whether s is one of the paused states.
func (s Status) Paused() bool {
	switch s {
	case StatusPausedUser, StatusPausedRetry, StatusPausedNoNetwork, StatusPausedQueuedWiFi:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
//
// Terminal states only leave through a restart, which resets the record to
// pending; every other move between active states is allowed.
func (s Status) CanTransition(next Status, restart bool) bool {
	if s == next {
		return true
	}
	if s.Completed() {
		return restart && next == StatusPending
	}
	return true
}

// Reason qualifies a failed or paused status.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNetworkUnavailable Reason = "network_unavailable"
	ReasonHTTPStatus         Reason = "http_status"
	ReasonTooManyRedirects   Reason = "too_many_redirects"
	ReasonCannotResume       Reason = "cannot_resume"
	ReasonInsufficientSpace  Reason = "insufficient_space"
	ReasonDeviceNotFound     Reason = "device_not_found"
	ReasonFileAlreadyExists  Reason = "file_already_exists"
	ReasonFileError          Reason = "file_error"
	ReasonUnhandledHTTPCode  Reason = "unhandled_http_code"
	ReasonUnhandledRedirect  Reason = "unhandled_redirect"
	ReasonHTTPDataError      Reason = "http_data_error"
	ReasonRetryAfter         Reason = "retry_after"
	ReasonRoaming            Reason = "roaming"
	ReasonTypeDisallowed     Reason = "type_disallowed"
	ReasonSizeOverMobile     Reason = "size_over_mobile"
	ReasonUnknown            Reason = "unknown"
)

// Describe renders status and reason the way list output shows them.
func Describe(r *Record) string {
	switch {
	case r.Status == StatusFailed && r.Reason == ReasonHTTPStatus:
		return fmt.Sprintf("%s(%s %d)", r.Status, r.Reason, r.HTTPCode)
	case r.Reason != ReasonNone:
		return fmt.Sprintf("%s(%s)", r.Status, r.Reason)
	default:
		return string(r.Status)
	}
}
