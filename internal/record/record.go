package record

import (
	"net/http"
	"time"
)

// Control is the run/pause switch set by control requests.
type Control string

const (
	ControlRun    Control = "run"
	ControlPaused Control = "paused"
)

// NetworkType is a bitset of network kinds a download may use.
type NetworkType uint8

const (
	NetworkMobile NetworkType = 1 << iota
	NetworkWiFi
	NetworkEthernet

	// NetworkAny allows every network kind.
	NetworkAny = NetworkMobile | NetworkWiFi | NetworkEthernet
)

// Has reports whether n includes every bit of other.
func (n NetworkType) Has(other NetworkType) bool {
	return other != 0 && n&other == other
}

// Record is the persisted description and state of one download.
type Record struct {
	ID         string `json:"id"`
	SourceURL  string `json:"source_url"`
	CurrentURL string `json:"current_url"`

	// Hint is the requested filename; only its last path segment is used.
	Hint string `json:"hint,omitempty"`

	// DestinationPath is an explicit target file chosen by the requester.
	DestinationPath string `json:"destination_path,omitempty"`

	// FilePath is the local file the worker writes to once resolved.
	FilePath string `json:"file_path,omitempty"`

	MimeType   string `json:"mime_type,omitempty"`
	TotalBytes int64  `json:"total_bytes"`
	BytesSoFar int64  `json:"bytes_so_far"`

	Status   Status `json:"status"`
	Reason   Reason `json:"reason,omitempty"`
	HTTPCode int    `json:"http_code,omitempty"`
	Message  string `json:"message,omitempty"`

	ETag          string        `json:"etag,omitempty"`
	RedirectCount int           `json:"redirect_count"`
	FailCount     int           `json:"fail_count"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	RetryAt       time.Time     `json:"retry_at,omitzero"`

	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`

	AllowedNetworks NetworkType `json:"allowed_networks"`
	AllowRoaming    bool        `json:"allow_roaming"`

	// NoIntegrity lets a transfer resume or finish without an ETag or
	// a known length.
	NoIntegrity bool `json:"no_integrity,omitempty"`

	Headers   http.Header `json:"headers,omitempty"`
	UserAgent string      `json:"user_agent,omitempty"`

	Control Control `json:"control"`
	Deleted bool    `json:"deleted,omitempty"`
}

// New returns a pending record for url with the defaults applied on enqueue.
func New(id, url string, now time.Time) *Record {
	return &Record{
		ID:              id,
		SourceURL:       url,
		CurrentURL:      url,
		TotalBytes:      -1,
		Status:          StatusPending,
		AllowedNetworks: NetworkAny,
		AllowRoaming:    true,
		Control:         ControlRun,
		CreatedAt:       now,
		LastModified:    now,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Headers != nil {
		c.Headers = r.Headers.Clone()
	}
	return &c
}

// Completed reports whether the record reached a terminal status.
func (r *Record) Completed() bool {
	return r.Status.Completed()
}

// Paused reports whether the requester paused the record.
func (r *Record) Paused() bool {
	return r.Control == ControlPaused
}

// Active reports whether the record still needs work from the engine.
func (r *Record) Active() bool {
	return !r.Deleted && !r.Completed()
}

// Progress returns the completed fraction in [0, 1], or -1 when the total is
// unknown.
func (r *Record) Progress() float64 {
	if r.TotalBytes <= 0 {
		return -1
	}
	p := float64(r.BytesSoFar) / float64(r.TotalBytes)
	if p > 1 {
		p = 1
	}
	return p
}

// URL returns the URL the next attempt should request.
func (r *Record) URL() string {
	if r.CurrentURL != "" {
		return r.CurrentURL
	}
	return r.SourceURL
}
