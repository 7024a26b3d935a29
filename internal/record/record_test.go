package record

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New("id-1", "https://example.com/a.bin", now)

	assert.Equal(t, int64(-1), r.TotalBytes)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, ControlRun, r.Control)
	assert.Equal(t, NetworkAny, r.AllowedNetworks)
	assert.Equal(t, r.SourceURL, r.URL())
	assert.True(t, r.Active())
	assert.Equal(t, -1.0, r.Progress())
}

func TestCloneIsDeep(t *testing.T) {
	r := New("id", "http://x", time.Now())
	r.Headers = http.Header{"X-Token": {"a"}}

	c := r.Clone()
	c.Headers.Set("X-Token", "b")
	c.BytesSoFar = 10

	assert.Equal(t, "a", r.Headers.Get("X-Token"))
	assert.Equal(t, int64(0), r.BytesSoFar)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		restart  bool
		want     bool
	}{
		{StatusPending, StatusRunning, false, true},
		{StatusRunning, StatusPausedUser, false, true},
		{StatusPausedUser, StatusRunning, false, true},
		{StatusRunning, StatusSuccess, false, true},
		{StatusSuccess, StatusRunning, false, false},
		{StatusFailed, StatusPending, false, false},
		{StatusFailed, StatusPending, true, true},
		{StatusCanceled, StatusFailed, false, false},
	}
	for _, tt := range tests {
		got := tt.from.CanTransition(tt.to, tt.restart)
		assert.Equal(t, tt.want, got, "%s -> %s (restart=%v)", tt.from, tt.to, tt.restart)
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses() {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("bogus")
	assert.Error(t, err)
}

func TestNetworkTypeHas(t *testing.T) {
	assert.True(t, NetworkAny.Has(NetworkWiFi))
	assert.False(t, NetworkWiFi.Has(NetworkMobile))
	assert.False(t, NetworkWiFi.Has(0))
}

func TestDescribe(t *testing.T) {
	r := &Record{Status: StatusFailed, Reason: ReasonHTTPStatus, HTTPCode: 404}
	assert.Equal(t, "failed(http_status 404)", Describe(r))

	r = &Record{Status: StatusPausedRetry, Reason: ReasonRetryAfter}
	assert.Equal(t, "paused_retry(retry_after)", Describe(r))

	r = &Record{Status: StatusRunning}
	assert.Equal(t, "running", Describe(r))
}

func TestProgressClamped(t *testing.T) {
	r := &Record{TotalBytes: 100, BytesSoFar: 50}
	assert.InDelta(t, 0.5, r.Progress(), 1e-9)
	r.BytesSoFar = 200
	assert.Equal(t, 1.0, r.Progress())
}
