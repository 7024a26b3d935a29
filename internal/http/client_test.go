package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetSendsHeaders(t *testing.T) {
	data := []byte("Hello, World!")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if got := r.Header.Get("Range"); got != "bytes=7-" {
			t.Errorf("expected Range bytes=7-, got %q", got)
		}
		if got := r.Header.Get("If-Match"); got != `"abc123"` {
			t.Errorf("expected If-Match \"abc123\", got %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "gulp-test" {
			t.Errorf("expected User-Agent gulp-test, got %q", got)
		}
		if got := r.Header.Get("Accept-Encoding"); got != "" {
			t.Errorf("expected no Accept-Encoding, got %q", got)
		}
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Range", "bytes 7-12/13")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[7:])
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.UserAgent = "gulp-test"
	client := NewClient(opts)

	header := make(http.Header)
	header.Set("Range", "bytes=7-")
	header.Set("If-Match", `"abc123"`)
	resp, err := client.Get(context.Background(), server.URL, header)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("expected 206, got %d", resp.StatusCode)
	}
	if resp.ContentLength != 6 {
		t.Errorf("expected content length 6, got %d", resp.ContentLength)
	}
	if resp.Chunked {
		t.Error("expected non-chunked response")
	}
	if resp.Header.Get("ETag") != `"abc123"` {
		t.Errorf("expected raw ETag, got %q", resp.Header.Get("ETag"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "World!" {
		t.Errorf("expected %q, got %q", "World!", body)
	}
}

func TestGetDoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	resp, err := client.Get(context.Background(), server.URL+"/start", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("expected Location /elsewhere, got %q", loc)
	}
}

func TestGetChunked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part one "))
		w.(http.Flusher).Flush()
		w.Write([]byte("part two"))
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	resp, err := client.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	if !resp.Chunked {
		t.Error("expected chunked response")
	}
	if resp.ContentLength != -1 {
		t.Errorf("expected unknown content length, got %d", resp.ContentLength)
	}
}

func TestBodyReadCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("first bytes"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(DefaultOptions())
	resp, err := client.Get(ctx, server.URL, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Close()

	buf := make([]byte, 11)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first bytes: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Error("expected body read to fail after cancellation")
	}
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(DefaultOptions())
	_, err := client.Get(ctx, server.URL, nil)
	if err == nil {
		t.Error("expected error due to context cancellation")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		header string
		want   time.Duration
		ok     bool
	}{
		{"120", 120 * time.Second, true},
		{" 2 ", 2 * time.Second, true},
		{"-5", -5 * time.Second, true},
		{"Wed, 01 Jan 2025 00:01:00 GMT", time.Minute, true},
		{"", 0, false},
		{"soon", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseRetryAfter(tt.header, now)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header string
		start  int64
		end    int64
		total  int64
	}{
		{"bytes 0-99/1000", 0, 99, 1000},
		{"bytes 100-199/1000", 100, 199, 1000},
		{"bytes 0-99/*", 0, 99, -1},
	}

	for _, tt := range tests {
		start, end, total, err := ParseContentRange(tt.header)
		if err != nil {
			t.Errorf("ParseContentRange(%q): %v", tt.header, err)
			continue
		}
		if start != tt.start || end != tt.end || total != tt.total {
			t.Errorf("ParseContentRange(%q) = (%d, %d, %d), want (%d, %d, %d)",
				tt.header, start, end, total, tt.start, tt.end, tt.total)
		}
	}
}

func TestParseContentRangeInvalid(t *testing.T) {
	for _, h := range []string{"bytes 0-99", "bytes x-99/100", "bytes 0/100"} {
		if _, _, _, err := ParseContentRange(h); err == nil {
			t.Errorf("ParseContentRange(%q): expected error", h)
		}
	}
}

func TestStatusClasses(t *testing.T) {
	if !IsStatusError(404) || IsStatusError(302) {
		t.Error("IsStatusError misclassifies")
	}
	if !IsRedirect(308) || IsRedirect(200) {
		t.Error("IsRedirect misclassifies")
	}
}
