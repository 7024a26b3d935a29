// Package http provides the HTTP transport for resumable downloads.
//
// This package handles:
//   - Connection pooling across concurrent downloads
//   - Single GET requests with caller-supplied headers (Range, If-Match)
//   - Returning redirects unfollowed so the caller can count and persist them
//   - Streaming bodies that abort when the request context is cancelled
//   - Parsing Retry-After and Content-Range headers
//
// Compression is disabled so byte offsets always match the stored file.
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    MaxIdleConnsPerHost: 16,
//	    HeaderTimeout:       30 * time.Second,
//	})
//
//	header := make(nethttp.Header)
//	header.Set("Range", "bytes=1024-")
//	header.Set("If-Match", etag)
//	resp, err := client.Get(ctx, url, header)
//	defer resp.Close()
package http
