// Package destination chooses where a download is stored.
//
// Names come from the requester's hint, the Content-Disposition and
// Content-Location headers or the URL, in that order. Reserved characters
// are replaced and a missing extension is derived from the MIME type. When
// the name is taken, a numeric suffix is searched with randomized increments:
//
//	report.pdf, report-1.pdf, report-2.pdf, ... report-<n>.pdf
//
// Resolve creates the chosen file empty, so two downloads never share a path.
//
// # Usage
//
//	r := destination.NewResolver([]string{"/srv/downloads"})
//	path, err := r.Resolve(destination.Request{
//	    URL:           "https://example.com/report.pdf",
//	    MimeType:      "application/pdf",
//	    ContentLength: 1 << 20,
//	})
//	if errors.Is(err, destination.ErrInsufficientSpace) {
//	    // ...
//	}
package destination
