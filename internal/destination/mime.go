package destination

import (
	"mime"
	"strings"
)

const (
	defaultHTMLExtension   = ".html"
	defaultTextExtension   = ".txt"
	defaultBinaryExtension = ".bin"

	// MimeTypeAPK is the Android package archive type.
	MimeTypeAPK = "application/vnd.android.package-archive"
)

// preferredExtensions resolves types for which mime.ExtensionsByType returns
// several candidates, or which the system tables may lack.
var preferredExtensions = map[string]string{
	"application/gzip":            ".gz",
	"application/json":            ".json",
	"application/octet-stream":    ".bin",
	"application/pdf":             ".pdf",
	"application/x-tar":           ".tar",
	"application/x-iso9660-image": ".iso",
	"application/zip":             ".zip",
	"audio/mpeg":                  ".mp3",
	"image/gif":                   ".gif",
	"image/jpeg":                  ".jpg",
	"image/png":                   ".png",
	"image/webp":                  ".webp",
	"text/css":                    ".css",
	"text/csv":                    ".csv",
	"text/html":                   ".html",
	"text/plain":                  ".txt",
	"text/xml":                    ".xml",
	"video/mp4":                   ".mp4",
	MimeTypeAPK:                   ".apk",
}

var preferredTypes = func() map[string]string {
	m := make(map[string]string, len(preferredExtensions))
	for typ, ext := range preferredExtensions {
		m[ext] = typ
	}
	return m
}()

// NormalizeMimeType lowercases a Content-Type value and strips parameters.
func NormalizeMimeType(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// ExtensionForMimeType returns the extension, with leading dot, for a MIME
// type. With useDefaults, unknown text types map to .txt and everything else
// to .bin; text/html always maps to .html.
func ExtensionForMimeType(mimeType string, useDefaults bool) string {
	mimeType = NormalizeMimeType(mimeType)
	if mimeType != "" {
		if ext, ok := preferredExtensions[mimeType]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}

	switch {
	case mimeType == "text/html":
		return defaultHTMLExtension
	case strings.HasPrefix(mimeType, "text/"):
		if useDefaults {
			return defaultTextExtension
		}
	case useDefaults:
		return defaultBinaryExtension
	}
	return ""
}

// MimeTypeForExtension returns the normalized MIME type for ext, or "".
func MimeTypeForExtension(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if typ, ok := preferredTypes[ext]; ok {
		return typ
	}
	return NormalizeMimeType(mime.TypeByExtension(ext))
}
