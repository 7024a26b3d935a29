package destination

import (
	"mime"
	"net/url"
	"regexp"
	"strings"
)

// DefaultFilename is used when no other source yields a name.
const DefaultFilename = "downloadfile"

var reservedChars = regexp.MustCompile(`[()（）,：:\\|^$#_，。=、/+《》<>*?？‘“”'"]`)

// ParseContentDisposition extracts the filename of an attachment disposition.
// Quoted, unquoted and RFC 2231 encoded filenames are accepted.
func ParseContentDisposition(header string) (string, bool) {
	disposition, params, err := mime.ParseMediaType(header)
	if err != nil || disposition != "attachment" {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}

// ChooseFilename picks a filename from, in order, the hint, the
// Content-Disposition header, the Content-Location header and the URL, falling
// back to DefaultFilename. Reserved characters are replaced by '_'.
func ChooseFilename(rawURL, hint, contentDisposition, contentLocation string) string {
	name := chooseRawFilename(rawURL, hint, contentDisposition, contentLocation)
	return Sanitize(name)
}

func chooseRawFilename(rawURL, hint, contentDisposition, contentLocation string) string {
	if hint != "" && !strings.HasSuffix(hint, "/") {
		return lastSegment(hint)
	}

	if contentDisposition != "" {
		if name, ok := ParseContentDisposition(contentDisposition); ok && name != "" {
			if name = lastSegment(name); name != "" {
				return name
			}
		}
	}

	if contentLocation != "" {
		loc := decode(contentLocation)
		if !strings.HasSuffix(loc, "/") && !strings.Contains(loc, "?") {
			if name := lastSegment(loc); name != "" {
				return name
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		p := u.Path
		if p != "" && !strings.HasSuffix(p, "/") {
			if name := lastSegment(p); name != "" {
				return name
			}
		}
	}

	return DefaultFilename
}

// Sanitize replaces characters that are unsafe in filenames with '_'.
func Sanitize(name string) string {
	name = reservedChars.ReplaceAllString(name, "_")
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return DefaultFilename
	}
	return name
}

// SplitExtension chooses the extension for name given the content MIME type.
// It returns the base name and the extension including its leading dot.
func SplitExtension(name, mimeType string) (string, string) {
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return name, ExtensionForMimeType(mimeType, true)
	}

	base, ext := name[:dot], name[dot:]
	if mimeType != "" {
		typeFromExt := MimeTypeForExtension(ext)
		if typeFromExt == "" || !strings.EqualFold(typeFromExt, mimeType) {
			if substitute := ExtensionForMimeType(mimeType, false); substitute != "" {
				return base, substitute
			}
		}
	}
	return base, ext
}

func lastSegment(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

func decode(s string) string {
	if d, err := url.PathUnescape(s); err == nil {
		return d
	}
	return s
}
