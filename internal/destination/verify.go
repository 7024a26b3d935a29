package destination

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var zipMagics = [][]byte{
	[]byte("PK\x03\x04"),
	[]byte("PK\x05\x06"),
}

// VerifyContent checks that a finished download matches its MIME type where
// a cheap signature check exists. Package archives and zip files must start
// with a zip header.
func VerifyContent(path, mimeType string) error {
	switch NormalizeMimeType(mimeType) {
	case MimeTypeAPK, "application/zip", "application/java-archive":
	default:
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verification: %w", err)
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: %s is too short", ErrContentMismatch, path)
		}
		return fmt.Errorf("read for verification: %w", err)
	}
	for _, magic := range zipMagics {
		if bytes.Equal(head, magic) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a zip archive", ErrContentMismatch, path)
}
