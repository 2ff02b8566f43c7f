package imageref

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vincent-petithory/dataurl"
)

// MaxFileSize caps uploads at 10 MB, matching the web uploader.
const MaxFileSize = 10 << 20

var (
	ErrEmptyReference = errors.New("image reference required")
	ErrFileTooLarge   = errors.New("file too large")
)

// Resolver normalizes user input (an uploaded file or a pasted URL) into one
// canonical image reference string. Exactly one reference is active at a
// time: setting a file invalidates a previous URL and vice versa. A preview
// release hook registered with the active reference is invoked when that
// reference is superseded or cleared, so local preview handles don't pile up
// across repeated uploads in one session.
type Resolver struct {
	ref     string
	release func()
}

// SetFile reads r fully and stores a self-contained data URL (MIME type +
// base64 payload), so the reference needs no separate upload step. release
// may be nil.
func (rs *Resolver) SetFile(r io.Reader, contentType string, release func()) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		rs.callRelease(release)
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) > MaxFileSize {
		rs.callRelease(release)
		return ErrFileTooLarge
	}
	if len(data) == 0 {
		rs.callRelease(release)
		return ErrEmptyReference
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	rs.drop()
	rs.ref = dataurl.New(data, contentType).String()
	rs.release = release
	return nil
}

// SetURL stores a pasted URL verbatim after trimming whitespace. An empty
// result is a validation failure; no network call is ever attempted.
func (rs *Resolver) SetURL(raw string) error {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ErrEmptyReference
	}
	rs.drop()
	rs.ref = u
	return nil
}

// Reference returns the active canonical reference.
func (rs *Resolver) Reference() (string, error) {
	if rs.ref == "" {
		return "", ErrEmptyReference
	}
	return rs.ref, nil
}

// Clear drops the active reference and releases its preview handle.
func (rs *Resolver) Clear() {
	rs.drop()
	rs.ref = ""
}

func (rs *Resolver) drop() {
	if rs.release != nil {
		rs.release()
		rs.release = nil
	}
}

// callRelease releases a handle that never became the active reference.
func (rs *Resolver) callRelease(release func()) {
	if release != nil {
		release()
	}
}
