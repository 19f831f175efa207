package staged

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	signedmedia "github.com/wolfeidau/signed-media"
)

// DefaultMaxBytes is the default upload size limit.
const DefaultMaxBytes = 8 << 20

// DefaultAllowedTypes are the image types accepted by default.
var DefaultAllowedTypes = []string{"image/png", "image/jpeg", "image/webp"}

// File is a picked local file. Open may be called more than once so a failed
// upload can be retried without picking again.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// BytesFile returns a File backed by data.
func BytesFile(name, contentType string, data []byte) File {
	return File{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// OpenFile returns a File for path with its content type sniffed from the
// file contents.
func OpenFile(path string) (File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return File{}, fmt.Errorf("detecting content type of %s: %w", path, err)
	}
	contentType, _, _ := strings.Cut(mt.String(), ";")

	return File{
		Name:        filepath.Base(path),
		ContentType: strings.TrimSpace(contentType),
		Size:        fi.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Policy limits what may be picked.
type Policy struct {
	AllowedTypes []string
	MaxBytes     int64
}

func (p Policy) withDefaults() Policy {
	if len(p.AllowedTypes) == 0 {
		p.AllowedTypes = DefaultAllowedTypes
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = DefaultMaxBytes
	}
	return p
}

// Validate checks f against the policy.
func (p Policy) Validate(f File) error {
	p = p.withDefaults()
	if !slices.Contains(p.AllowedTypes, normalizeContentType(f.ContentType)) {
		return &signedmedia.ValidationError{
			Field:  "contentType",
			Reason: fmt.Sprintf("%q is not one of %s", f.ContentType, strings.Join(p.AllowedTypes, ", ")),
		}
	}
	if f.Size <= 0 {
		return &signedmedia.ValidationError{Field: "size", Reason: "file is empty"}
	}
	if f.Size > p.MaxBytes {
		return &signedmedia.ValidationError{
			Field:  "size",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", f.Size, p.MaxBytes),
		}
	}
	if f.Open == nil {
		return &signedmedia.ValidationError{Field: "file", Reason: "not readable"}
	}
	return nil
}

// normalizeContentType lower-cases a media type so that allow-list checks,
// upload target requests and the PUT itself all see the same value.
func normalizeContentType(contentType string) string {
	return strings.ToLower(strings.TrimSpace(contentType))
}
