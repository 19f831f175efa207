// Package signedmedia resolves opaque storage references into displayable
// URIs and stages asset replacements against them.
//
// The root package holds the shared vocabulary: references, resolved media,
// digests, and the error taxonomy used by every subpackage.
package signedmedia

import (
	"regexp"
	"strings"
	"time"
)

// Reference is either an absolute http(s) URL or an opaque storage key scoped
// to a namespace prefix (e.g. "prod/profiles/u1/avatar-1.jpg").
type Reference string

var absoluteURLPattern = regexp.MustCompile(`(?i)^https?://`)

// String implements fmt.Stringer.
func (r Reference) String() string {
	return string(r)
}

// Trim returns the reference with surrounding whitespace removed.
func (r Reference) Trim() Reference {
	return Reference(strings.TrimSpace(string(r)))
}

// IsZero reports whether the reference is empty after trimming.
func (r Reference) IsZero() bool {
	return r.Trim() == ""
}

// IsURL reports whether the reference is already a fetchable absolute URL.
func (r Reference) IsURL() bool {
	return absoluteURLPattern.MatchString(string(r.Trim()))
}

// Origin describes how a resolved URI was obtained.
type Origin string

const (
	OriginNone   Origin = ""
	OriginDirect Origin = "direct"
	OriginSigned Origin = "signed"
	OriginBlob   Origin = "blob"
)

// Resolved is the displayable form of a Reference.
//
// When Origin is OriginBlob the URI names a local object that is owned by a
// reference-counted handle; the holder of a Resolved must release it through
// whatever produced it.
type Resolved struct {
	Reference  Reference
	URI        string
	Origin     Origin
	ObtainedAt time.Time

	// Digest is the BLAKE3 digest of the materialized bytes. Zero unless
	// Origin is OriginBlob.
	Digest Hash
}

// IsZero reports whether nothing has been resolved.
func (r Resolved) IsZero() bool {
	return r.URI == ""
}
