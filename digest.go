package signedmedia

import (
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a BLAKE3-256 digest.
const HashSize = 32

// Hash is the BLAKE3 digest of materialized media bytes. The zero value
// means no bytes were materialized.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString is the first eight bytes in hex, for logs and listings.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the digest as hex, or empty when zero.
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return []byte{}, nil
	}
	return []byte(h.String()), nil
}

// HashBytes digests data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// DigestReader digests and counts everything read through it.
type DigestReader struct {
	r    io.Reader
	h    *blake3.Hasher
	size int64
}

func NewDigestReader(r io.Reader) *DigestReader {
	return &DigestReader{r: r, h: blake3.New()}
}

func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		_, _ = d.h.Write(p[:n])
		d.size += int64(n)
	}
	return n, err
}

// Sum is the digest of the bytes read so far.
func (d *DigestReader) Sum() Hash {
	var out Hash
	d.h.Sum(out[:0])
	return out
}

// Size is the number of bytes read so far.
func (d *DigestReader) Size() int64 {
	return d.size
}
