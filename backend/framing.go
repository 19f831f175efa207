package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// MagicBytes prefixes every framed local object.
	MagicBytes = []byte("SMO1")

	// ErrInvalidMagic is returned when a stored object is not framed.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected SMO1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (16 KiB).
const MaxHeaderSize = 16 * 1024

// ObjectHeader describes the bytes of a local object.
type ObjectHeader struct {
	ContentType   string    `json:"content_type"`
	ContentLength int64     `json:"content_length"`
	CreatedAt     time.Time `json:"created_at"`
	// Source is the reference or file name the bytes came from.
	Source string `json:"source,omitempty"`
	// ContentHash is filled in when the body length is known up front.
	ContentHash string `json:"content_hash,omitempty"`
}

// WriteFramed writes MAGIC | HDRLEN (uint32 BE) | HDR (JSON) | BODY.
func WriteFramed(w io.Writer, header *ObjectHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil { //nolint:gosec // bounded by MaxHeaderSize
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed parses the header and returns a reader positioned at the body.
func ReadFramed(r io.Reader) (*ObjectHeader, io.Reader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header ObjectHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, r, nil
}
