package recordstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	signedmedia "github.com/wolfeidau/signed-media"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// compressionThreshold is the minimum payload size before compression is
	// considered.
	compressionThreshold = 2048

	// maxPayloadSize bounds both stored and decompressed payloads.
	maxPayloadSize = 4 << 20

	envelopeVersion = 1

	encodingIdentity byte = 0
	encodingZstd     byte = 1

	// headerSize is version | encoding | blake3 digest of the raw payload.
	headerSize = 2 + signedmedia.HashSize
)

var (
	// ErrPayloadTooLarge is returned when a record exceeds the size limit.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrCorrupted is returned when a stored payload fails verification.
	ErrCorrupted = errors.New("payload digest mismatch")
)

// codec encodes documents as protobuf Structs, compressing large ones.
// Encoder and decoder are goroutine-safe.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode marshals doc into a versioned envelope.
func (c *codec) encode(doc map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("converting document: %w", err)
	}
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	if len(raw) > maxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	digest := signedmedia.HashBytes(raw)
	payload, encoding := raw, encodingIdentity

	if len(raw) >= compressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(raw, nil); len(compressed) < len(raw) {
				payload, encoding = compressed, encodingZstd
			}
		}
	}

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, envelopeVersion, encoding)
	out = append(out, digest[:]...)
	return append(out, payload...), nil
}

// decode verifies and unmarshals an envelope.
func (c *codec) decode(data []byte) (map[string]any, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short envelope", ErrCorrupted)
	}
	if data[0] != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", data[0])
	}
	var digest signedmedia.Hash
	copy(digest[:], data[2:headerSize])
	payload := data[headerSize:]

	switch data[1] {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		raw, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(raw) > maxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
		payload = raw
	default:
		return nil, fmt.Errorf("unsupported encoding %d", data[1])
	}

	if signedmedia.HashBytes(payload) != digest {
		return nil, ErrCorrupted
	}

	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling document: %w", err)
	}
	return s.AsMap(), nil
}
