// Package compress compresses event payloads above a size threshold with
// zstd and records the encoding next to the bytes.
package compress

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoding names the payload encoding.
type Encoding string

const (
	EncodingNone Encoding = ""
	EncodingZstd Encoding = "zstd"
)

// DefaultThreshold is the payload size above which Encode compresses.
const DefaultThreshold = 8 * 1024

// Codec compresses and decompresses payloads. Safe for concurrent use.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// New creates a codec compressing payloads larger than threshold bytes.
// A non-positive threshold uses DefaultThreshold.
func New(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, encoder: encoder, decoder: decoder}, nil
}

var (
	defaultOnce  sync.Once
	defaultCodec *Codec
	defaultErr   error
)

// Default returns a shared codec with the default threshold.
func Default() (*Codec, error) {
	defaultOnce.Do(func() {
		defaultCodec, defaultErr = New(DefaultThreshold)
	})
	return defaultCodec, defaultErr
}

// Encode returns data unchanged when it is small, compressed otherwise.
func (c *Codec) Encode(data []byte) ([]byte, Encoding) {
	if len(data) <= c.threshold {
		return data, EncodingNone
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), EncodingZstd
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingNone:
		return data, nil
	case EncodingZstd:
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported payload encoding %q", enc)
}
