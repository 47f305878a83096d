// Package contentcodec compresses and decompresses the opaque JSON
// blobs the hub stores for message content, session metadata, and
// agent state. The hub never inspects these payloads beyond the
// narrow parsers in messagelog and sessioncache; compression is purely
// a storage concern.
package contentcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm a stored blob was compressed with.
type Compression int

const (
	// CompressionNone stores the blob as-is. Used for legacy rows
	// written before compression was enabled.
	CompressionNone Compression = iota
	// CompressionZstd compresses the blob with zstd.
	CompressionZstd
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("contentcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("contentcodec: init zstd decoder: %v", err))
	}
}

// Encode compresses data and returns the compressed bytes along with
// the compression tag to persist alongside it.
func Encode(data []byte) ([]byte, Compression) {
	if len(data) == 0 {
		return data, CompressionNone
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), CompressionZstd
}

// Decode reverses Encode given the compression tag a row was written with.
func Decode(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("contentcodec: unsupported compression tag: %d", c)
	}
}
