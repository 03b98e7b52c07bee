// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package searchstore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a document body is stored. The values
// are persisted in every document row; changing them breaks existing
// databases.
type Compression uint8

const (
	// CompressionNone stores the JSON body as-is.
	CompressionNone Compression = 0

	// CompressionLZ4 stores an LZ4 block. Cheapest to decode.
	CompressionLZ4 Compression = 1

	// CompressionZstd stores a zstd frame at the default level. Event
	// JSON typically shrinks 3-5x.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a name returned by Compression.String. The
// empty string selects zstd.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("searchstore: unknown compression %q", name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("searchstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("searchstore: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("searchstore: body is incompressible")

// compressBody encodes body with the preferred algorithm, falling back
// to CompressionNone when the result would not be smaller.
func compressBody(body []byte, preferred Compression) (Compression, []byte, error) {
	var (
		payload []byte
		err     error
	)
	switch preferred {
	case CompressionNone:
		return CompressionNone, body, nil
	case CompressionLZ4:
		payload, err = compressLZ4(body)
	case CompressionZstd:
		payload, err = compressZstd(body)
	default:
		return 0, nil, fmt.Errorf("searchstore: unsupported compression %s", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return CompressionNone, body, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return preferred, payload, nil
}

// decompressBody reverses compressBody. size is the original length
// and is verified.
func decompressBody(payload []byte, compression Compression, size int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("searchstore: stored body is %d bytes, expected %d", len(payload), size)
		}
		return payload, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("searchstore: lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("searchstore: lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("searchstore: zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("searchstore: zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("searchstore: unsupported compression %s", compression)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("searchstore: lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
