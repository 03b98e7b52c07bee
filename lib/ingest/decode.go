// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// DefaultMaxDecodedSize bounds a decompressed post body.
const DefaultMaxDecodedSize = 10 << 20

// DecodeBody undoes the HTTP content encoding of a posted body.
// "deflate" accepts both zlib-wrapped and raw deflate streams, since
// clients disagree on which one the name means. Bodies that expand
// beyond maxSize are rejected.
func DecodeBody(data []byte, encoding string, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxDecodedSize
	}

	var reader io.ReadCloser
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		if int64(len(data)) > maxSize {
			return nil, fmt.Errorf("%w: body is %d bytes, limit is %d", ErrPermanent, len(data), maxSize)
		}
		return data, nil
	case "gzip", "x-gzip":
		gzipReader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: reading gzip body: %v", ErrPermanent, err)
		}
		reader = gzipReader
	case "deflate":
		zlibReader, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			reader = flate.NewReader(bytes.NewReader(data))
		} else {
			reader = zlibReader
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %q", ErrPermanent, encoding)
	}
	defer reader.Close()

	decoded, err := io.ReadAll(io.LimitReader(reader, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s body: %v", ErrPermanent, encoding, err)
	}
	if int64(len(decoded)) > maxSize {
		return nil, fmt.Errorf("%w: decoded body exceeds %d bytes", ErrPermanent, maxSize)
	}
	return decoded, nil
}
