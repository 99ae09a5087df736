// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "fmt"

// Blob framing: one tag byte, then the payload. QR payloads are
// base64-rendered PNG data, usually a few kilobytes, and compress
// well; anything under the threshold is stored raw because the zstd
// frame overhead would not pay for itself.
const (
	blobTagRaw  = 0x00
	blobTagZstd = 0x02

	compressThreshold = 512
)

func (s *Store) compressBlob(payload []byte) []byte {
	if len(payload) < compressThreshold {
		return append([]byte{blobTagRaw}, payload...)
	}
	compressed := s.compressor.EncodeAll(payload, []byte{blobTagZstd})
	if len(compressed) >= len(payload)+1 {
		// Incompressible payload; store raw.
		return append([]byte{blobTagRaw}, payload...)
	}
	return compressed
}

func (s *Store) expandBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	tag, payload := blob[0], blob[1:]
	switch tag {
	case blobTagRaw:
		return payload, nil
	case blobTagZstd:
		return s.expander.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("store: unknown blob tag %#x", tag)
	}
}
