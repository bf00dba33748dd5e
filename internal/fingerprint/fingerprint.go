// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fingerprint computes the whole-file SHA-256 hash both sides of a
// transfer use to identify it, independent of any single block's checksum.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/nishisan-dev/sendfile/internal/protocol"
)

// readBufferSize mirrors the original routine's fixed scratch buffer: one
// block's worth of bytes, reused across the whole read loop instead of
// allocating per chunk.
const readBufferSize = protocol.MaxBlockSize

// OfFile streams path through SHA-256 and returns its fingerprint.
func OfFile(path string) (protocol.FileFingerprint, error) {
	var fp protocol.FileFingerprint

	f, err := os.Open(path)
	if err != nil {
		return fp, fmt.Errorf("fingerprint: opening %s: %w", path, err)
	}
	defer f.Close()

	return OfReader(f)
}

// OfReader streams r through SHA-256. Exposed separately from OfFile so
// tests can hash an in-memory reader without touching disk.
func OfReader(r io.Reader) (protocol.FileFingerprint, error) {
	var fp protocol.FileFingerprint

	h := sha256.New()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return fp, fmt.Errorf("fingerprint: hashing: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fp, fmt.Errorf("fingerprint: reading: %w", err)
		}
	}

	copy(fp[:], h.Sum(nil))
	return fp, nil
}
