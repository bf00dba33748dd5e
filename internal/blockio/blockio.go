// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package blockio reads and writes fixed-size blocks of a file addressed by
// sequence number, the unit both Sender and Receiver exchange one block at
// a time.
//
// Every read and write is positioned (ReadAt/WriteAt) rather than
// seek-then-read: several goroutines service the same *os.File concurrently
// (one per connection handler or worker), and positioned I/O lets them share
// a single file descriptor safely instead of needing one open handle per
// goroutine.
package blockio

import (
	"fmt"
	"io"
	"os"
)

// ReadBlock reads block seq (0-indexed, each blockSize bytes wide) from
// file. The final block of a file may be shorter than blockSize; the
// returned slice is trimmed to whatever was actually read.
func ReadBlock(file *os.File, seq uint32, blockSize uint32) ([]byte, error) {
	offset := int64(seq) * int64(blockSize)

	buf := make([]byte, blockSize)
	n, err := file.ReadAt(buf, offset)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		// Last block of the file, shorter than blockSize.
	case err != nil:
		return nil, fmt.Errorf("blockio: reading block %d: %w", seq, err)
	}

	return buf[:n], nil
}

// WriteBlock writes data at the offset block seq occupies in file. It does
// not pad short writes; the caller is expected to have pre-sized the file
// (see Receiver orchestrator pre-allocation).
func WriteBlock(file *os.File, seq uint32, blockSize uint32, data []byte) error {
	offset := int64(seq) * int64(blockSize)
	if _, err := file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("blockio: writing block %d: %w", seq, err)
	}
	return nil
}

// TotalBlocks returns how many blocks of blockSize cover a file of the
// given size, rounding up so the last, possibly-partial block is counted.
func TotalBlocks(totalSize uint64, blockSize uint32) uint32 {
	if totalSize == 0 {
		return 0
	}
	n := totalSize / uint64(blockSize)
	if totalSize%uint64(blockSize) != 0 {
		n++
	}
	return uint32(n)
}

// BlockLength returns how many bytes block seq occupies: blockSize for
// every block except possibly the last one, which may be shorter.
func BlockLength(seq uint32, totalSize uint64, blockSize uint32) uint32 {
	offset := uint64(seq) * uint64(blockSize)
	remaining := totalSize - offset
	if remaining < uint64(blockSize) {
		return uint32(remaining)
	}
	return blockSize
}
