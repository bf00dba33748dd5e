// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nishisan-dev/sendfile/internal/blockio"
	"github.com/nishisan-dev/sendfile/internal/protocol"
)

const (
	maxDownloadAttempts = 5
	downloadRetryBase   = 500 * time.Millisecond
)

// runWorker owns one contiguous range of blocks for the whole transfer.
// It dials the sender's transfer port once, runs the pass appropriate to
// whether the output file pre-existed, then — per Design Notes Open
// Question 1, resolved as (a) — immediately follows a verify-first pass
// with a download pass over whatever the verify pass left unmarked, so a
// single Receive call fully resumes a partial file.
func runWorker(ctx context.Context, cfg Config, state *sharedState, r blockRange, isExistingFile bool, finalPath string) error {
	addr := fmt.Sprintf("%s:%d", state.senderIP, cfg.transferPort())
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("receiver: dialing transfer port %s: %w", addr, err)
	}
	defer conn.Close()

	buf := make([]byte, protocol.MaxMessageSize)
	filled := 0

	readNext := func() (any, error) {
		result, err := protocol.ReadNext(conn, buf, filled)
		if err != nil {
			filled = 0
			return nil, err
		}
		if result.NextPayloadIndex < 0 {
			filled = 0
		} else {
			leftover := result.TotalBytesRead - result.NextPayloadIndex
			copy(buf[0:], buf[result.NextPayloadIndex:result.TotalBytesRead])
			filled = leftover
		}
		return result.Message, nil
	}

	if isExistingFile {
		if err := verifyFirstPass(conn, readNext, state, r); err != nil {
			return err
		}
	}
	if err := downloadPass(ctx, conn, readNext, state, r); err != nil {
		return err
	}

	if state.allReceived() {
		payload, err := protocol.Encode(protocol.TransferComplete{FileHash: state.fileHash})
		if err != nil {
			return fmt.Errorf("receiver: encoding TransferComplete: %w", err)
		}
		if _, err := conn.Write(protocol.AttachHeader(payload)); err != nil {
			return fmt.Errorf("receiver: writing TransferComplete: %w", err)
		}
	}
	return nil
}

// verifyFirstPass implements §4.6.1: ask the Sender to confirm each
// already-present block's checksum instead of re-downloading it.
func verifyFirstPass(conn net.Conn, readNext func() (any, error), state *sharedState, r blockRange) error {
	for seq := r.start; seq < r.end; seq++ {
		if state.receivedBlocks[seq].Load() {
			continue
		}

		local, err := blockio.ReadBlock(state.file, seq, state.blockSize)
		if err != nil {
			return fmt.Errorf("receiver: reading local block %d for verify: %w", seq, err)
		}
		if len(local) == 0 {
			continue
		}
		checksum := crc32.ChecksumIEEE(local)

		payload, err := protocol.Encode(protocol.VerifyBlock{FileHash: state.fileHash, Seq: seq, Checksum: checksum})
		if err != nil {
			return fmt.Errorf("receiver: encoding VerifyBlock: %w", err)
		}
		if _, err := conn.Write(protocol.AttachHeader(payload)); err != nil {
			return fmt.Errorf("receiver: writing VerifyBlock: %w", err)
		}

		msg, err := readNext()
		if err != nil {
			return fmt.Errorf("receiver: reading VerifyResponse: %w", err)
		}
		resp, ok := msg.(protocol.VerifyResponse)
		if !ok || resp.Seq != seq || !resp.Valid {
			// Mismatch, wrong type, or unexpected variant: leave the
			// block unmarked. The download pass that follows picks it
			// up.
			continue
		}

		state.receivedBlocks[seq].Store(true)
		state.bytesReceived.Add(uint64(len(local)))
	}
	return nil
}

// downloadPass implements §4.6.2: request every still-unmarked block in
// range with bounded retry and exponential backoff.
func downloadPass(ctx context.Context, conn net.Conn, readNext func() (any, error), state *sharedState, r blockRange) error {
	for seq := r.start; seq < r.end; seq++ {
		if state.receivedBlocks[seq].Load() {
			continue
		}

		ok, err := downloadBlockWithRetry(ctx, conn, readNext, state, seq)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("receiver: block %d: retry budget exhausted", seq)
		}
	}
	return nil
}

func downloadBlockWithRetry(ctx context.Context, conn net.Conn, readNext func() (any, error), state *sharedState, seq uint32) (bool, error) {
	delay := downloadRetryBase
	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		accepted, err := downloadBlock(conn, readNext, state, seq)
		if err != nil {
			// A positioned-write failure is a hard error at this layer,
			// not retried (§4.6.2 step 3).
			return false, err
		}
		if accepted {
			return true, nil
		}
		if attempt == maxDownloadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, nil
}

// downloadBlock performs one request/reply round for a single block.
func downloadBlock(conn net.Conn, readNext func() (any, error), state *sharedState, seq uint32) (bool, error) {
	payload, err := protocol.Encode(protocol.Request{FileHash: state.fileHash, Seq: seq})
	if err != nil {
		return false, nil
	}
	if _, err := conn.Write(protocol.AttachHeader(payload)); err != nil {
		return false, nil
	}

	msg, err := readNext()
	if err != nil {
		return false, nil
	}

	switch m := msg.(type) {
	case protocol.Data:
		if crc32.ChecksumIEEE(m.Data) != m.Checksum {
			return false, nil
		}
		block := m.Data
		if m.Compressed {
			decoded, derr := gzipDecode(block)
			if derr != nil {
				return false, nil
			}
			block = decoded
		}
		if err := blockio.WriteBlock(state.file, seq, state.blockSize, block); err != nil {
			return false, fmt.Errorf("receiver: writing block %d: %w", seq, err)
		}
		state.receivedBlocks[seq].Store(true)
		state.bytesReceived.Add(uint64(len(block)))
		return true, nil
	case protocol.Error:
		return false, nil
	default:
		return false, nil
	}
}

func gzipDecode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
