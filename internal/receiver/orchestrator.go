// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package receiver implements the Receiver side of a transfer: the
// orchestrator that performs the handshake, pre-allocates the output file
// and partitions its blocks across workers, and the workers themselves
// (verify-first and download passes).
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/sendfile/internal/blockio"
	"github.com/nishisan-dev/sendfile/internal/diskspace"
	"github.com/nishisan-dev/sendfile/internal/protocol"
)

// HandshakePort and TransferPort mirror the sender package's well-known
// ports; both endpoints must already agree on them out of band (see
// Design Notes Open Question 3).
const (
	HandshakePort = 7878
	TransferPort  = 7879
)

// Config holds everything the orchestrator needs to receive one whole
// file. The Sender's IP is not a config input: it is derived from the
// handshake connection's remote address (§3, §6), not an out-of-band flag.
type Config struct {
	OutputPath  string // directory or explicit file path, per §4.5 step 4
	Concurrency uint16
	Logger      *slog.Logger

	// HandshakePortOverride/TransferPortOverride let tests run on
	// loopback ephemeral ports instead of the real 7878/7879.
	HandshakePortOverride int
	TransferPortOverride  int
}

func (c Config) handshakePort() int {
	if c.HandshakePortOverride != 0 {
		return c.HandshakePortOverride
	}
	return HandshakePort
}

func (c Config) transferPort() int {
	if c.TransferPortOverride != 0 {
		return c.TransferPortOverride
	}
	return TransferPort
}

// blockRange is a contiguous half-open span of sequence numbers assigned
// to one worker.
type blockRange struct {
	start, end uint32 // [start, end)
}

// partitionRanges splits [0, totalBlocks) into n contiguous ranges via a
// balanced split: each of the first (totalBlocks mod n) ranges gets one
// extra block, the rest get totalBlocks/n. Every block is covered exactly
// once; ranges may be empty when n > totalBlocks.
func partitionRanges(totalBlocks uint32, n int) []blockRange {
	if n <= 0 {
		n = 1
	}
	ranges := make([]blockRange, n)
	base := totalBlocks / uint32(n)
	remainder := totalBlocks % uint32(n)

	var cursor uint32
	for i := 0; i < n; i++ {
		size := base
		if uint32(i) < remainder {
			size++
		}
		ranges[i] = blockRange{start: cursor, end: cursor + size}
		cursor += size
	}
	return ranges
}

// sharedState is the mutable state every worker for a single transfer
// reads and updates. receivedBlocks and bytesReceived are the only shared
// mutable fields and are both updated without locks, as §5 describes.
type sharedState struct {
	file           *os.File
	fileHash       protocol.FileFingerprint
	blockSize      uint32
	totalSize      uint64
	senderIP       string
	receivedBlocks []atomic.Bool
	bytesReceived  atomic.Uint64
	logger         *slog.Logger
}

func (s *sharedState) allReceived() bool {
	for i := range s.receivedBlocks {
		if !s.receivedBlocks[i].Load() {
			return false
		}
	}
	return true
}

// Receive runs the full Receiver orchestrator: accept the handshake,
// resolve and pre-allocate the output file, partition its blocks, and run
// workers until the whole file is received.
func Receive(ctx context.Context, cfg Config) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.handshakePort()))
	if err != nil {
		return fmt.Errorf("receiver: binding handshake port %d: %w", cfg.handshakePort(), err)
	}
	defer listener.Close()

	cfg.Logger.Info("waiting for handshake", "port", cfg.handshakePort())

	conn, err := listener.Accept()
	if err != nil {
		return fmt.Errorf("receiver: accepting handshake connection: %w", err)
	}
	defer conn.Close()

	senderIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("receiver: parsing handshake remote address %s: %w", conn.RemoteAddr(), err)
	}

	buf := make([]byte, protocol.MaxMessageSize)
	result, err := protocol.ReadNext(conn, buf, 0)
	if err != nil {
		return fmt.Errorf("receiver: reading handshake: %w", err)
	}
	handshake, ok := result.Message.(protocol.Handshake)
	if !ok {
		return fmt.Errorf("receiver: expected Handshake, got %T", result.Message)
	}

	totalBlocks := blockio.TotalBlocks(handshake.TotalSize, handshake.BlockSize)

	finalPath, err := resolveOutputPath(cfg.OutputPath, handshake.FileName)
	if err != nil {
		return fmt.Errorf("receiver: resolving output path: %w", err)
	}

	_, statErr := os.Stat(finalPath)
	isExistingFile := statErr == nil

	if err := diskspace.CheckFree(filepath.Dir(finalPath), handshake.TotalSize); err != nil {
		return fmt.Errorf("receiver: preflight disk-space check: %w", err)
	}

	file, err := os.OpenFile(finalPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("receiver: opening %s: %w", finalPath, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(handshake.TotalSize)); err != nil {
		return fmt.Errorf("receiver: pre-allocating %s to %d bytes: %w", finalPath, handshake.TotalSize, err)
	}

	state := &sharedState{
		file:           file,
		fileHash:       handshake.FileHash,
		blockSize:      handshake.BlockSize,
		totalSize:      handshake.TotalSize,
		senderIP:       senderIP,
		receivedBlocks: make([]atomic.Bool, totalBlocks),
		logger:         cfg.Logger,
	}

	n := int(cfg.Concurrency)
	if n < 1 {
		n = 1
	}
	ranges := partitionRanges(totalBlocks, n)

	var wg sync.WaitGroup
	errs := make([]error, len(ranges))
	for i, r := range ranges {
		wg.Add(1)
		go func(i int, r blockRange) {
			defer wg.Done()
			errs[i] = runWorker(ctx, cfg, state, r, isExistingFile, finalPath)
		}(i, r)
	}
	wg.Wait()

	for _, werr := range errs {
		if werr != nil {
			return werr
		}
	}

	cfg.Logger.Info("transfer complete", "bytes_received", state.bytesReceived.Load(), "total_size", state.totalSize)
	return nil
}

// resolveOutputPath implements §4.5 step 4: if path is an existing
// directory, the final path joins it with fileName; otherwise path itself
// is the final path.
func resolveOutputPath(path, fileName string) (string, error) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return filepath.Join(path, fileName), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return path, nil
}
