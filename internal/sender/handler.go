// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sender implements the Sender side of a transfer: the connection
// handler that services one inbound worker connection, and the
// orchestrator that accepts those connections and dispatches handlers.
package sender

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/nishisan-dev/sendfile/internal/blockio"
	"github.com/nishisan-dev/sendfile/internal/protocol"
	"github.com/nishisan-dev/sendfile/internal/ratelimit"
)

// compressionDecision is the per-connection sticky state machine described
// in the design notes: undecided until the first successful encode, then
// pinned for the rest of the connection.
type compressionDecision int

const (
	compressionUndecided compressionDecision = iota
	compressionOn
	compressionOff
)

// Handler services one inbound transfer connection for a single file.
type Handler struct {
	file        *os.File
	fingerprint protocol.FileFingerprint
	blockSize   uint32
	noCompress  bool
	limiter     *ratelimit.Limiter
	logger      *slog.Logger

	decision compressionDecision
}

// NewHandler builds a Handler scoped to one transfer. noCompress pins the
// compression decision to off for the handler's whole lifetime, instead of
// leaving it undecided.
func NewHandler(file *os.File, fingerprint protocol.FileFingerprint, blockSize uint32, noCompress bool, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	decision := compressionUndecided
	if noCompress {
		decision = compressionOff
	}
	return &Handler{
		file:        file,
		fingerprint: fingerprint,
		blockSize:   blockSize,
		noCompress:  noCompress,
		limiter:     limiter,
		logger:      logger,
		decision:    decision,
	}
}

// Serve runs the request/reply loop over conn until the connection closes,
// an unrecoverable framing error occurs, or a valid TransferComplete
// arrives for this handler's fingerprint. The boolean result reports
// whether TransferComplete was observed.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) (bool, error) {
	buf := make([]byte, protocol.MaxMessageSize)
	filled := 0

	for {
		result, err := protocol.ReadNext(conn, buf, filled)
		if err != nil {
			return false, fmt.Errorf("sender: reading frame: %w", err)
		}

		done, handleErr := h.dispatch(ctx, conn, result.Message)
		if handleErr != nil {
			h.sendError(conn, 500, handleErr.Error())
			return false, handleErr
		}
		if done {
			return true, nil
		}

		if result.NextPayloadIndex < 0 {
			filled = 0
			continue
		}
		leftover := result.TotalBytesRead - result.NextPayloadIndex
		copy(buf[0:], buf[result.NextPayloadIndex:result.TotalBytesRead])
		filled = leftover
	}
}

func (h *Handler) dispatch(ctx context.Context, conn net.Conn, msg any) (done bool, err error) {
	switch m := msg.(type) {
	case protocol.Request:
		if m.FileHash != h.fingerprint {
			return false, fmt.Errorf("sender: request for foreign transfer")
		}
		return false, h.handleRequest(ctx, conn, m)
	case protocol.VerifyBlock:
		if m.FileHash != h.fingerprint {
			return false, fmt.Errorf("sender: verify-block for foreign transfer")
		}
		return false, h.handleVerifyBlock(conn, m)
	case protocol.Progress:
		if m.FileHash != h.fingerprint {
			return false, fmt.Errorf("sender: progress for foreign transfer")
		}
		h.logger.Info("progress", "bytes_received", m.BytesReceived)
		return false, nil
	case protocol.TransferComplete:
		if m.FileHash != h.fingerprint {
			return false, fmt.Errorf("sender: transfer-complete for foreign transfer")
		}
		return true, nil
	case protocol.Error:
		return false, fmt.Errorf("sender: peer reported error %d: %s", m.Code, m.Message)
	default:
		return false, fmt.Errorf("sender: unexpected message type %T", m)
	}
}

func (h *Handler) handleRequest(ctx context.Context, conn net.Conn, req protocol.Request) error {
	raw, err := blockio.ReadBlock(h.file, req.Seq, h.blockSize)
	if err != nil {
		return fmt.Errorf("sender: reading block %d: %w", req.Seq, err)
	}

	data := raw
	compressed := false

	if h.decision != compressionOff {
		encoded, encErr := gzipEncode(raw)
		if encErr == nil {
			if h.decision == compressionUndecided {
				if len(encoded) < len(raw) {
					h.decision = compressionOn
				} else {
					h.decision = compressionOff
				}
			}
			if h.decision == compressionOn {
				data = encoded
				compressed = true
			}
		}
	}

	if h.limiter != nil {
		if err := h.limiter.WaitN(ctx, len(data)); err != nil {
			return fmt.Errorf("sender: rate limit wait: %w", err)
		}
	}

	checksum := crc32.ChecksumIEEE(data)
	reply := protocol.Data{
		Seq:        req.Seq,
		Checksum:   checksum,
		FileHash:   h.fingerprint,
		Compressed: compressed,
		Data:       data,
	}
	return h.writeMessage(conn, reply)
}

func (h *Handler) handleVerifyBlock(conn net.Conn, req protocol.VerifyBlock) error {
	raw, err := blockio.ReadBlock(h.file, req.Seq, h.blockSize)
	if err != nil {
		return fmt.Errorf("sender: reading block %d for verify: %w", req.Seq, err)
	}
	localCRC := crc32.ChecksumIEEE(raw)

	reply := protocol.VerifyResponse{
		FileHash: h.fingerprint,
		Seq:      req.Seq,
		Valid:    localCRC == req.Checksum,
	}
	return h.writeMessage(conn, reply)
}

func (h *Handler) writeMessage(conn net.Conn, msg any) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("sender: encoding reply: %w", err)
	}
	if _, err := conn.Write(protocol.AttachHeader(payload)); err != nil {
		return fmt.Errorf("sender: writing reply: %w", err)
	}
	return nil
}

func (h *Handler) sendError(conn net.Conn, code uint16, message string) {
	payload, err := protocol.Encode(protocol.Error{FileHash: h.fingerprint, Code: code, Message: message})
	if err != nil {
		return
	}
	_, _ = conn.Write(protocol.AttachHeader(payload))
}

func gzipEncode(raw []byte) ([]byte, error) {
	var out bytes.Buffer
	w := gzip.NewWriter(&out)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
