// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/sendfile/internal/fingerprint"
	"github.com/nishisan-dev/sendfile/internal/protocol"
	"github.com/nishisan-dev/sendfile/internal/ratelimit"
)

// HandshakePort and TransferPort are the two well-known ports this
// protocol is pinned to (see Design Notes Open Question 3: the transfer
// port is never carried on the wire, both endpoints must already agree).
const (
	HandshakePort = 7878
	TransferPort  = 7879
)

// acceptBackoff is the accept deadline the loop uses to re-check the
// termination flag. After a transient accept error the loop sleeps 100ms
// per consecutive error, capped at ten times acceptBackoff.
const acceptBackoff = 500 * time.Millisecond

// Config holds everything the orchestrator needs to run one whole-file
// send.
type Config struct {
	FilePath    string
	ReceiverIP  string
	BlockSize   uint32
	Concurrency uint16
	NoCompress  bool
	RateLimit   int64 // bytes/sec, 0 = unlimited
	Logger      *slog.Logger

	// HandshakePortOverride/TransferPortOverride override the well-known ports; zero
	// means use HandshakePort/TransferPort constants. Tests use this to
	// run on loopback ephemeral ports instead of the real ones.
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

// concurrencyCap clamps a requested concurrency the way §4.3 step 4
// describes: available_parallelism * 4, bounded to [8, 65535].
func concurrencyCap(availableParallelism int) int {
	c := availableParallelism * 4
	if c < 8 {
		c = 8
	}
	if c > 65535 {
		c = 65535
	}
	return c
}

// Send computes the fingerprint, performs the handshake, then accepts
// transfer connections until some worker reports a valid TransferComplete.
func Send(ctx context.Context, cfg Config) error {
	fp, err := fingerprint.OfFile(cfg.FilePath)
	if err != nil {
		return fmt.Errorf("sender: fingerprinting %s: %w", cfg.FilePath, err)
	}

	info, err := os.Stat(cfg.FilePath)
	if err != nil {
		return fmt.Errorf("sender: stat %s: %w", cfg.FilePath, err)
	}

	file, err := os.Open(cfg.FilePath)
	if err != nil {
		return fmt.Errorf("sender: opening %s: %w", cfg.FilePath, err)
	}
	defer file.Close()

	if err := sendHandshake(ctx, cfg, fp, uint64(info.Size())); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.transferPort()))
	if err != nil {
		return fmt.Errorf("sender: binding transfer port %d: %w", cfg.transferPort(), err)
	}

	maxActive := concurrencyCap(int(cfg.Concurrency))
	var active atomic.Int32
	var wg sync.WaitGroup
	var done atomic.Bool

	limiter := ratelimit.New(cfg.RateLimit)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	cfg.Logger.Info("accepting transfer connections", "port", cfg.transferPort(), "cap", maxActive)

	tcpListener, _ := listener.(*net.TCPListener)

	consecutiveErrors := 0
	for !done.Load() {
		if tcpListener != nil {
			tcpListener.SetDeadline(time.Now().Add(acceptBackoff))
		}
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			default:
			}
			if ne, ok := acceptErr.(net.Error); ok && ne.Timeout() {
				// Deadline expired with no pending connection; loop back
				// around to re-check done and ctx without counting this
				// as a transient accept failure.
				continue
			}
			consecutiveErrors++
			cfg.Logger.Error("accepting connection", "error", acceptErr, "consecutive_errors", consecutiveErrors)
			delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if delay > acceptBackoff*10 {
				delay = acceptBackoff * 10
			}
			time.Sleep(delay)
			continue
		}
		consecutiveErrors = 0

		if int(active.Load()) >= maxActive {
			conn.Close()
			continue
		}

		active.Add(1)
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer active.Add(-1)
			defer c.Close()

			h := NewHandler(file, fp, cfg.BlockSize, cfg.NoCompress, limiter, cfg.Logger)
			completed, serveErr := h.Serve(ctx, c)
			if serveErr != nil {
				cfg.Logger.Warn("connection handler exited with error", "error", serveErr)
				return
			}
			if completed {
				done.Store(true)
			}
		}(conn)
	}

	listener.Close()
	wg.Wait()
	cfg.Logger.Info("transfer complete")
	return nil
}

func sendHandshake(ctx context.Context, cfg Config, fp protocol.FileFingerprint, totalSize uint64) error {
	addr := fmt.Sprintf("%s:%d", cfg.ReceiverIP, cfg.handshakePort())
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sender: dialing handshake port %s: %w", addr, err)
	}
	defer conn.Close()

	handshake := protocol.Handshake{
		FileHash:    fp,
		TotalSize:   totalSize,
		Concurrency: cfg.Concurrency,
		FileName:    baseName(cfg.FilePath),
		BlockSize:   cfg.BlockSize,
	}

	payload, err := protocol.Encode(handshake)
	if err != nil {
		return fmt.Errorf("sender: encoding handshake: %w", err)
	}
	if _, err := conn.Write(protocol.AttachHeader(payload)); err != nil {
		return fmt.Errorf("sender: writing handshake: %w", err)
	}
	return nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
