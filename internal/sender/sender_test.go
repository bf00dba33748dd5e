// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"hash/crc32"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/sendfile/internal/protocol"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSendEndToEndSingleBlock(t *testing.T) {
	data := []byte("Hello, world!")
	path := filepath.Join(t.TempDir(), "source.txt")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	handshakePort := freePort(t)
	transferPort := freePort(t)

	handshakeListener, err := net.Listen("tcp", "127.0.0.1:"+itoa(handshakePort))
	if err != nil {
		t.Fatalf("listening on handshake port: %v", err)
	}
	defer handshakeListener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{
		FilePath:              path,
		ReceiverIP:            "127.0.0.1",
		BlockSize:             uint32(len(data)),
		Concurrency:           1,
		Logger:                discardLogger(),
		HandshakePortOverride: handshakePort,
		TransferPortOverride:  transferPort,
	}

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- Send(ctx, cfg)
	}()

	hsConn, err := handshakeListener.Accept()
	if err != nil {
		t.Fatalf("accepting handshake: %v", err)
	}
	defer hsConn.Close()

	buf := make([]byte, protocol.MaxMessageSize)
	result, err := protocol.ReadNext(hsConn, buf, 0)
	if err != nil {
		t.Fatalf("reading handshake: %v", err)
	}
	hs, ok := result.Message.(protocol.Handshake)
	if !ok {
		t.Fatalf("got %T, want Handshake", result.Message)
	}
	if hs.TotalSize != uint64(len(data)) {
		t.Fatalf("TotalSize = %d, want %d", hs.TotalSize, len(data))
	}

	// Give the sender a moment to bind its transfer listener after the
	// handshake write completes.
	var workerConn net.Conn
	for i := 0; i < 50; i++ {
		workerConn, err = net.Dial("tcp", "127.0.0.1:"+itoa(transferPort))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dialing transfer port: %v", err)
	}
	defer workerConn.Close()

	writeFrame(t, workerConn, protocol.Request{FileHash: hs.FileHash, Seq: 0})

	workerBuf := make([]byte, protocol.MaxMessageSize)
	workerResult, err := protocol.ReadNext(workerConn, workerBuf, 0)
	if err != nil {
		t.Fatalf("reading Data: %v", err)
	}
	d, ok := workerResult.Message.(protocol.Data)
	if !ok {
		t.Fatalf("got %T, want Data", workerResult.Message)
	}
	if d.Compressed {
		t.Skip("compression probe chose to compress; not exercising raw-path assertions")
	}
	if string(d.Data) != string(data) {
		t.Fatalf("got %q, want %q", d.Data, data)
	}
	if d.Checksum != crc32.ChecksumIEEE(data) {
		t.Fatalf("checksum mismatch")
	}

	writeFrame(t, workerConn, protocol.TransferComplete{FileHash: hs.FileHash})

	select {
	case err := <-sendErr:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return in time")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		digits = append([]byte{'-'}, digits...)
	}
	return string(digits)
}
