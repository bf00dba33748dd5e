// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func fp(b byte) FileFingerprint {
	var f FileFingerprint
	for i := range f {
		f[i] = b
	}
	return f
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  any
	}{
		{"Handshake", Handshake{FileHash: fp(1), TotalSize: 123456, Concurrency: 8, FileName: "archive.tar", BlockSize: 4 << 20}},
		{"Data", Data{FileHash: fp(2), Seq: 7, Checksum: 0xDEADBEEF, Compressed: true, Data: []byte("payload bytes")}},
		{"Data empty", Data{FileHash: fp(2), Seq: 0, Checksum: 0, Compressed: false, Data: nil}},
		{"VerifyResponse", VerifyResponse{FileHash: fp(3), Seq: 9, Valid: true}},
		{"Request", Request{FileHash: fp(4), Seq: 42}},
		{"VerifyBlock", VerifyBlock{FileHash: fp(5), Seq: 3, Checksum: 99}},
		{"Progress", Progress{FileHash: fp(6), BytesReceived: 999999}},
		{"TransferComplete", TransferComplete{FileHash: fp(7)}},
		{"Error", Error{FileHash: fp(8), Code: 4, Message: "block checksum mismatch"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(payload)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !equalMessages(got, tt.msg) {
				t.Fatalf("round trip mismatch: got %#v, want %#v", got, tt.msg)
			}
		})
	}
}

func equalMessages(a, b any) bool {
	switch av := a.(type) {
	case Data:
		bv := b.(Data)
		return av.FileHash == bv.FileHash && av.Seq == bv.Seq && av.Checksum == bv.Checksum &&
			av.Compressed == bv.Compressed && bytes.Equal(av.Data, bv.Data)
	default:
		return a == b
	}
}

func TestReadNextRoundTrip(t *testing.T) {
	msg := Data{FileHash: fp(9), Seq: 5, Checksum: 7, Compressed: false, Data: []byte("hello world")}
	payload, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := AttachHeader(payload)

	buf := make([]byte, MaxMessageSize)
	result, err := ReadNext(bytes.NewReader(frame), buf, 0)
	if err != nil {
		t.Fatalf("ReadNext: %v", err)
	}
	got, ok := result.Message.(Data)
	if !ok {
		t.Fatalf("got %T, want Data", result.Message)
	}
	if !equalMessages(got, msg) {
		t.Fatalf("mismatch: got %#v, want %#v", got, msg)
	}
	if result.NextPayloadIndex != -1 {
		t.Fatalf("expected no pipelined data, got NextPayloadIndex=%d", result.NextPayloadIndex)
	}
	if result.TotalBytesRead != len(frame) {
		t.Fatalf("TotalBytesRead = %d, want %d", result.TotalBytesRead, len(frame))
	}
}

// TestReadNextPipelining verifies that two frames delivered back-to-back in
// one read are both recoverable: the first ReadNext call must report where
// the second frame begins so a caller can keep reading from that offset.
func TestReadNextPipelining(t *testing.T) {
	msg1 := TransferComplete{FileHash: fp(1)}
	msg2 := Progress{FileHash: fp(2), BytesReceived: 42}

	p1, err := Encode(msg1)
	if err != nil {
		t.Fatalf("Encode msg1: %v", err)
	}
	p2, err := Encode(msg2)
	if err != nil {
		t.Fatalf("Encode msg2: %v", err)
	}

	var combined bytes.Buffer
	combined.Write(AttachHeader(p1))
	combined.Write(AttachHeader(p2))

	buf := make([]byte, MaxMessageSize)
	result, err := ReadNext(&combined, buf, 0)
	if err != nil {
		t.Fatalf("first ReadNext: %v", err)
	}
	got1, ok := result.Message.(TransferComplete)
	if !ok || got1 != msg1 {
		t.Fatalf("first message mismatch: got %#v", result.Message)
	}
	if result.NextPayloadIndex < 0 {
		t.Fatalf("expected pipelined second frame, NextPayloadIndex=-1")
	}

	leftoverLen := result.TotalBytesRead - result.NextPayloadIndex
	copy(buf[0:], buf[result.NextPayloadIndex:result.TotalBytesRead])

	result2, err := ReadNext(&combined, buf, leftoverLen)
	if err != nil {
		t.Fatalf("second ReadNext: %v", err)
	}
	got2, ok := result2.Message.(Progress)
	if !ok || got2 != msg2 {
		t.Fatalf("second message mismatch: got %#v", result2.Message)
	}
}

// TestReadNextSlowWriter exercises the partial-read path (testable scenario
// S7): the frame trickles in a few bytes at a time instead of arriving in
// one Read call.
func TestReadNextSlowWriter(t *testing.T) {
	msg := Request{FileHash: fp(3), Seq: 11}
	payload, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := AttachHeader(payload)

	buf := make([]byte, MaxMessageSize)
	result, err := ReadNext(&slowReader{data: frame, chunk: 5}, buf, 0)
	if err != nil {
		t.Fatalf("ReadNext: %v", err)
	}
	got, ok := result.Message.(Request)
	if !ok || got != msg {
		t.Fatalf("mismatch: got %#v", result.Message)
	}
}

type slowReader struct {
	data  []byte
	chunk int
	pos   int
}

func (s *slowReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := s.chunk
	if n > len(p) {
		n = len(p)
	}
	if s.pos+n > len(s.data) {
		n = len(s.data) - s.pos
	}
	copy(p, s.data[s.pos:s.pos+n])
	s.pos += n
	return n, nil
}

func TestReadNextUnsupportedVersion(t *testing.T) {
	payload, err := Encode(TransferComplete{FileHash: fp(1)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	bad := []byte("Ver: 9\r\nLen: " + itoa(len(payload)) + "\r\n\r\n")
	bad = append(bad, payload...)

	buf := make([]byte, MaxMessageSize)
	_, err = ReadNext(bytes.NewReader(bad), buf, 0)
	if !errors.Is(err, ErrUnsupportedVer) {
		t.Fatalf("got %v, want ErrUnsupportedVer", err)
	}
}

func TestReadNextBufferTooSmall(t *testing.T) {
	payload, err := Encode(Data{FileHash: fp(1), Data: make([]byte, 1000)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := AttachHeader(payload)

	buf := make([]byte, 16)
	_, err = ReadNext(bytes.NewReader(frame), buf, 0)
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("got %v, want ErrBufferTooSmall", err)
	}
}

func TestReadNextInvalidFormat(t *testing.T) {
	bad := []byte("not a valid header at all\r\n\r\n")
	buf := make([]byte, MaxMessageSize)
	_, err := ReadNext(bytes.NewReader(bad), buf, 0)
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("got %v, want ErrInvalidFormat", err)
	}
}

func TestReadNextUnexpectedEOF(t *testing.T) {
	truncated := []byte("Ver: 1\r\nLen: 100\r\n\r\nshort")
	buf := make([]byte, MaxMessageSize)
	_, err := ReadNext(bytes.NewReader(truncated), buf, 0)
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("got %v, want ErrUnexpectedEOF", err)
	}
}

func TestReadNextPayloadParseFailure(t *testing.T) {
	garbage := []byte{0xFF, 0xFF, 0xFF}
	frame := AttachHeader(garbage)
	buf := make([]byte, MaxMessageSize)
	_, err := ReadNext(bytes.NewReader(frame), buf, 0)
	if !errors.Is(err, ErrPayloadParse) {
		t.Fatalf("got %v, want ErrPayloadParse", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
