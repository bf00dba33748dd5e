// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implements the binary sendfile wire protocol used
// between Sender and Receiver: a length-delimited text header in front of
// a compact, self-describing binary payload.
package protocol

import "errors"

// ProtocolVersion is the single supported wire version.
const ProtocolVersion byte = 1

// MaxBlockSize is the largest block size a TransferConfig may negotiate.
const MaxBlockSize = 4 * 1024 * 1024

// MaxMessageSize bounds the scratch buffer a reader must supply: the
// largest possible Data payload (one full block) plus header overhead.
const MaxMessageSize = MaxBlockSize + 128

const (
	versionHeaderPrefix = "Ver: "
	lengthHeaderPrefix  = "Len: "
	delimiter           = "\r\n"
)

// Protocol errors. All but ErrFingerprintLength are returned by ReadNext.
// They mirror the taxonomy in the protocol design: a malformed frame always
// closes the connection that produced it.
var (
	ErrUnexpectedEOF     = errors.New("protocol: stream closed mid-frame")
	ErrBufferTooSmall    = errors.New("protocol: scratch buffer too small for declared payload")
	ErrInvalidFormat     = errors.New("protocol: malformed frame header")
	ErrUnsupportedVer    = errors.New("protocol: unsupported protocol version")
	ErrPayloadParse      = errors.New("protocol: payload failed to decode")
	ErrFingerprintLength = errors.New("protocol: file fingerprint must be 32 bytes")
)
