// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind tags the variant carried by a frame's payload. Both directions
// (Sender->Receiver and Receiver->Sender) share one encoding so a reader
// doesn't need to know which side it's talking to before it can parse.
type Kind byte

const (
	KindHandshake Kind = iota + 1
	KindData
	KindVerifyResponse
	KindRequest
	KindVerifyBlock
	KindProgress
	KindTransferComplete
	KindError
)

// FileFingerprint is the 32-byte whole-file content hash that identifies a
// transfer. Every message variant below carries one so a handler can reject
// traffic belonging to a different transfer (see Fingerprint in GLOSSARY).
type FileFingerprint [32]byte

// Handshake is sent exactly once, over the handshake connection, before any
// transfer connection is opened.
type Handshake struct {
	FileHash    FileFingerprint
	TotalSize   uint64
	Concurrency uint16
	FileName    string
	BlockSize   uint32
}

// Data is the Sender's reply to a Request.
type Data struct {
	Seq        uint32
	Checksum   uint32
	FileHash   FileFingerprint
	Compressed bool
	Data       []byte
}

// VerifyResponse is the Sender's reply to a VerifyBlock.
type VerifyResponse struct {
	FileHash FileFingerprint
	Seq      uint32
	Valid    bool
}

// Request asks the Sender for a specific block.
type Request struct {
	FileHash FileFingerprint
	Seq      uint32
}

// VerifyBlock asks the Sender whether its copy of block Seq matches the
// Receiver's local CRC.
type VerifyBlock struct {
	FileHash FileFingerprint
	Seq      uint32
	Checksum uint32
}

// Progress is advisory; it may be sent at any time.
type Progress struct {
	FileHash      FileFingerprint
	BytesReceived uint64
}

// TransferComplete is terminal: the Receiver has every block, and the
// Sender should stop accepting new connections for this transfer.
type TransferComplete struct {
	FileHash FileFingerprint
}

// Error is advisory in both directions; the recipient MAY close the
// connection on receipt.
type Error struct {
	FileHash FileFingerprint
	Code     uint16
	Message  string
}

// Encode serializes msg into a self-describing binary payload. The leading
// byte is the Kind tag; everything after it is variant-specific, using
// varints for integers and length-prefixed bytes for variable-length
// fields, so Decode never needs out-of-band type information.
func Encode(msg any) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 64)}
	switch m := msg.(type) {
	case Handshake:
		e.kind(KindHandshake)
		e.fingerprint(m.FileHash)
		e.uvarint(m.TotalSize)
		e.uvarint(uint64(m.Concurrency))
		e.str(m.FileName)
		e.uvarint(uint64(m.BlockSize))
	case Data:
		e.kind(KindData)
		e.fingerprint(m.FileHash)
		e.uvarint(uint64(m.Seq))
		e.uvarint(uint64(m.Checksum))
		e.boolean(m.Compressed)
		e.bytes(m.Data)
	case VerifyResponse:
		e.kind(KindVerifyResponse)
		e.fingerprint(m.FileHash)
		e.uvarint(uint64(m.Seq))
		e.boolean(m.Valid)
	case Request:
		e.kind(KindRequest)
		e.fingerprint(m.FileHash)
		e.uvarint(uint64(m.Seq))
	case VerifyBlock:
		e.kind(KindVerifyBlock)
		e.fingerprint(m.FileHash)
		e.uvarint(uint64(m.Seq))
		e.uvarint(uint64(m.Checksum))
	case Progress:
		e.kind(KindProgress)
		e.fingerprint(m.FileHash)
		e.uvarint(m.BytesReceived)
	case TransferComplete:
		e.kind(KindTransferComplete)
		e.fingerprint(m.FileHash)
	case Error:
		e.kind(KindError)
		e.fingerprint(m.FileHash)
		e.uvarint(uint64(m.Code))
		e.str(m.Message)
	default:
		return nil, fmt.Errorf("%w: unknown message type %T", ErrPayloadParse, msg)
	}
	return e.buf, nil
}

// Decode parses a payload produced by Encode back into the concrete
// message value (not a pointer) matching its Kind.
func Decode(payload []byte) (any, error) {
	d := &decoder{buf: payload}
	kind, err := d.kind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindHandshake:
		var m Handshake
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		if m.TotalSize, err = d.uvarint(); err != nil {
			return nil, err
		}
		concurrency, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Concurrency = uint16(concurrency)
		if m.FileName, err = d.str(); err != nil {
			return nil, err
		}
		blockSize, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.BlockSize = uint32(blockSize)
		return m, d.finish()
	case KindData:
		var m Data
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		seq, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Seq = uint32(seq)
		checksum, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Checksum = uint32(checksum)
		if m.Compressed, err = d.boolean(); err != nil {
			return nil, err
		}
		if m.Data, err = d.bytes(); err != nil {
			return nil, err
		}
		return m, d.finish()
	case KindVerifyResponse:
		var m VerifyResponse
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		seq, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Seq = uint32(seq)
		if m.Valid, err = d.boolean(); err != nil {
			return nil, err
		}
		return m, d.finish()
	case KindRequest:
		var m Request
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		seq, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Seq = uint32(seq)
		return m, d.finish()
	case KindVerifyBlock:
		var m VerifyBlock
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		seq, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Seq = uint32(seq)
		checksum, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Checksum = uint32(checksum)
		return m, d.finish()
	case KindProgress:
		var m Progress
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		if m.BytesReceived, err = d.uvarint(); err != nil {
			return nil, err
		}
		return m, d.finish()
	case KindTransferComplete:
		var m TransferComplete
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		return m, d.finish()
	case KindError:
		var m Error
		if m.FileHash, err = d.fingerprint(); err != nil {
			return nil, err
		}
		code, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		m.Code = uint16(code)
		if m.Message, err = d.str(); err != nil {
			return nil, err
		}
		return m, d.finish()
	default:
		return nil, fmt.Errorf("%w: unknown kind tag %d", ErrPayloadParse, kind)
	}
}

// encoder appends fields to buf using varints for integers and
// length-prefixed bytes for variable-length data.
type encoder struct {
	buf  []byte
	vbuf [binary.MaxVarintLen64]byte
}

func (e *encoder) kind(k Kind) { e.buf = append(e.buf, byte(k)) }

func (e *encoder) fingerprint(fp FileFingerprint) { e.buf = append(e.buf, fp[:]...) }

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.vbuf[:], v)
	e.buf = append(e.buf, e.vbuf[:n]...)
}

func (e *encoder) boolean(b bool) {
	if b {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) { e.bytes([]byte(s)) }

// decoder walks buf field by field, mirroring encoder's layout exactly.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) kind() (Kind, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("%w: missing kind tag", ErrPayloadParse)
	}
	k := Kind(d.buf[d.pos])
	d.pos++
	return k, nil
}

func (d *decoder) fingerprint() (FileFingerprint, error) {
	var fp FileFingerprint
	if d.pos+32 > len(d.buf) {
		return fp, fmt.Errorf("%w: truncated fingerprint", ErrPayloadParse)
	}
	copy(fp[:], d.buf[d.pos:d.pos+32])
	d.pos += 32
	return fp, nil
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: invalid varint", ErrPayloadParse)
	}
	d.pos += n
	return v, nil
}

func (d *decoder) boolean() (bool, error) {
	if d.pos >= len(d.buf) {
		return false, fmt.Errorf("%w: missing bool", ErrPayloadParse)
	}
	b := d.buf[d.pos] != 0
	d.pos++
	return b, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, fmt.Errorf("%w: truncated byte field", ErrPayloadParse)
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out, nil
}

func (d *decoder) str() (string, error) {
	b, err := d.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) finish() error {
	if d.pos != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrPayloadParse, len(d.buf)-d.pos)
	}
	return nil
}
