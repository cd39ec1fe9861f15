// Copyright 2024-2026 Raimundo Jimenez. All rights reserved.
// Use of this source code is governed by the GNU General Public License v2
// included in the LICENSE file of this repository.

package capproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Magic is the frame resync sentinel. Every capture frame on the wire starts
// with this constant in big-endian order.
const Magic uint32 = 0xDECAFBAD

// Frame type strings exchanged between the host and a capture child.
const (
	FrameHello     = "HELLO"
	FrameProbe     = "PROBE"
	FrameProbeResp = "PROBERESP"
	FrameOpen      = "OPEN"
	FrameOpenResp  = "OPENRESP"
	FrameList      = "LIST"
	FrameListResp  = "LISTRESP"
	FrameData      = "DATA"
	FrameMessage   = "MESSAGE"
	FrameError     = "ERROR"
	FrameConfig    = "CONFIG"
)

// Practical caps on the nominally 32-bit wire fields. Counts or lengths above
// these limits fail decoding rather than allocate unbounded memory.
const (
	MaxTypeLen = 32
	MaxKeyLen  = 32
	MaxKVValue = 4 * 1024 * 1024
	MaxKVCount = 1024
)

// headerLen is magic + total_len.
const headerLen = 8

// KV is a single keyed value inside a frame. The key fixes the interpretation
// of the opaque value bytes; most values are msgpack maps (see kv.go).
type KV struct {
	Key   string
	Value []byte
}

// Frame is one wire-level message: a short type string, a sequence number, a
// correlation tag matching responses to requests (0 = unsolicited), and an
// ordered list of keyed values.
type Frame struct {
	Seqno         uint32
	TransactionID uint32
	Type          string
	KVs           []KV
}

// KV returns the value for key, or nil if the frame does not carry it.
func (f *Frame) KV(key string) []byte {
	for i := range f.KVs {
		if f.KVs[i].Key == key {
			return f.KVs[i].Value
		}
	}
	return nil
}

// HasKV reports whether the frame carries the key, even with an empty value.
func (f *Frame) HasKV(key string) bool {
	for i := range f.KVs {
		if f.KVs[i].Key == key {
			return true
		}
	}
	return false
}

// Decode failure reasons.
const (
	ReasonBadMagic    = "bad_magic"
	ReasonShort       = "short"
	ReasonBadChecksum = "bad_checksum"
	ReasonTypeTooLong = "type_too_long"
	ReasonKVTooLong   = "kv_too_long"
)

// ErrNeedMore is returned by Decode when the buffer does not yet hold a
// complete frame. The accompanying count is the total number of bytes the
// caller must accumulate before retrying.
var ErrNeedMore = errors.New("need more data")

// ProtocolError is a non-recoverable decode failure. Reason is one of the
// Reason* constants.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "capture protocol error: " + e.Reason
}

// Decode parses the first complete frame at the head of buf.
//
// On success it returns the frame and the number of bytes consumed. When buf
// is too short it returns ErrNeedMore together with the total byte count
// required (the caller keeps the partial bytes verbatim and retries once more
// have arrived). Malformed input returns a *ProtocolError; for bad_magic the
// consumed count points past the garbage, at the next magic occurrence (or
// the end of buf), which is the only recovery path the codec offers.
func Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < headerLen {
		return nil, headerLen, ErrNeedMore
	}

	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, scanMagic(buf), &ProtocolError{Reason: ReasonBadMagic}
	}

	totalLen := binary.BigEndian.Uint32(buf[4:8])
	// seqno + txid + type_len + num_kv + checksum is the floor for the body.
	if totalLen < 4+4+2+4+4 {
		return nil, 0, &ProtocolError{Reason: ReasonShort}
	}
	frameLen := headerLen + int(totalLen)
	if len(buf) < frameLen {
		return nil, frameLen, ErrNeedMore
	}

	body := buf[headerLen:frameLen]
	wantSum := binary.BigEndian.Uint32(body[len(body)-4:])
	gotSum := crc32.ChecksumIEEE(buf[:frameLen-4])
	if wantSum != gotSum {
		return nil, 0, &ProtocolError{Reason: ReasonBadChecksum}
	}

	f := &Frame{
		Seqno:         binary.BigEndian.Uint32(body[0:4]),
		TransactionID: binary.BigEndian.Uint32(body[4:8]),
	}

	rest := body[8 : len(body)-4]
	typeLen := int(binary.BigEndian.Uint16(rest[0:2]))
	if typeLen > MaxTypeLen {
		return nil, 0, &ProtocolError{Reason: ReasonTypeTooLong}
	}
	rest = rest[2:]
	if len(rest) < typeLen+4 {
		return nil, 0, &ProtocolError{Reason: ReasonShort}
	}
	f.Type = string(rest[:typeLen])
	rest = rest[typeLen:]

	numKV := binary.BigEndian.Uint32(rest[0:4])
	if numKV > MaxKVCount {
		return nil, 0, &ProtocolError{Reason: ReasonKVTooLong}
	}
	rest = rest[4:]

	if numKV > 0 {
		f.KVs = make([]KV, 0, numKV)
	}
	for i := uint32(0); i < numKV; i++ {
		if len(rest) < 2 {
			return nil, 0, &ProtocolError{Reason: ReasonShort}
		}
		keyLen := int(binary.BigEndian.Uint16(rest[0:2]))
		if keyLen > MaxKeyLen {
			return nil, 0, &ProtocolError{Reason: ReasonKVTooLong}
		}
		rest = rest[2:]
		if len(rest) < keyLen+4 {
			return nil, 0, &ProtocolError{Reason: ReasonShort}
		}
		key := string(rest[:keyLen])
		rest = rest[keyLen:]

		valLen := binary.BigEndian.Uint32(rest[0:4])
		if valLen > MaxKVValue {
			return nil, 0, &ProtocolError{Reason: ReasonKVTooLong}
		}
		rest = rest[4:]
		if len(rest) < int(valLen) {
			return nil, 0, &ProtocolError{Reason: ReasonShort}
		}
		val := make([]byte, valLen)
		copy(val, rest[:valLen])
		rest = rest[valLen:]

		f.KVs = append(f.KVs, KV{Key: key, Value: val})
	}

	if len(rest) != 0 {
		// Declared lengths did not account for every body byte.
		return nil, 0, &ProtocolError{Reason: ReasonShort}
	}

	return f, frameLen, nil
}

// scanMagic returns the offset of the next magic occurrence after position 0,
// or len(buf) if none is present.
func scanMagic(buf []byte) int {
	var sentinel [4]byte
	binary.BigEndian.PutUint32(sentinel[:], Magic)
	if idx := bytes.Index(buf[1:], sentinel[:]); idx >= 0 {
		return idx + 1
	}
	return len(buf)
}

// Encode serializes a frame. The result re-decodes to an equal frame.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Type) > MaxTypeLen {
		return nil, fmt.Errorf("frame type %q exceeds %d bytes", f.Type, MaxTypeLen)
	}
	if len(f.KVs) > MaxKVCount {
		return nil, fmt.Errorf("frame carries %d keyed values, cap is %d", len(f.KVs), MaxKVCount)
	}

	bodyLen := 4 + 4 + 2 + len(f.Type) + 4
	for i := range f.KVs {
		kv := &f.KVs[i]
		if len(kv.Key) > MaxKeyLen {
			return nil, fmt.Errorf("key %q exceeds %d bytes", kv.Key, MaxKeyLen)
		}
		if len(kv.Value) > MaxKVValue {
			return nil, fmt.Errorf("value for key %q exceeds %d bytes", kv.Key, MaxKVValue)
		}
		bodyLen += 2 + len(kv.Key) + 4 + len(kv.Value)
	}
	bodyLen += 4 // checksum

	out := make([]byte, 0, headerLen+bodyLen)
	out = binary.BigEndian.AppendUint32(out, Magic)
	out = binary.BigEndian.AppendUint32(out, uint32(bodyLen))
	out = binary.BigEndian.AppendUint32(out, f.Seqno)
	out = binary.BigEndian.AppendUint32(out, f.TransactionID)
	out = binary.BigEndian.AppendUint16(out, uint16(len(f.Type)))
	out = append(out, f.Type...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(f.KVs)))
	for i := range f.KVs {
		kv := &f.KVs[i]
		out = binary.BigEndian.AppendUint16(out, uint16(len(kv.Key)))
		out = append(out, kv.Key...)
		out = binary.BigEndian.AppendUint32(out, uint32(len(kv.Value)))
		out = append(out, kv.Value...)
	}
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))

	return out, nil
}
