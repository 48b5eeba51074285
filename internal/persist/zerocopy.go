// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package persist

import (
	"encoding/binary"
	"fmt"
)

// ZeroCopyRecord is the on-disk value body: a fixed header followed by
// the caller's already-marshaled metadata blob. The core marshals M
// itself (persist has no notion of the generic metadata type) and
// passes the resulting bytes in as Meta.
type ZeroCopyRecord struct {
	MUI    uint32
	LTime  uint64
	Status uint8
	Meta   []byte
}

// EncodeRecord packs r as mui_le(4)‖ltime_le(8)‖status(1)‖meta_len_le(4)‖meta.
func EncodeRecord(r ZeroCopyRecord) []byte {
	buf := make([]byte, 4+8+1+4+len(r.Meta))
	binary.LittleEndian.PutUint32(buf[0:4], r.MUI)
	binary.LittleEndian.PutUint64(buf[4:12], r.LTime)
	buf[12] = r.Status
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(r.Meta)))
	copy(buf[17:], r.Meta)
	return buf
}

// DecodeRecord is the inverse of EncodeRecord. A malformed blob (for
// instance from disk corruption) is reported as a FatalError rather
// than panicking: the caller decides whether to treat the store as
// unusable.
func DecodeRecord(blob []byte) (ZeroCopyRecord, error) {
	if len(blob) < 17 {
		return ZeroCopyRecord{}, &FatalError{Err: fmt.Errorf("persist: record blob too short: %d bytes", len(blob))}
	}

	r := ZeroCopyRecord{
		MUI:    binary.LittleEndian.Uint32(blob[0:4]),
		LTime:  binary.LittleEndian.Uint64(blob[4:12]),
		Status: blob[12],
	}
	metaLen := binary.LittleEndian.Uint32(blob[13:17])
	if uint32(len(blob)-17) < metaLen {
		return ZeroCopyRecord{}, &FatalError{Err: fmt.Errorf("persist: record blob meta length mismatch: want %d, have %d", metaLen, len(blob)-17)}
	}

	meta := make([]byte, metaLen)
	copy(meta, blob[17:17+metaLen])
	r.Meta = meta

	return r, nil
}
