// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pecoff

import "encoding/binary"

// DebugDirectoryEntry is one IMAGE_DEBUG_DIRECTORY entry (28 bytes). Only
// Type, SizeOfData, RVA and FileOffset are inspected by this loader; the
// rest exist purely to keep the struct's wire layout faithful.
type DebugDirectoryEntry struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	RVA              uint32 // AddressOfRawData
	FileOffset       uint32 // PointerToRawData
}

var debugDirectoryEntrySize = uint32(binary.Size(DebugDirectoryEntry{}))

// findCodeViewEntry scans the debug directory at tableOffset for the first
// CodeView entry.
func findCodeViewEntry(src byteSource, tableOffset, tableSize uint32) (entry DebugDirectoryEntry, entryOffset uint32, found bool, err error) {
	for off := uint32(0); off < tableSize; off += debugDirectoryEntrySize {
		var e DebugDirectoryEntry
		if err := unpackAt(src, tableOffset+off, &e); err != nil {
			return DebugDirectoryEntry{}, 0, false, err
		}
		if e.Type == ImageDebugTypeCodeView {
			return e, tableOffset + off, true, nil
		}
	}
	return DebugDirectoryEntry{}, 0, false, nil
}

// codeViewSignature reads the 4-byte signature at the start of a CodeView
// payload and reports where the PDB path string starts within it. ok is
// false for a signature this loader does not interpret.
func codeViewSignature(payload []byte) (pdbOffset int, ok bool) {
	if len(payload) < 4 {
		return 0, false
	}
	switch binary.LittleEndian.Uint32(payload[:4]) {
	case cvSignatureNB10:
		return pdbPointerOffsetNB10, true
	case cvSignatureRSDS:
		return pdbPointerOffsetRSDS, true
	default:
		return 0, false
	}
}
